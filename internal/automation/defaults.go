package automation

import "strings"

const (
	DefaultMaxRepliesPerHour = 5
	DefaultMinScore          = 1
	DefaultMaxAgeHours       = 24.0

	// Posting window used to spread generated clock-times.
	postWindowStartMin = 9 * 60
	postWindowEndMin   = 21 * 60
)

type domainDefaults struct {
	channels []string
	keywords []string
}

var defaultsByDomain = map[string]domainDefaults{
	"finance": {
		channels: []string{"personalfinance", "investing", "financialindependence"},
		keywords: []string{"invest", "budget", "savings", "retirement", "stock", "how do i"},
	},
	"technology": {
		channels: []string{"technology", "programming", "webdev"},
		keywords: []string{"how to", "help", "error", "best way", "recommend"},
	},
	"marketing": {
		channels: []string{"marketing", "digital_marketing", "socialmedia"},
		keywords: []string{"marketing", "seo", "growth", "audience", "how do i"},
	},
	"business": {
		channels: []string{"smallbusiness", "entrepreneur", "startups"},
		keywords: []string{"business", "customers", "pricing", "advice", "how do i"},
	},
	"health": {
		channels: []string{"health", "fitness", "nutrition"},
		keywords: []string{"diet", "exercise", "sleep", "advice", "how do i"},
	},
	"education": {
		channels: []string{"learnprogramming", "education", "college"},
		keywords: []string{"learn", "study", "course", "beginner", "how do i"},
	},
}

var fallbackDefaults = domainDefaults{
	channels: []string{"AskReddit", "NoStupidQuestions", "explainlikeimfive"},
	keywords: []string{"how", "what", "why", "help", "advice"},
}

func defaultsFor(domain string) domainDefaults {
	if d, ok := defaultsByDomain[strings.ToLower(strings.TrimSpace(domain))]; ok {
		return d
	}
	return fallbackDefaults
}

// DefaultChannels returns the channel list injected when a config names none.
func DefaultChannels(domain string) []string {
	return append([]string(nil), defaultsFor(domain).channels...)
}

// DefaultKeywords returns the keyword filter injected when a reply config names none.
func DefaultKeywords(domain string) []string {
	return append([]string(nil), defaultsFor(domain).keywords...)
}

// DefaultTimes spreads n posts evenly across the daily posting window.
// One post lands at the window start; more posts divide the window into equal steps.
func DefaultTimes(n int) []string {
	if n <= 0 {
		n = 1
	}
	if n > 24*60 {
		n = 24 * 60
	}
	out := make([]string, 0, n)
	if n == 1 {
		return append(out, FormatClock(postWindowStartMin))
	}
	span := postWindowEndMin - postWindowStartMin
	step := span / (n - 1)
	if step == 0 {
		// More posts than minutes in the window: fill consecutive minutes from the start of the day.
		for i := 0; i < n; i++ {
			out = append(out, FormatClock(i))
		}
		return out
	}
	for i := 0; i < n; i++ {
		out = append(out, FormatClock(postWindowStartMin+i*step))
	}
	return out
}
