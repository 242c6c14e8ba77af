package automation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseClock parses "HH:MM" (24h) into minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as zero-padded "HH:MM".
func FormatClock(min int) string {
	return fmt.Sprintf("%02d:%02d", (min/60)%24, min%60)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// cleanList trims entries and drops empties and case-insensitive duplicates, keeping first-seen order.
func cleanList(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Normalize validates c and returns a copy with defaults injected:
// channels from the domain table, clock-times spread over the posting window,
// clock-times canonicalised, deduplicated and sorted.
func (c AutoPostConfig) Normalize() (AutoPostConfig, error) {
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return c, invalid("user_id is required")
	}
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	if c.Domain == "" {
		return c, invalid("domain is required")
	}
	if c.PostsPerDay < 0 {
		return c, invalid("posts_per_day must be >= 1")
	}
	c.Language = strings.TrimSpace(c.Language)
	if c.Language == "" {
		c.Language = "en"
	}
	c.Style = strings.TrimSpace(c.Style)
	if c.Style == "" {
		c.Style = "informative"
	}

	c.Channels = cleanList(c.Channels)
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels(c.Domain)
	}

	mins := make(map[int]struct{}, len(c.Times))
	for _, raw := range c.Times {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		m, err := ParseClock(raw)
		if err != nil {
			return c, invalid("times: %v", err)
		}
		mins[m] = struct{}{}
	}
	if len(mins) == 0 {
		n := c.PostsPerDay
		if n == 0 {
			n = 1
		}
		for _, t := range DefaultTimes(n) {
			m, _ := ParseClock(t)
			mins[m] = struct{}{}
		}
	}
	sorted := make([]int, 0, len(mins))
	for m := range mins {
		sorted = append(sorted, m)
	}
	sort.Ints(sorted)
	c.Times = make([]string, 0, len(sorted))
	for _, m := range sorted {
		c.Times = append(c.Times, FormatClock(m))
	}
	if c.PostsPerDay == 0 {
		c.PostsPerDay = len(c.Times)
	}
	return c, nil
}

// Normalize validates c and returns a copy with defaults injected.
func (c AutoReplyConfig) Normalize() (AutoReplyConfig, error) {
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return c, invalid("user_id is required")
	}
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
	if c.Domain == "" {
		return c, invalid("domain is required")
	}
	if c.MaxRepliesPerHour < 0 {
		return c, invalid("max_replies_per_hour must be >= 1")
	}
	if c.MinDelayMinutes < 0 {
		return c, invalid("min_delay_minutes must be >= 0")
	}
	if c.MinScore != nil && *c.MinScore < 0 {
		return c, invalid("min_score must be >= 0")
	}
	if c.MaxAgeHours < 0 {
		return c, invalid("max_age_hours must be >= 0")
	}
	c.Expertise = strings.TrimSpace(c.Expertise)
	if c.Expertise == "" {
		c.Expertise = "intermediate"
	}
	if c.MaxRepliesPerHour == 0 {
		c.MaxRepliesPerHour = DefaultMaxRepliesPerHour
	}
	if c.MinScore == nil {
		floor := DefaultMinScore
		c.MinScore = &floor
	}
	if c.MaxAgeHours == 0 {
		c.MaxAgeHours = DefaultMaxAgeHours
	}

	c.Channels = cleanList(c.Channels)
	if len(c.Channels) == 0 {
		c.Channels = DefaultChannels(c.Domain)
	}
	c.Keywords = cleanList(c.Keywords)
	if len(c.Keywords) == 0 {
		c.Keywords = DefaultKeywords(c.Domain)
	}
	return c, nil
}
