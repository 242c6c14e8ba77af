// Package ranking scores candidate discussion threads by engagement potential.
package ranking

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"socialpilot/internal/automation"
)

// MaxResults caps the ranked list returned by Rank.
const MaxResults = 20

// Criteria filters candidates before scoring.
type Criteria struct {
	Domain      string
	Keywords    []string
	MinScore    int
	MaxAgeHours float64
}

// Rank filters, scores and sorts candidates, highest score first.
// Ties keep discovery order. The input slice is not modified.
func Rank(cands []automation.CandidateThread, c Criteria) []automation.RankedThread {
	kws := lowerKeywords(c.Keywords)
	out := make([]automation.RankedThread, 0, len(cands))
	for _, ct := range cands {
		if ct.Score < c.MinScore {
			continue
		}
		if ct.AgeHours > c.MaxAgeHours {
			continue
		}
		if !matchesAny(ct, kws) {
			continue
		}
		out = append(out, automation.RankedThread{
			CandidateThread: ct,
			EngagementScore: Score(ct),
			Domain:          c.Domain,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EngagementScore > out[j].EngagementScore
	})
	if len(out) > MaxResults {
		out = out[:MaxResults]
	}
	return out
}

// Score computes the engagement score of a single candidate, rounded to two decimals.
func Score(ct automation.CandidateThread) float64 {
	base := float64(ct.Score) + float64(ct.Comments)*1.5
	age := math.Max(0.1, 1-ct.AgeHours/24)
	quality := 1.0
	if n := utf8.RuneCountInString(ct.Title); n >= 20 && n <= 100 {
		quality += 0.2
	}
	if utf8.RuneCountInString(ct.Body) > 50 {
		quality += 0.3
	}
	return round2(base * age * quality)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func lowerKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

// matchesAny reports whether title+body contains one of kws.
// An empty keyword list matches everything.
func matchesAny(ct automation.CandidateThread, kws []string) bool {
	if len(kws) == 0 {
		return true
	}
	text := strings.ToLower(ct.Title + " " + ct.Body)
	for _, k := range kws {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
