package ranking

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"socialpilot/internal/automation"
)

func TestScoreWorkedExample(t *testing.T) {
	t.Parallel()
	ct := automation.CandidateThread{
		ID:       "t1",
		Title:    "How do I start investing as a student?",
		Score:    10,
		Comments: 5,
		AgeHours: 2,
	}
	if got := Score(ct); got != 19.25 {
		t.Fatalf("Score = %v, want 19.25", got)
	}
}

func TestScoreBonusesAndAgeFloor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ct   automation.CandidateThread
		want float64
	}{
		{
			name: "short title no bonus",
			ct:   automation.CandidateThread{Title: "help?", Score: 4, AgeHours: 0},
			want: 4,
		},
		{
			name: "long body bonus",
			ct:   automation.CandidateThread{Title: "x", Body: strings.Repeat("b", 51), Score: 10, AgeHours: 0},
			want: 13,
		},
		{
			name: "both bonuses",
			ct:   automation.CandidateThread{Title: strings.Repeat("t", 20), Body: strings.Repeat("b", 60), Score: 10, AgeHours: 0},
			want: 15,
		},
		{
			name: "age floor",
			ct:   automation.CandidateThread{Title: "x", Score: 10, AgeHours: 48},
			want: 1,
		},
		{
			name: "title counted in characters",
			ct:   automation.CandidateThread{Title: strings.Repeat("é", 19), Score: 10, AgeHours: 0},
			want: 10,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Score(tt.ct); got != tt.want {
				t.Fatalf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRankFilters(t *testing.T) {
	t.Parallel()
	cands := []automation.CandidateThread{
		{ID: "low", Title: "how to budget", Score: 0, AgeHours: 1},
		{ID: "old", Title: "how to budget", Score: 5, AgeHours: 30},
		{ID: "nokw", Title: "cat pictures", Score: 50, AgeHours: 1},
		{ID: "body", Title: "question", Body: "What about my BUDGET?", Score: 3, AgeHours: 1},
		{ID: "ok", Title: "How to budget", Score: 5, AgeHours: 1},
	}
	got := Rank(cands, Criteria{Domain: "finance", Keywords: []string{"Budget"}, MinScore: 1, MaxAgeHours: 24})
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
		if r.Domain != "finance" {
			t.Fatalf("Domain = %q, want finance", r.Domain)
		}
	}
	if !reflect.DeepEqual(ids, []string{"ok", "body"}) {
		t.Fatalf("ids = %v, want [ok body]", ids)
	}
}

func TestRankEmptyKeywordsMatchesAll(t *testing.T) {
	t.Parallel()
	cands := []automation.CandidateThread{{ID: "a", Title: "anything", Score: 2, AgeHours: 1}}
	if got := Rank(cands, Criteria{MinScore: 1, MaxAgeHours: 24}); len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestRankStableTiesAndDeterminism(t *testing.T) {
	t.Parallel()
	cands := make([]automation.CandidateThread, 0, 30)
	for i := 0; i < 30; i++ {
		cands = append(cands, automation.CandidateThread{
			ID:       fmt.Sprintf("t%02d", i),
			Title:    "how?",
			Score:    10 + i%3,
			AgeHours: 0,
		})
	}
	crit := Criteria{Keywords: []string{"how"}, MinScore: 1, MaxAgeHours: 24}
	first := Rank(cands, crit)
	second := Rank(cands, crit)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("Rank is not deterministic")
	}
	if len(first) != MaxResults {
		t.Fatalf("len = %d, want %d", len(first), MaxResults)
	}
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1], first[i]
		if prev.EngagementScore < cur.EngagementScore {
			t.Fatalf("not sorted at %d", i)
		}
		if prev.EngagementScore == cur.EngagementScore && prev.ID > cur.ID {
			t.Fatalf("tie order broken: %s before %s", prev.ID, cur.ID)
		}
	}
	if cands[0].ID != "t00" {
		t.Fatal("input slice was modified")
	}
}
