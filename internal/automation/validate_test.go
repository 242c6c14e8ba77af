package automation

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int
		ok   bool
	}{
		{raw: "00:00", want: 0, ok: true},
		{raw: "9:05", want: 9*60 + 5, ok: true},
		{raw: " 23:59 ", want: 23*60 + 59, ok: true},
		{raw: "24:00"},
		{raw: "12:60"},
		{raw: "1200"},
		{raw: "12:5"},
		{raw: "ab:cd"},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.raw)
		if tt.ok && err != nil {
			t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
		}
		if !tt.ok {
			if err == nil {
				t.Fatalf("ParseClock(%q) expected error", tt.raw)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("ParseClock(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestPostConfigEmptyChannelsGetDomainDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := AutoPostConfig{UserID: "u1", Domain: "Finance", Times: []string{"10:00"}}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !reflect.DeepEqual(cfg.Channels, DefaultChannels("finance")) {
		t.Fatalf("Channels = %v, want finance defaults", cfg.Channels)
	}
	if len(cfg.Channels) == 0 {
		t.Fatal("channels must never be empty after normalisation")
	}
}

func TestPostConfigUnknownDomainFallsBack(t *testing.T) {
	t.Parallel()
	cfg, err := AutoPostConfig{UserID: "u1", Domain: "knitting"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(cfg.Channels) == 0 || len(cfg.Times) == 0 {
		t.Fatalf("expected defaults, got channels=%v times=%v", cfg.Channels, cfg.Times)
	}
}

func TestPostConfigTimesDedupedAndSorted(t *testing.T) {
	t.Parallel()
	cfg, err := AutoPostConfig{
		UserID: "u1",
		Domain: "technology",
		Times:  []string{"18:30", "9:00", "09:00", "", "12:15"},
	}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []string{"09:00", "12:15", "18:30"}
	if !reflect.DeepEqual(cfg.Times, want) {
		t.Fatalf("Times = %v, want %v", cfg.Times, want)
	}
	if cfg.PostsPerDay != 3 {
		t.Fatalf("PostsPerDay = %d, want 3", cfg.PostsPerDay)
	}
}

func TestPostConfigTimesFromPostsPerDay(t *testing.T) {
	t.Parallel()
	cfg, err := AutoPostConfig{UserID: "u1", Domain: "finance", PostsPerDay: 3}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []string{"09:00", "15:00", "21:00"}
	if !reflect.DeepEqual(cfg.Times, want) {
		t.Fatalf("Times = %v, want %v", cfg.Times, want)
	}
}

func TestPostConfigRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := []AutoPostConfig{
		{Domain: "finance"},
		{UserID: "u1"},
		{UserID: "u1", Domain: "finance", PostsPerDay: -1},
		{UserID: "u1", Domain: "finance", Times: []string{"25:00"}},
	}
	for i, c := range cases {
		if _, err := c.Normalize(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: err = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestReplyConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := AutoReplyConfig{UserID: "u1", Domain: "marketing", Channels: []string{" seo ", "SEO"}}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"seo"}) {
		t.Fatalf("Channels = %v", cfg.Channels)
	}
	if len(cfg.Keywords) == 0 {
		t.Fatal("expected default keywords")
	}
	if cfg.MaxRepliesPerHour != DefaultMaxRepliesPerHour || cfg.ScoreFloor() != DefaultMinScore || cfg.MaxAgeHours != DefaultMaxAgeHours {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestReplyConfigRejectsNegative(t *testing.T) {
	t.Parallel()
	cases := []AutoReplyConfig{
		{UserID: "u1", Domain: "x", MaxRepliesPerHour: -1},
		{UserID: "u1", Domain: "x", MinDelayMinutes: -5},
		{UserID: "u1", Domain: "x", MaxAgeHours: -1},
		{UserID: "u1", Domain: "x", MinScore: scoreOf(-1)},
	}
	for i, c := range cases {
		if _, err := c.Normalize(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: err = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func scoreOf(v int) *int { return &v }

func TestReplyConfigKeepsExplicitZeroMinScore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   *int
		want int
	}{
		{"absent", nil, DefaultMinScore},
		{"zero", scoreOf(0), 0},
		{"five", scoreOf(5), 5},
	}
	for _, tt := range tests {
		cfg, err := AutoReplyConfig{UserID: "u1", Domain: "tech", MinScore: tt.in}.Normalize()
		if err != nil {
			t.Fatalf("%s: Normalize: %v", tt.name, err)
		}
		if cfg.MinScore == nil || *cfg.MinScore != tt.want || cfg.ScoreFloor() != tt.want {
			t.Fatalf("%s: MinScore = %v, want %d", tt.name, cfg.MinScore, tt.want)
		}
	}
}

func TestDefaultTimesBounds(t *testing.T) {
	t.Parallel()
	if got := DefaultTimes(0); !reflect.DeepEqual(got, []string{"09:00"}) {
		t.Fatalf("DefaultTimes(0) = %v", got)
	}
	if got := DefaultTimes(2); !reflect.DeepEqual(got, []string{"09:00", "21:00"}) {
		t.Fatalf("DefaultTimes(2) = %v", got)
	}
}
