package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/config"
	"socialpilot/internal/ports"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 10, 0, time.UTC)

const testConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "memory", "retention": "720h"},
  "dispatch": {"interval": "60s", "timezone": "UTC", "workers": 2, "grace": "1s"},
  "maintenance": {"prune": "off", "compact": "off", "status_report": "every:24h"},
  "alert": {"enabled": true, "chat_id": 42, "dedup_window": "1m"},
  "users": [
    {
      "id": "u1",
      "credentials": {"username": "acme", "access_token": "tok"},
      "post": {"enabled": true, "domain": "tech", "channels": ["golang"], "times": ["09:00"]},
      "reply": {"enabled": true, "domain": "tech", "channels": ["golang"], "keywords": ["go"], "max_replies_per_hour": 2, "min_delay_minutes": 1}
    }
  ]
}`

type stubGen struct {
	mu  sync.Mutex
	err error
}

func (g *stubGen) fail(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *stubGen) Generate(_ context.Context, b ports.PostBrief) (ports.Draft, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return ports.Draft{}, g.err
	}
	return ports.Draft{Title: "Weekly " + b.Domain + " notes", Body: "body"}, nil
}

func (g *stubGen) Answer(_ context.Context, b ports.AnswerBrief) (string, error) {
	return "see the docs for " + b.Thread.ID, nil
}

type stubPlatform struct {
	mu    sync.Mutex
	posts int
}

func (p *stubPlatform) Search(context.Context, string, []string, float64) ([]automation.CandidateThread, error) {
	return nil, nil
}

func (p *stubPlatform) Post(_ context.Context, creds automation.Credentials, channel, _, _ string) (string, string, error) {
	if creds.AccessToken != "tok" {
		return "", "", errors.New("unauthorized")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts++
	id := fmt.Sprintf("p%d", p.posts)
	return id, "https://example.test/r/" + channel + "/" + id, nil
}

func (p *stubPlatform) Reply(context.Context, automation.Credentials, string, string) (string, error) {
	return "c1", nil
}

func (p *stubPlatform) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posts
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubSender) Send(_ context.Context, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	return nil
}

func (s *stubSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type harness struct {
	app      *App
	clock    *clock.Fake
	gen      *stubGen
	platform *stubPlatform
	sender   *stubSender
}

func startApp(t *testing.T, body string) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "socialpilot.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	h := &harness{clock: clock.NewFake(epoch), gen: &stubGen{}, platform: &stubPlatform{}, sender: &stubSender{}}
	a, err := New(path,
		WithGenerator(h.gen),
		WithPlatform(h.platform),
		WithAlertSender(h.sender),
		WithClock(h.clock),
		WithLogger(logx.Nop()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopSignal)
	})
	h.app = a
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSeededPostFiresAndFailuresAlert(t *testing.T) {
	t.Parallel()
	h := startApp(t, testConfig)
	ctx := context.Background()

	if _, ok := h.app.reg.PostConfig("u1"); !ok {
		t.Fatal("seed u1 not registered")
	}

	res := h.app.loop.Scan(epoch)
	if res.PostsQueued != 1 {
		t.Fatalf("PostsQueued = %d, want 1", res.PostsQueued)
	}
	waitFor(t, "post published", func() bool { return h.platform.count() == 1 })
	waitFor(t, "post recorded", func() bool {
		act, ok, _ := h.app.store.LastActivity(ctx, "u1", automation.KindPost)
		return ok && act.Status == automation.StatusSuccess
	})

	if again := h.app.loop.Scan(epoch.Add(20 * time.Second)); again.PostsQueued != 0 {
		t.Fatal("slot fired twice in the same minute")
	}

	h.gen.fail(errors.New("model overloaded"))
	if res := h.app.loop.Scan(epoch.Add(24 * time.Hour)); res.PostsQueued != 1 {
		t.Fatalf("next day PostsQueued = %d, want 1", res.PostsQueued)
	}
	waitFor(t, "failure alert", func() bool {
		for _, s := range h.sender.texts() {
			if strings.Contains(s, "auto_post failed for u1") && strings.Contains(s, "stage: generate") {
				return true
			}
		}
		return false
	})
	if h.platform.count() != 1 {
		t.Fatal("post published although generation failed")
	}
}

func TestStatusReportIsSent(t *testing.T) {
	t.Parallel()
	h := startApp(t, testConfig)

	if err := h.app.reportStatus(context.Background()); err != nil {
		t.Fatalf("reportStatus: %v", err)
	}
	waitFor(t, "status alert", func() bool {
		for _, s := range h.sender.texts() {
			if strings.Contains(s, "- u1: post(09:00) reply(0/2 per hour)") {
				return true
			}
		}
		return false
	})
	snap := h.app.sched.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != jobStatus {
		t.Fatalf("maintenance schedules = %+v, want only %s", snap.Schedules, jobStatus)
	}
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	h := startApp(t, testConfig)
	ctx := context.Background()

	old := automation.Activity{ID: "a1", UserID: "u9", Kind: automation.KindPost, Status: automation.StatusSuccess, At: epoch.Add(-31 * 24 * time.Hour)}
	fresh := automation.Activity{ID: "a2", UserID: "u8", Kind: automation.KindPost, Status: automation.StatusSuccess, At: epoch.Add(-time.Hour)}
	for _, a := range []automation.Activity{old, fresh} {
		if err := h.app.store.Record(ctx, a); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := h.app.pruneActivity(ctx); err != nil {
		t.Fatalf("pruneActivity: %v", err)
	}
	if _, ok, _ := h.app.store.LastActivity(ctx, "u9", automation.KindPost); ok {
		t.Fatal("activity older than retention survived")
	}
	if _, ok, _ := h.app.store.LastActivity(ctx, "u8", automation.KindPost); !ok {
		t.Fatal("fresh activity was pruned")
	}
}

func TestApplyConfigReseedsUsers(t *testing.T) {
	t.Parallel()
	h := startApp(t, testConfig)
	ctx := context.Background()

	next, err := config.Decode("next.json", []byte(testConfig))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	next.Users[0].Reply = nil
	next.Users = append(next.Users, config.UserSeed{
		ID:          "u2",
		Credentials: config.SeedCredentials{Username: "beta", AccessToken: "tok2"},
		Post:        &automation.AutoPostConfig{Enabled: true, Domain: "finance", PostsPerDay: 2},
	})
	h.app.applyConfig(ctx, next)

	if _, ok := h.app.reg.ReplyConfig("u1"); ok {
		t.Fatal("u1 reply still active after removal from config")
	}
	if _, ok := h.app.reg.PostConfig("u1"); !ok {
		t.Fatal("u1 post lost on reload")
	}
	p, ok := h.app.reg.PostConfig("u2")
	if !ok || len(p.Times) != 2 {
		t.Fatalf("u2 post = %+v ok=%v", p, ok)
	}
	creds, err := h.app.creds.Credentials(ctx, "u2")
	if err != nil || creds.AccessToken != "tok2" {
		t.Fatalf("u2 creds = %+v err=%v", creds, err)
	}
	if _, err := h.app.creds.Credentials(ctx, "ghost"); !errors.Is(err, automation.ErrNotFound) {
		t.Fatalf("unknown creds: err = %v", err)
	}
}

func TestMaintenanceSpecs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   config.MaintenanceConfig
		want map[string]string
	}{
		{"defaults", config.MaintenanceConfig{}, map[string]string{jobPrune: defaultPrune, jobStatus: defaultStatus, jobCompact: defaultCompact}},
		{"off", config.MaintenanceConfig{Prune: "OFF", StatusReport: "every:30m", Compact: "off"}, map[string]string{jobStatus: "every:30m"}},
	}
	for _, tt := range tests {
		got := maintenanceSpecs(&config.Config{Maintenance: tt.in})
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Fatalf("%s: %s = %q, want %q", tt.name, k, got[k], v)
			}
		}
	}
}

func TestNewRequiresModelKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "socialpilot.json")
	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"memory"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := New(path, WithLogger(logx.Nop()))
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("err = %v, want missing key error", err)
	}
}

func TestStatusDocAndDebugReload(t *testing.T) {
	t.Parallel()
	h := startApp(t, testConfig)
	ctx := context.Background()

	if err := h.app.healthy(); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	h.app.loop.Scan(epoch)
	doc, ok := h.app.statusDoc().(statusDoc)
	if !ok {
		t.Fatalf("statusDoc type = %T", h.app.statusDoc())
	}
	if len(doc.Users) != 1 || doc.Users[0].UserID != "u1" {
		t.Fatalf("status users = %+v", doc.Users)
	}
	if doc.LastScan.Slot != "09:00" || !doc.Engine.Running {
		t.Fatalf("status scan=%+v engine running=%v", doc.LastScan, doc.Engine.Running)
	}
	if h.app.debug.Addr() != "" {
		t.Fatal("debug server running although disabled")
	}

	next, err := config.Decode("next.json", []byte(testConfig))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	next.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	h.app.applyConfig(ctx, next)
	select {
	case <-h.app.debug.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("debug server not started on reload")
	}
	if h.app.debug.Addr() == "" {
		t.Fatal("debug server has no address")
	}
}

func TestReloadAddingUsersRescalesWorkers(t *testing.T) {
	t.Parallel()
	body := strings.Replace(testConfig, `"workers": 2, `, "", 1)
	h := startApp(t, body)
	if got := h.app.engine.Snapshot().Workers; got != 4 {
		t.Fatalf("Workers = %d at start, want 4", got)
	}

	next, err := config.Decode("next.json", []byte(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := 2; i <= 50; i++ {
		next.Users = append(next.Users, config.UserSeed{
			ID:          fmt.Sprintf("u%d", i),
			Credentials: config.SeedCredentials{Username: "bulk", AccessToken: "tok"},
			Post:        &automation.AutoPostConfig{Enabled: true, Domain: "tech", PostsPerDay: 1},
		})
	}
	h.app.applyConfig(context.Background(), next)

	if got := len(h.app.reg.Users()); got != 50 {
		t.Fatalf("users = %d, want 50", got)
	}
	snap := h.app.engine.Snapshot()
	if snap.Workers != engine.WorkersFor(50) || !snap.Running {
		t.Fatalf("engine after reload: workers=%d running=%v, want %d running", snap.Workers, snap.Running, engine.WorkersFor(50))
	}
}
