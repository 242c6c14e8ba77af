package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWriterFieldsAndSecrets(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("replier"), User("u1"))
	log.Info("reply sent", Thread("t3_abc"), Channel("golang"), Secret("token", "hunter2"))

	line := buf.String()
	if strings.Contains(line, "hunter2") {
		t.Fatalf("secret leaked: %s", line)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	want := map[string]any{
		"comp": "replier", "user": "u1", "thread": "t3_abc", "channel": "golang",
		"token_set": true, "message": "reply sent", "level": "info",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %v (line %s)", k, got[k], v, line)
		}
	}
}

func TestEnabledAndLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("warn logger level gate wrong")
	}
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}

	for _, tt := range []struct {
		in   string
		want bool
	}{{"", true}, {"debug", true}, {" Warning ", true}, {"loud", false}} {
		if got := ValidLevel(tt.in); got != tt.want {
			t.Fatalf("ValidLevel(%q) = %v", tt.in, got)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.With(Comp("x")).Error("dropped")
	Nop().Warn("dropped")
}
