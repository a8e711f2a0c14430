package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("comp", "bulk"))

	log.Debug("hidden")
	log.Info("batch done", Int("deleted", 42), Bool("fallback", false), Err(errors.New("boom")))
	log.Warn("override", String("comp", "range"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	first := lines[0]
	if first["message"] != "batch done" || first["comp"] != "bulk" {
		t.Fatalf("first = %v", first)
	}
	if first["deleted"] != float64(42) {
		t.Fatalf("deleted = %v, want 42", first["deleted"])
	}
	if first["err"] != "boom" {
		t.Fatalf("err = %v, want boom", first["err"])
	}
	if c, _ := first["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
	if lines[1]["level"] != "warn" {
		t.Fatalf("level = %v, want warn", lines[1]["level"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero = false, want true")
	}
	l.Error("nothing happens", String("k", "v"))
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true, want false")
	}
	if Nop().Enabled(LevelError) {
		t.Fatalf("Nop enabled at error")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	line := []byte(`{"level":"error","time":"x","message":"send failed","chat_id":"-100","attempt":3}`)
	got := formatAlert(line)
	want := "[ERROR] send failed\n- attempt=3\n- chat_id=-100"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("  not json ")); got != "not json" {
		t.Fatalf("formatAlert(raw) = %q", got)
	}
	long := strings.Repeat("a", 4000)
	if got := truncate(long, 3500); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate len = %d", len(got))
	}
}

func TestServiceForwardsAlerts(t *testing.T) {
	type alert struct{ chat, text string }
	got := make(chan alert, 4)
	svc, log := New(Config{
		Level:  "INFO",
		Alerts: AlertConfig{Enabled: true, ChatID: "ops", RatePerSec: 10},
	}, func(_ context.Context, chatID, text string) error {
		got <- alert{chatID, text}
		return nil
	})
	defer svc.Close()

	log.Warn("below threshold")
	log.Error("queue lost", String("driver", "rabbitmq"))

	select {
	case a := <-got:
		if a.chat != "ops" {
			t.Fatalf("chat = %q, want ops", a.chat)
		}
		if !strings.HasPrefix(a.text, "[ERROR] queue lost") || !strings.Contains(a.text, "driver=rabbitmq") {
			t.Fatalf("text = %q", a.text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("alert not delivered")
	}
	select {
	case a := <-got:
		t.Fatalf("unexpected alert %q", a.text)
	case <-time.After(50 * time.Millisecond):
	}
}
