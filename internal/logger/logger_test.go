package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitoring.log")
	log, closer, err := New(Config{File: path, Level: "debug"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	log.Debug("cycle done", "workers", 3)
	log.Info("restarted worker", "worker", "/root/bots/a.py")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created at %s: %v", path, err)
	}
	s := string(b)
	if !strings.Contains(s, "worker=/root/bots/a.py") || !strings.Contains(s, "workers=3") {
		t.Fatalf("unexpected log contents: %s", s)
	}
}

func TestNewJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitoring.log")
	log, closer, err := New(Config{File: path, Format: "json"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	log.Warn("store unavailable")
	_ = closer.Close()
	b, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(b), "{") || !strings.Contains(string(b), `"level":"WARN"`) {
		t.Fatalf("expected json line, got %s", b)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWithoutFileHasNopCloser(t *testing.T) {
	log, closer, err := New(Config{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if log == nil || closer == nil {
		t.Fatalf("expected logger and closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRotatingWriterDefaults(t *testing.T) {
	w := Config{}.RotatingWriter("x.log")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", w)
	}
	if l.MaxSize != DefaultMaxSizeMB || l.MaxBackups != DefaultMaxBackups || l.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", l)
	}
	w2 := Config{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.RotatingWriter("y.log").(*lj.Logger)
	if w2.MaxSize != 1 || w2.MaxBackups != 9 || w2.MaxAge != 2 || !w2.Compress {
		t.Fatalf("overrides not applied: %+v", w2)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).With("worker", "/a.py")
	log.Error("relaunch produced no process")
	out := buf.String()
	if !strings.Contains(out, "\033[31mERROR\033[0m") {
		t.Fatalf("missing color code: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped: %q", out)
	}
	if !strings.Contains(out, "worker=/a.py") {
		t.Fatalf("attrs lost through WithAttrs: %q", out)
	}
}

func TestMultiHandlerRespectsLevels(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	log := slog.New(h).WithGroup("cycle")
	log.Info("tick", "n", 1)
	log.Warn("slow", "n", 2)
	if strings.Count(debugBuf.String(), "\n") != 2 {
		t.Fatalf("debug handler should see both records: %q", debugBuf.String())
	}
	if strings.Count(warnBuf.String(), "\n") != 1 || !strings.Contains(warnBuf.String(), "cycle.n=2") {
		t.Fatalf("warn handler should see one grouped record: %q", warnBuf.String())
	}
}
