package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLoggerInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "text"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	Get().Info(context.Background(), "rebuild finished", String("scope", "all"), Int("events", 3))

	out := buf.String()
	for _, want := range []string{"rebuild finished", "scope=all", "events=3", "source=logger_test.go"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "json"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	Get().Error(context.Background(), "append failed", Error(errors.New("disk full")))

	out := buf.String()
	if !strings.Contains(out, `"msg":"append failed"`) || !strings.Contains(out, `"error":"disk full"`) {
		t.Errorf("unexpected json output %q", out)
	}
}

func TestLoggerUnknownFormat(t *testing.T) {
	if err := InitWithWriter(&bytes.Buffer{}, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestLoggerNamed(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "text"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	Named("rebuild").With(String("run_id", "r1")).Info(context.Background(), "test message")

	out := buf.String()
	if !strings.Contains(out, "component=rebuild") || !strings.Contains(out, "run_id=r1") {
		t.Errorf("expected component and run_id in output, got %q", out)
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	if err := InitWithWriter(&buf, "text"); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	if err := SetLevelString("warn"); err != nil {
		t.Fatalf("SetLevelString: %v", err)
	}
	defer func() { _ = SetLevelString("info") }()

	Get().Info(context.Background(), "hidden")
	Get().Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("level filtering failed: %q", out)
	}
	if err := SetLevelString("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Info(context.Background(), "nothing")
}
