package log

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestZapBridge(t *testing.T) {
	var lines []string
	l := Logger{
		Name: "test",
		Out: FuncOutput(func(_ time.Time, debug bool, msg string) {
			if debug {
				t.Errorf("info entry logged as debug: %s", msg)
			}
			lines = append(lines, msg)
		}, func() error { return nil }),
	}

	zl := l.Zap()
	zl.Info("delivery done", zap.String("list", "ant@example.org"), zap.Int("rcpts", 3))

	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	for _, want := range []string{"delivery done", "ant@example.org", "rcpts"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("output %q missing %q", lines[0], want)
		}
	}
}

func TestZapBridgeDebugSuppressed(t *testing.T) {
	logged := false
	l := Logger{
		Out: FuncOutput(func(time.Time, bool, string) { logged = true },
			func() error { return nil }),
	}

	l.Zap().Debug("noise")
	if logged {
		t.Error("debug entry written with Debug disabled")
	}

	l.Debug = true
	l.Zap().Debug("wanted")
	if !logged {
		t.Error("debug entry suppressed with Debug enabled")
	}
}
