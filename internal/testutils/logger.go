package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
)

// Logger returns a logger that routes messages into t.Log so they are
// interleaved with the test output and shown only for failing tests.
func Logger(t *testing.T, name string) log.Logger {
	return log.Logger{
		Out: log.FuncOutput(func(_ time.Time, debug bool, str string) {
			t.Helper()
			str = strings.TrimSuffix(str, "\n")
			if debug {
				str = "debug: " + str
			}
			t.Log(str)
		}, func() error {
			return nil
		}),
		Name:  name,
		Debug: testing.Verbose(),
	}
}
