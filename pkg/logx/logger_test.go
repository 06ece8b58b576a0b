package logx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	t.Parallel()

	svc, root := New(Config{Level: "debug", JSON: true, Recent: RecentConfig{Enabled: true, Size: 8, MinLevel: "debug", RatePerSec: 100}})
	t.Cleanup(func() { _ = svc.Close() })

	log := root.With(String("comp", "test"))
	log.Debug("hello", Int("n", 3), Err(errors.New("boom")), Err(nil))
	log.Trace("below level")

	lines := svc.Recent().Lines()
	require.Len(t, lines, 1)
	line := string(lines[0])
	assert.Contains(t, line, `"comp":"test"`)
	assert.Contains(t, line, `"n":3`)
	assert.Contains(t, line, `"err":"boom"`)
	assert.Contains(t, line, `logger_test.go:`)
	assert.Contains(t, line, `"message":"hello"`)

	// Apply swaps the sink under existing loggers.
	svc.Apply(Config{Level: "error", Recent: RecentConfig{Enabled: true, Size: 8, MinLevel: "debug", RatePerSec: 100}})
	log.Warn("filtered")
	assert.Len(t, svc.Recent().Lines(), 1)
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.With(String("k", "v")).IsZero())
	assert.NotPanics(t, func() {
		zero.Error("dropped")
		Nop().Info("dropped")
	})
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "trace", " Info ", "WARNING", "error"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}
