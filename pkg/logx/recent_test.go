package logx

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentSinkKeepsNewestLines(t *testing.T) {
	t.Parallel()

	r := newRecentSink()
	r.configure(RecentConfig{Enabled: true, Size: 2, MinLevel: "warn", RatePerSec: 100})

	for _, msg := range []string{"a", "b", "c"} {
		_, err := r.WriteLevel(zerolog.WarnLevel, []byte(msg+"\n"))
		require.NoError(t, err)
	}
	_, _ = r.WriteLevel(zerolog.InfoLevel, []byte("ignored"))

	lines := r.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "b", string(lines[0]))
	assert.Equal(t, "c", string(lines[1]))
}

func TestRecentSinkRateLimits(t *testing.T) {
	t.Parallel()

	r := newRecentSink()
	r.configure(RecentConfig{Enabled: true, Size: 10, RatePerSec: 1})

	for i := 0; i < 5; i++ {
		_, _ = r.WriteLevel(zerolog.ErrorLevel, []byte("x"))
	}
	assert.Len(t, r.Lines(), 1)
	assert.Equal(t, uint64(4), r.Dropped())
}

func TestValidLevelCases(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"", true},
		{"info", true},
		{"WARNING", true},
		{"verbose", false},
	} {
		assert.Equal(t, tc.want, ValidLevel(tc.in), tc.in)
	}
}
