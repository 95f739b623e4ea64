package utilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToNaiveUTC(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-01-01T00:00:00.000Z", "2024-01-01 00:00:00", true},
		{"2024-01-01T12:30:45Z", "2024-01-01 12:30:45", true},
		{"2024-01-01T12:30:45+02:00", "2024-01-01 10:30:45", true},
		{"2024-01-01 12:30:45", "2024-01-01 12:30:45", true},
		{"2013-04-28", "2013-04-28 00:00:00", true},
		{"not a timestamp", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := ToNaiveUTC(c.in)
		if !c.ok {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, Debug, lvl)

	lvl, err = ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, Warn, lvl)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestMinInt(t *testing.T) {
	assert.Equal(t, 3, MinInt(3, 5))
	assert.Equal(t, -1, MinInt(0, -1))
}
