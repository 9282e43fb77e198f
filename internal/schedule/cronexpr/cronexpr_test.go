package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.NoError(t, Validate("0 9 * * 1"))
	assert.NoError(t, Validate("30 14 28 2 *"))

	assert.Error(t, Validate(""))
	assert.Error(t, Validate("* * * *"))            // 4 fields
	assert.Error(t, Validate("* * * * * *"))        // 6 fields
	assert.Error(t, Validate("61 * * * *"))         // minute out of range
	assert.Error(t, Validate("not a cron at all x"))
}

func TestNextIsStrictlyAfterBase(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	next, err := Next("*/5 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 12, 5, 0, 0, time.UTC), next)
	assert.True(t, next.After(base))
}

func TestNextConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	base := time.Date(2025, 3, 10, 20, 0, 0, 0, loc) // 12:00 UTC

	next, err := Next("0 13 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), next)
}

func TestNextN(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := NextN("0 * * * *", 3, base)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC), runs[1])
	assert.Equal(t, time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), runs[2])
}

func TestGenerators(t *testing.T) {
	expr, err := EveryMinutes(15)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", expr)
	assert.NoError(t, Validate(expr))

	expr, err = EveryMinutes(120)
	require.NoError(t, err)
	assert.Equal(t, "0 */2 * * *", expr)

	_, err = EveryMinutes(0)
	assert.Error(t, err)

	assert.Equal(t, "30 9 * * *", Daily(9, 30))
	assert.Equal(t, "0 8 * * 1", Weekly(1, 8, 0))
	assert.Equal(t, "0 0 1 * *", Monthly(1, 0, 0))
	for _, expr := range []string{Daily(9, 30), Weekly(1, 8, 0), Monthly(1, 0, 0)} {
		assert.NoError(t, Validate(expr))
	}
}
