package xid

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatReturnNumber(t *testing.T) {
	assert.Equal(t, "RET-0", FormatReturnNumber(0))
	assert.Equal(t, "RET-ZZ", FormatReturnNumber(36*36-1))

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	number := FormatReturnNumber(at.UnixMilli())
	assert.Equal(t, "RET-LVNNBR40", number)
}

func TestReturnNumbersBumpsWithinSameMillisecond(t *testing.T) {
	fixed := time.UnixMilli(1_000_000)
	gen := NewReturnNumbers(func() time.Time { return fixed })

	first := gen.Next()
	second := gen.Next()
	third := gen.Next()

	assert.Equal(t, FormatReturnNumber(1_000_000), first)
	assert.Equal(t, FormatReturnNumber(1_000_001), second)
	assert.Equal(t, FormatReturnNumber(1_000_002), third)
}

func TestReturnNumbersNeverGoBackwards(t *testing.T) {
	current := time.UnixMilli(5_000)
	gen := NewReturnNumbers(func() time.Time { return current })

	a := gen.Next()
	current = time.UnixMilli(4_000)
	b := gen.Next()

	assert.Equal(t, FormatReturnNumber(5_000), a)
	assert.Equal(t, FormatReturnNumber(5_001), b)
}

func TestReturnNumberIsUniqueAcrossCalls(t *testing.T) {
	seen := make(map[string]struct{}, 200)
	for i := 0; i < 200; i++ {
		number := ReturnNumber()
		require.True(t, strings.HasPrefix(number, "RET-"))
		assert.Equal(t, strings.ToUpper(number), number)
		_, dup := seen[number]
		require.False(t, dup, "duplicate %s", number)
		seen[number] = struct{}{}
	}
}

func TestNewUsesPrefix(t *testing.T) {
	id := New("audit")
	assert.True(t, strings.HasPrefix(id, "audit-"))
	assert.Len(t, id, len("audit-")+36)
	assert.NotEqual(t, New("audit"), id)
	assert.Len(t, New(""), 36)
}
