package xid

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// New returns a record identifier for stores that do not assign their own.
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

const returnNumberPrefix = "RET-"

// ReturnNumbers issues human-legible return numbers from wall-clock
// milliseconds. Two calls in the same millisecond get consecutive values.
type ReturnNumbers struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func NewReturnNumbers(now func() time.Time) *ReturnNumbers {
	if now == nil {
		now = time.Now
	}
	return &ReturnNumbers{now: now}
}

func (g *ReturnNumbers) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := g.now().UnixMilli()
	if millis <= g.last {
		millis = g.last + 1
	}
	g.last = millis
	return FormatReturnNumber(millis)
}

// FormatReturnNumber renders "RET-" followed by the upper-case base36 millis.
func FormatReturnNumber(millis int64) string {
	return returnNumberPrefix + strings.ToUpper(strconv.FormatInt(millis, 36))
}

var defaultReturnNumbers = NewReturnNumbers(nil)

// ReturnNumber draws from the process-wide generator.
func ReturnNumber() string {
	return defaultReturnNumbers.Next()
}
