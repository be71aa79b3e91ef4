package money

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Loose is a number the way the data API hands it over: a JSON number, a
// numeric string, null, or something that is not a number at all. Reading it
// never fails; Value falls back to zero.
type Loose struct {
	text string
	set  bool
}

func LooseFrom(d decimal.Decimal) Loose {
	return Loose{text: d.String(), set: true}
}

func LooseText(text string) Loose {
	return Loose{text: text, set: true}
}

// IsSet reports whether the field was present (not missing and not null).
func (l Loose) IsSet() bool {
	return l.set
}

// Valid reports whether the field was present and numeric.
func (l Loose) Valid() bool {
	return l.set && IsNumeric(l.text)
}

func (l Loose) Value() decimal.Decimal {
	if !l.set {
		return decimal.Zero
	}
	return OrZero(l.text)
}

func (l Loose) Raw() string {
	return l.text
}

func (l *Loose) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*l = Loose{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			*l = Loose{text: string(trimmed), set: true}
			return nil
		}
		*l = Loose{text: s, set: true}
		return nil
	}
	*l = Loose{text: string(trimmed), set: true}
	return nil
}

func (l Loose) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return []byte("null"), nil
	}
	return []byte(l.Value().String()), nil
}

// Scan lets NUMERIC columns land in a Loose without a driver-specific type.
func (l *Loose) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = Loose{}
	case []byte:
		*l = Loose{text: string(v), set: true}
	case string:
		*l = Loose{text: v, set: true}
	case float64:
		*l = Loose{text: strconv.FormatFloat(v, 'f', -1, 64), set: true}
	case int64:
		*l = Loose{text: strconv.FormatInt(v, 10), set: true}
	default:
		return fmt.Errorf("money: cannot scan %T into Loose", src)
	}
	return nil
}
