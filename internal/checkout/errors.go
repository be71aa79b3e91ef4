package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientPayment     = errors.New("insufficient payment")
	ErrOverpaymentRequiresCash = errors.New("overpayment only supported with cash")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTotal            = errors.New("invalid total")
	ErrUnknownRow              = errors.New("tender row out of range")
)

// ValidationError is a rejected commit. Row is the offending tender index, or
// -1 when the failure is about the tenders as a whole.
type ValidationError struct {
	Err     error
	Details string
	Row     int
}

func (e *ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Details)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Reason maps a validation failure to the stable code clients switch on.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrOverpaymentRequiresCash):
		return "overpayment_requires_cash"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidTotal):
		return "invalid_total"
	default:
		return ""
	}
}
