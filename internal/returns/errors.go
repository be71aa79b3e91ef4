package returns

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidReturn is a selection rejected before anything was written.
	ErrInvalidReturn = errors.New("invalid return")
	// ErrReturnNotCreated means the header write failed; nothing was persisted.
	ErrReturnNotCreated = errors.New("return not created")
	// ErrPartialReturn matches any *PartialReturnError.
	ErrPartialReturn = errors.New("return partially written")
)

type Stage string

const (
	StageItems Stage = "items"
	StageUnits Stage = "units"
)

// PartialReturnError reports a return whose header exists but whose detail
// rows or unit updates did not all land. Rows written before the failure stay.
type PartialReturnError struct {
	ReturnID        string
	ReturnNumber    string
	Stage           Stage
	CreatedItems    int
	UpdatedUnits    int
	Err             error
	CompensationErr error
}

func (e *PartialReturnError) Error() string {
	msg := fmt.Sprintf("return %s partially written at %s stage (%d items, %d units): %v",
		e.ReturnNumber, e.Stage, e.CreatedItems, e.UpdatedUnits, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf("; marking incomplete failed: %v", e.CompensationErr)
	}
	return msg
}

func (e *PartialReturnError) Unwrap() error {
	return e.Err
}

func (e *PartialReturnError) Is(target error) bool {
	return target == ErrPartialReturn
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidReturn, fmt.Sprintf(format, args...))
}
