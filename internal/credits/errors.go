package credits

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound indicates the user has no ledger record yet.
	ErrAccountNotFound = errors.New("credit account not found")
	// ErrInsufficientCredits indicates a debit larger than the current balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUnknownPlan indicates a plan id outside the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
)

// ValidationError reports a rejected input; no state is changed when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
