package ledger

import (
	"fmt"

	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
)

// InsufficientCreditsError is returned when a debit would overdraw the
// user's billing period. It carries what the 403 response needs for
// upsell messaging.
type InsufficientCreditsError struct {
	Remaining int64
	Limit     int64
	PlanType  string
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d remaining of %d (%s plan)", e.Remaining, e.Limit, e.PlanType)
}

// Unwrap lets errors.Is match the shared sentinel.
func (e *InsufficientCreditsError) Unwrap() error {
	return apperrors.ErrInsufficientCredits
}
