package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
)

// Entitlement is a point-in-time credit balance snapshot. Advisory only:
// the atomic Debit is the correctness boundary.
type Entitlement struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int64     `json:"remaining_tokens"`
	Limit       int64     `json:"monthly_limit"`
	Used        int64     `json:"tokens_used"`
	PlanType    string    `json:"plan_type"`
	Unlimited   bool      `json:"unlimited"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// DebitParams describes one debit attempt.
type DebitParams struct {
	UserID     uuid.UUID
	Amount     int64
	UsageType  model.UsageType
	PromptText string
	Style      string
	Successful bool
}

// DebitResult is the outcome of a committed debit.
type DebitResult struct {
	UsageID   uuid.UUID `json:"usage_id"`
	Remaining int64     `json:"remaining_tokens"`
	Limit     int64     `json:"monthly_limit"`
	PlanType  string    `json:"plan_type"`
	Unlimited bool      `json:"unlimited"`
}

// periodFor returns the billing period the ledger charges against. Users
// without a subscription period fall back to the UTC calendar month.
func periodFor(sub *model.Subscription, now time.Time) (time.Time, time.Time) {
	if sub != nil && !sub.PeriodStart.IsZero() && sub.PeriodEnd.After(sub.PeriodStart) {
		return sub.PeriodStart, sub.PeriodEnd
	}
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// limitFor returns the base credit limit a subscription contributes.
// One-time grants are added on top by the store.
func limitFor(sub *model.Subscription) (limit int64, planType string, unlimited bool) {
	if sub == nil {
		return 0, "free", false
	}
	if sub.MonthlyTokenLimit < 0 {
		return 0, sub.PlanType, true
	}
	if !sub.Status.IsActive() {
		return 0, sub.PlanType, false
	}
	return sub.MonthlyTokenLimit, sub.PlanType, false
}
