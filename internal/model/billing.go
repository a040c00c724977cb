package model

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// String returns the string representation of the status.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusInactive, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled:
		return true
	}
	return false
}

// IsActive returns true if the subscription entitles the user to credits.
func (s SubscriptionStatus) IsActive() bool {
	return s == SubscriptionStatusActive
}

// Subscription mirrors the processor-side subscription for one user.
// Written only by the reconciler; the ledger reads it to compute
// entitlement. Canceled rows are retained for audit, never deleted.
type Subscription struct {
	ID                   uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID          `json:"user_id" gorm:"type:uuid;not null;uniqueIndex"`
	StripeCustomerID     string             `json:"stripe_customer_id" gorm:"index"`
	StripeSubscriptionID string             `json:"stripe_subscription_id" gorm:"uniqueIndex"`
	PlanType             string             `json:"plan_type" gorm:"not null;default:'free'"`
	Status               SubscriptionStatus `json:"status" gorm:"not null;default:'inactive'"`
	PeriodStart          time.Time          `json:"period_start"`
	PeriodEnd            time.Time          `json:"period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end" gorm:"default:false"`
	MonthlyTokenLimit    int64              `json:"monthly_token_limit" gorm:"default:0"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// TableName returns the database table name.
func (Subscription) TableName() string {
	return "subscriptions"
}

// UsageType classifies what a debit paid for.
type UsageType string

const (
	UsageTypeGeneration  UsageType = "generation"
	UsageTypeImprovement UsageType = "improvement"
)

// UsageRecord is one append-only row per debit attempt. Failed
// generations may record zero tokens. Never mutated after creation.
type UsageRecord struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID  `json:"user_id" gorm:"type:uuid;not null;index:idx_usage_user_time"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty" gorm:"type:uuid"`
	TokensUsed     int64      `json:"tokens_used" gorm:"not null"`
	UsageType      UsageType  `json:"usage_type" gorm:"not null"`
	PromptText     string     `json:"prompt_text"`
	Style          string     `json:"style"`
	Successful     bool       `json:"successful" gorm:"default:true"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index:idx_usage_user_time"`
}

// TableName returns the database table name.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// CreditGrant records a one-time credit pack purchase. The payment
// reference is unique so replayed checkout notifications are no-ops.
// Remaining is the unspent balance; purchased credits do not expire
// with the billing period, the ledger draws them down as they are used.
type CreditGrant struct {
	ID         uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `json:"user_id" gorm:"type:uuid;not null;index"`
	PaymentRef string    `json:"payment_ref" gorm:"not null;uniqueIndex"`
	Credits    int64     `json:"credits" gorm:"not null"`
	Remaining  int64     `json:"remaining" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName returns the database table name.
func (CreditGrant) TableName() string {
	return "credit_grants"
}
