package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
)

// SubscriptionState is the processor's view of a subscription after a
// mutation, mirrored into the local record by the caller.
type SubscriptionState struct {
	SubscriptionRef   string
	Status            model.SubscriptionStatus
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// ProcessorClient is the boundary to the external payment processor.
type ProcessorClient interface {
	// ConstructWebhookEvent verifies the signature header against the
	// shared secret and parses the payload.
	ConstructWebhookEvent(payload []byte, signature string) (*stripe.Event, error)
	// SetCancelAtPeriodEnd flips the cancel flag processor-side and
	// returns the resulting state.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) (*SubscriptionState, error)
}

// StripeClient implements ProcessorClient against Stripe.
type StripeClient struct {
	webhookSecret string
}

// NewStripeClient creates a Stripe-backed processor client.
func NewStripeClient(cfg *config.StripeConfig) *StripeClient {
	stripe.Key = cfg.APIKey
	return &StripeClient{webhookSecret: cfg.WebhookSecret}
}

// ConstructWebhookEvent verifies and parses a webhook payload.
func (c *StripeClient) ConstructWebhookEvent(payload []byte, signature string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("construct webhook event: %w", err)
	}
	return &event, nil
}

// SetCancelAtPeriodEnd updates the subscription processor-side.
func (c *StripeClient) SetCancelAtPeriodEnd(ctx context.Context, subscriptionRef string, cancel bool) (*SubscriptionState, error) {
	params := &stripe.SubscriptionParams{
		Params:            stripe.Params{Context: ctx},
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	sub, err := subscription.Update(subscriptionRef, params)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return &SubscriptionState{
		SubscriptionRef:   sub.ID,
		Status:            mapStatus(sub.Status),
		PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}, nil
}
