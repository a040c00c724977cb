package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
)

// EventKind is the closed set of processor notifications the reconciler
// understands. Everything else is Unknown and fails closed (ignored).
type EventKind string

const (
	EventUnknown             EventKind = "unknown"
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventInvoiceSucceeded    EventKind = "invoice_succeeded"
	EventInvoiceFailed       EventKind = "invoice_failed"
)

// Event is the tagged variant parsed at the webhook boundary. Exactly one
// of the payload fields matching Kind is set.
type Event struct {
	Kind EventKind
	ID   string

	Checkout     *CheckoutEvent
	Subscription *SubscriptionEvent
	Invoice      *InvoiceEvent
}

// CheckoutEvent carries the fields of a completed checkout session.
type CheckoutEvent struct {
	SessionRef      string
	OneTime         bool
	CustomerRef     string
	PaymentRef      string
	SubscriptionRef string
	UserRef         string
	PlanID          string
	PriceRef        string
}

// SubscriptionEvent carries the processor's reported current state.
// Fields are applied verbatim; the reconciler never computes deltas.
type SubscriptionEvent struct {
	SubscriptionRef   string
	CustomerRef       string
	Status            model.SubscriptionStatus
	PriceRef          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// InvoiceEvent carries invoice lifecycle data. Logged only: billing
// periods are owned solely by subscription created/updated events.
type InvoiceEvent struct {
	InvoiceRef      string
	CustomerRef     string
	SubscriptionRef string
	AmountPaid      int64
}

// ParseEvent converts a verified processor event into the tagged variant.
// Unknown types parse to EventUnknown; malformed payloads of known types
// return ErrMalformedEvent.
func ParseEvent(e *stripe.Event) (*Event, error) {
	ev := &Event{Kind: EventUnknown, ID: e.ID}

	switch e.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(e.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", apperrors.ErrMalformedEvent, err)
		}
		ev.Kind = EventCheckoutCompleted
		ev.Checkout = parseCheckout(&session)

	case "customer.subscription.created":
		sub, err := parseSubscription(e.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventSubscriptionCreated
		ev.Subscription = sub

	case "customer.subscription.updated":
		sub, err := parseSubscription(e.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventSubscriptionUpdated
		ev.Subscription = sub

	case "customer.subscription.deleted":
		sub, err := parseSubscription(e.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventSubscriptionDeleted
		ev.Subscription = sub

	case "invoice.paid", "invoice.payment_succeeded":
		inv, err := parseInvoice(e.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventInvoiceSucceeded
		ev.Invoice = inv

	case "invoice.payment_failed":
		inv, err := parseInvoice(e.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventInvoiceFailed
		ev.Invoice = inv
	}

	return ev, nil
}

func parseCheckout(session *stripe.CheckoutSession) *CheckoutEvent {
	ev := &CheckoutEvent{
		SessionRef: session.ID,
		OneTime:    session.Mode == stripe.CheckoutSessionModePayment,
		UserRef:    session.ClientReferenceID,
		PlanID:     session.Metadata["plan"],
		PriceRef:   session.Metadata["price_ref"],
	}
	if ev.UserRef == "" {
		ev.UserRef = session.Metadata["user_id"]
	}
	if session.Customer != nil {
		ev.CustomerRef = session.Customer.ID
	}
	if session.PaymentIntent != nil {
		ev.PaymentRef = session.PaymentIntent.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionRef = session.Subscription.ID
	}
	return ev
}

func parseSubscription(raw json.RawMessage) (*SubscriptionEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", apperrors.ErrMalformedEvent, err)
	}

	ev := &SubscriptionEvent{
		SubscriptionRef:   sub.ID,
		Status:            mapStatus(sub.Status),
		PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		ev.CustomerRef = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		ev.PriceRef = price.ID
		if price.LookupKey != "" {
			ev.PriceRef = price.LookupKey
		}
	}
	return ev, nil
}

func parseInvoice(raw json.RawMessage) (*InvoiceEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", apperrors.ErrMalformedEvent, err)
	}
	ev := &InvoiceEvent{
		InvoiceRef: inv.ID,
		AmountPaid: inv.AmountPaid,
	}
	if inv.Customer != nil {
		ev.CustomerRef = inv.Customer.ID
	}
	if inv.Subscription != nil {
		ev.SubscriptionRef = inv.Subscription.ID
	}
	return ev, nil
}

// mapStatus maps the processor's subscription status onto the local set.
func mapStatus(status stripe.SubscriptionStatus) model.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return model.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return model.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return model.SubscriptionStatusCanceled
	default:
		return model.SubscriptionStatusInactive
	}
}
