package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/module/catalog"
	apperrors "github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/errors"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/syncx"
)

// Service is the subscription reconciler. It is the only writer of the
// subscription table; processor notifications drive every transition.
type Service struct {
	repo      Repository
	processor ProcessorClient
	locks     *syncx.KeyedMutex
	logger    *zap.Logger
}

// NewService creates a reconciler service.
func NewService(repo Repository, processor ProcessorClient, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		locks:     syncx.NewKeyedMutex(),
		logger:    logger,
	}
}

// Apply absorbs one processor notification. Re-applying an identical
// notification is a no-op state-wise: upserts are keyed by the immutable
// subscription reference, grants by the payment reference, and each
// event's reported fields are applied verbatim rather than as deltas.
func (s *Service) Apply(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case EventCheckoutCompleted:
		if ev.Checkout.OneTime {
			return s.applyOneTimeCheckout(ctx, ev.Checkout)
		}
		return s.applyRecurringCheckout(ctx, ev.Checkout)

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return s.applySubscriptionState(ctx, ev.Subscription)

	case EventSubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, ev.Subscription)

	case EventInvoiceSucceeded:
		// Period bounds are owned by subscription created/updated; an
		// invoice event must not reset them.
		s.logger.Info("invoice payment succeeded",
			zap.String("invoice_ref", ev.Invoice.InvoiceRef),
			zap.String("subscription_ref", ev.Invoice.SubscriptionRef),
			zap.Int64("amount_paid", ev.Invoice.AmountPaid),
		)
		return nil

	case EventInvoiceFailed:
		s.logger.Warn("invoice payment failed",
			zap.String("invoice_ref", ev.Invoice.InvoiceRef),
			zap.String("customer_ref", ev.Invoice.CustomerRef),
		)
		return nil

	default:
		s.logger.Debug("ignoring unknown notification type", zap.String("event_id", ev.ID))
		return nil
	}
}

// applyOneTimeCheckout grants a credit pack keyed by payment reference.
// Replays hit the unique constraint and are dropped silently.
func (s *Service) applyOneTimeCheckout(ctx context.Context, ev *CheckoutEvent) error {
	userID, err := s.resolveUser(ctx, ev.UserRef, ev.CustomerRef)
	if err != nil {
		return err
	}
	if ev.PaymentRef == "" {
		return fmt.Errorf("%w: one-time checkout without payment reference", apperrors.ErrMalformedEvent)
	}

	planID := ev.PlanID
	if planID == "" {
		planID = catalog.PlanForPrice(ev.PriceRef)
	}
	credits := catalog.CreditsFor(planID)
	if credits <= 0 {
		// An unrecognized product must not mint entitlement. Log for
		// manual follow-up; the payment reference identifies the charge.
		s.logger.Warn("one-time checkout for unrecognized plan dropped",
			zap.String("payment_ref", ev.PaymentRef),
			zap.String("plan", planID),
			zap.String("price_ref", ev.PriceRef),
		)
		return nil
	}

	grant := &model.CreditGrant{
		ID:         uuid.New(),
		UserID:     userID,
		PaymentRef: ev.PaymentRef,
		Credits:    credits,
		Remaining:  credits,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.CreateCreditGrant(ctx, grant); err != nil {
		if errors.Is(err, ErrDuplicateGrant) {
			s.logger.Info("replayed one-time checkout ignored",
				zap.String("payment_ref", ev.PaymentRef),
			)
			return nil
		}
		return err
	}

	s.logger.Info("one-time credits granted",
		zap.String("user_id", userID.String()),
		zap.String("payment_ref", ev.PaymentRef),
		zap.Int64("credits", credits),
	)
	return nil
}

// applyRecurringCheckout upserts the subscription on the first successful
// checkout. Later lifecycle events refine the record.
func (s *Service) applyRecurringCheckout(ctx context.Context, ev *CheckoutEvent) error {
	if ev.SubscriptionRef == "" {
		return fmt.Errorf("%w: recurring checkout without subscription reference", apperrors.ErrMalformedEvent)
	}
	userID, err := s.resolveUser(ctx, ev.UserRef, ev.CustomerRef)
	if err != nil {
		return err
	}

	planID := ev.PlanID
	if planID == "" {
		planID = catalog.PlanForPrice(ev.PriceRef)
	}

	s.locks.Lock(ev.SubscriptionRef)
	defer s.locks.Unlock(ev.SubscriptionRef)

	isNew := false
	sub, err := s.repo.GetBySubscriptionRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, ErrSubscriptionNotFound) {
		sub, err = s.repo.GetByUserID(ctx, userID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			sub = &model.Subscription{ID: uuid.New(), UserID: userID, CreatedAt: time.Now().UTC()}
			isNew = true
			err = nil
		}
	}
	if err != nil {
		return err
	}

	sub.StripeCustomerID = ev.CustomerRef
	sub.StripeSubscriptionID = ev.SubscriptionRef
	sub.PlanType = catalog.Resolve(planID)
	sub.MonthlyTokenLimit = catalog.CreditsFor(planID)
	sub.Status = model.SubscriptionStatusActive
	sub.UpdatedAt = time.Now().UTC()

	return s.persist(ctx, sub, isNew)
}

// applySubscriptionState applies the processor's reported current state
// verbatim. Safe under replay; a stale event can overwrite newer state,
// which is an accepted limitation of verbatim application.
func (s *Service) applySubscriptionState(ctx context.Context, ev *SubscriptionEvent) error {
	s.locks.Lock(ev.SubscriptionRef)
	defer s.locks.Unlock(ev.SubscriptionRef)

	sub, err := s.repo.GetBySubscriptionRef(ctx, ev.SubscriptionRef)
	if errors.Is(err, ErrSubscriptionNotFound) {
		// Bare lifecycle events carry no user reference; the customer must
		// already be bound by a prior checkout.
		if ev.CustomerRef == "" {
			return fmt.Errorf("%w: event without customer reference", apperrors.ErrUnknownUserBinding)
		}
		sub, err = s.repo.GetByCustomerRef(ctx, ev.CustomerRef)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return fmt.Errorf("%w: customer %q", apperrors.ErrUnknownUserBinding, ev.CustomerRef)
		}
	}
	if err != nil {
		return err
	}

	planID := catalog.PlanForPrice(ev.PriceRef)
	sub.StripeCustomerID = ev.CustomerRef
	sub.StripeSubscriptionID = ev.SubscriptionRef
	sub.PlanType = catalog.Resolve(planID)
	sub.MonthlyTokenLimit = catalog.CreditsFor(planID)
	sub.Status = ev.Status
	sub.PeriodStart = ev.PeriodStart
	sub.PeriodEnd = ev.PeriodEnd
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	sub.UpdatedAt = time.Now().UTC()

	return s.repo.Save(ctx, sub)
}

// applySubscriptionDeleted marks the record canceled. Rows are retained
// for audit, never deleted.
func (s *Service) applySubscriptionDeleted(ctx context.Context, ev *SubscriptionEvent) error {
	s.locks.Lock(ev.SubscriptionRef)
	defer s.locks.Unlock(ev.SubscriptionRef)

	sub, err := s.repo.GetBySubscriptionRef(ctx, ev.SubscriptionRef)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.Warn("deletion for unknown subscription ignored",
				zap.String("subscription_ref", ev.SubscriptionRef),
			)
			return nil
		}
		return err
	}

	sub.Status = model.SubscriptionStatusCanceled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = time.Now().UTC()
	return s.repo.Save(ctx, sub)
}

func (s *Service) persist(ctx context.Context, sub *model.Subscription, isNew bool) error {
	if isNew {
		return s.repo.Create(ctx, sub)
	}
	return s.repo.Save(ctx, sub)
}

// resolveUser binds a processor customer to a local user: an explicit
// user reference on the event wins, otherwise an existing subscription
// for the customer. No binding means the event is dropped, not retried.
func (s *Service) resolveUser(ctx context.Context, userRef, customerRef string) (uuid.UUID, error) {
	if userRef != "" {
		id, err := uuid.Parse(userRef)
		if err == nil {
			return id, nil
		}
		s.logger.Warn("invalid user reference on notification", zap.String("user_ref", userRef))
	}
	if customerRef != "" {
		sub, err := s.repo.GetByCustomerRef(ctx, customerRef)
		if err == nil {
			return sub.UserID, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return uuid.Nil, err
		}
	}
	return uuid.Nil, fmt.Errorf("%w: customer %q", apperrors.ErrUnknownUserBinding, customerRef)
}

// --- User-initiated mutations ---

// CancelAtPeriodEnd asks the processor to cancel at period end, then
// mirrors the returned state. The processor call happens before any lock
// is taken; locks are never held across the network.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, userID uuid.UUID) (*model.Subscription, error) {
	return s.setCancelFlag(ctx, userID, true)
}

// Reactivate clears a pending cancellation.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID) (*model.Subscription, error) {
	return s.setCancelFlag(ctx, userID, false)
}

func (s *Service) setCancelFlag(ctx context.Context, userID uuid.UUID, cancel bool) (*model.Subscription, error) {
	sub, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.StripeSubscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}

	state, err := s.processor.SetCancelAtPeriodEnd(ctx, sub.StripeSubscriptionID, cancel)
	if err != nil {
		return nil, fmt.Errorf("processor cancel flag: %w", err)
	}

	s.locks.Lock(sub.StripeSubscriptionID)
	defer s.locks.Unlock(sub.StripeSubscriptionID)

	sub, err = s.repo.GetBySubscriptionRef(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	sub.Status = state.Status
	sub.PeriodStart = state.PeriodStart
	sub.PeriodEnd = state.PeriodEnd
	sub.CancelAtPeriodEnd = state.CancelAtPeriodEnd
	sub.UpdatedAt = time.Now().UTC()
	if err := s.repo.Save(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Subscription returns the user's subscription record.
func (s *Service) Subscription(ctx context.Context, userID uuid.UUID) (*model.Subscription, error) {
	return s.repo.GetByUserID(ctx, userID)
}
