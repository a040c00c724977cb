package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/metrics"
	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/syncx"
)

// Service is the usage ledger: entitlement reads and atomic debits.
type Service struct {
	store   Store
	locks   *syncx.KeyedMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates a ledger service.
func NewService(store Store, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		locks:   syncx.NewKeyedMutex(),
		logger:  logger,
		metrics: m,
	}
}

// CheckEntitlement computes the credit balance as of call time. Pure
// read, no side effect; needed is compared against the snapshot.
func (s *Service) CheckEntitlement(ctx context.Context, userID uuid.UUID, needed int64) (*Entitlement, error) {
	ent, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent.Allowed = ent.Unlimited || ent.Remaining >= needed
	return ent, nil
}

// Debit atomically verifies the balance and appends a usage record.
// Returns *InsufficientCreditsError on overdraw; never retried here —
// retrying a debit is unsafe without an idempotency key from the caller.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int64, usageType model.UsageType, prompt, style string) (*DebitResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	// Serialize per user in-process on top of the store's row lock. The
	// lock is never held across a network call to a provider.
	key := userID.String()
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	result, err := s.store.Debit(ctx, DebitParams{
		UserID:     userID,
		Amount:     amount,
		UsageType:  usageType,
		PromptText: prompt,
		Style:      style,
		Successful: true,
	})
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			s.metrics.DebitsRejected.Inc()
			s.logger.Info("debit rejected",
				zap.String("user_id", userID.String()),
				zap.Int64("remaining", insufficient.Remaining),
				zap.Int64("limit", insufficient.Limit),
			)
			return nil, insufficient
		}
		return nil, err
	}

	s.metrics.CreditsDebited.Add(float64(amount))
	s.logger.Info("credits debited",
		zap.String("user_id", userID.String()),
		zap.String("usage_id", result.UsageID.String()),
		zap.Int64("amount", amount),
		zap.Int64("remaining", result.Remaining),
	)
	return result, nil
}

// RecordFailure appends a zero-token usage record for a failed
// generation, for analytics. Never rejects.
func (s *Service) RecordFailure(ctx context.Context, userID uuid.UUID, usageType model.UsageType, prompt, style string) error {
	_, err := s.store.Append(ctx, DebitParams{
		UserID:     userID,
		Amount:     0,
		UsageType:  usageType,
		PromptText: prompt,
		Style:      style,
		Successful: false,
	})
	if err != nil {
		s.logger.Warn("failed to record usage failure",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
	return err
}
