package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
)

// Store is the ledger's persistence boundary. Debit must be atomic: no
// interleaving in which two concurrent calls both observe sufficient
// balance and both commit when only one should.
type Store interface {
	// Snapshot computes the entitlement as of call time. Pure read.
	Snapshot(ctx context.Context, userID uuid.UUID) (*Entitlement, error)
	// Debit verifies balance and appends a usage record as one atomic
	// unit. Returns *InsufficientCreditsError on overdraw.
	Debit(ctx context.Context, p DebitParams) (*DebitResult, error)
	// Append records usage without a balance check. Used for zero-token
	// records of failed generations.
	Append(ctx context.Context, p DebitParams) (uuid.UUID, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates the gorm-backed ledger store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Snapshot(ctx context.Context, userID uuid.UUID) (*Entitlement, error) {
	var ent *Entitlement
	// Read inside one transaction so the subscription row, usage sum and
	// grant sum come from the same snapshot.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ent, _, _, err = s.snapshotTx(tx, userID, false)
		return err
	}, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("entitlement snapshot: %w", err)
	}
	return ent, nil
}

func (s *gormStore) Debit(ctx context.Context, p DebitParams) (*DebitResult, error) {
	var result *DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, sub, granted, err := s.snapshotTx(tx, p.UserID, true)
		if err != nil {
			return err
		}

		if !ent.Unlimited && ent.Remaining < p.Amount {
			return &InsufficientCreditsError{
				Remaining: ent.Remaining,
				Limit:     ent.Limit,
				PlanType:  ent.PlanType,
			}
		}

		// The period allowance is spent first; only the excess draws
		// down purchased grants.
		if !ent.Unlimited {
			subRemaining := ent.Remaining - granted
			if draw := p.Amount - subRemaining; draw > 0 {
				if err := drawGrants(tx, p.UserID, draw); err != nil {
					return err
				}
			}
		}

		rec := newUsageRecord(p, sub)
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("append usage record: %w", err)
		}

		remaining := ent.Remaining - p.Amount
		if ent.Unlimited {
			remaining = ent.Remaining
		}
		result = &DebitResult{
			UsageID:   rec.ID,
			Remaining: remaining,
			Limit:     ent.Limit,
			PlanType:  ent.PlanType,
			Unlimited: ent.Unlimited,
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return nil, insufficient
		}
		return nil, fmt.Errorf("debit: %w", err)
	}
	return result, nil
}

func (s *gormStore) Append(ctx context.Context, p DebitParams) (uuid.UUID, error) {
	sub, err := s.subscription(s.db.WithContext(ctx), p.UserID, false)
	if err != nil {
		return uuid.Nil, err
	}
	rec := newUsageRecord(p, sub)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return uuid.Nil, fmt.Errorf("append usage record: %w", err)
	}
	return rec.ID, nil
}

// snapshotTx computes the entitlement inside tx. With forUpdate the
// subscription row is locked so concurrent debits for the same user
// serialize at the database even across processes. The third return is
// the unspent grant balance, which Debit needs to split the charge.
func (s *gormStore) snapshotTx(tx *gorm.DB, userID uuid.UUID, forUpdate bool) (*Entitlement, *model.Subscription, int64, error) {
	sub, err := s.subscription(tx, userID, forUpdate)
	if err != nil {
		return nil, nil, 0, err
	}

	now := time.Now().UTC()
	periodStart, periodEnd := periodFor(sub, now)
	limit, planType, unlimited := limitFor(sub)

	// Purchased grants never expire: the unspent balance counts in full
	// regardless of when the grant was bought.
	var granted int64
	err = tx.Model(&model.CreditGrant{}).
		Select("COALESCE(SUM(remaining), 0)").
		Where("user_id = ?", userID).
		Scan(&granted).Error
	if err != nil {
		return nil, nil, 0, fmt.Errorf("sum credit grants: %w", err)
	}

	var used int64
	err = tx.Model(&model.UsageRecord{}).
		Select("COALESCE(SUM(tokens_used), 0)").
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, periodStart, periodEnd).
		Scan(&used).Error
	if err != nil {
		return nil, nil, 0, fmt.Errorf("sum usage: %w", err)
	}

	subRemaining := limit - used
	if subRemaining < 0 {
		subRemaining = 0
	}
	remaining := subRemaining + granted

	return &Entitlement{
		Allowed:     unlimited || remaining > 0,
		Remaining:   remaining,
		Limit:       limit + granted,
		Used:        used,
		PlanType:    planType,
		Unlimited:   unlimited,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}, sub, granted, nil
}

// drawGrants spends amount from the user's unspent grants, oldest first.
// Rows are locked so concurrent debits cannot double-spend a grant.
func drawGrants(tx *gorm.DB, userID uuid.UUID, amount int64) error {
	var grants []model.CreditGrant
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND remaining > 0", userID).
		Order("created_at").
		Find(&grants).Error
	if err != nil {
		return fmt.Errorf("lock credit grants: %w", err)
	}

	for i := range grants {
		if amount == 0 {
			break
		}
		draw := grants[i].Remaining
		if draw > amount {
			draw = amount
		}
		err := tx.Model(&model.CreditGrant{}).
			Where("id = ?", grants[i].ID).
			Update("remaining", gorm.Expr("remaining - ?", draw)).Error
		if err != nil {
			return fmt.Errorf("draw credit grant: %w", err)
		}
		amount -= draw
	}
	if amount > 0 {
		return fmt.Errorf("credit grants underflow: %d undrawn", amount)
	}
	return nil
}

func (s *gormStore) subscription(tx *gorm.DB, userID uuid.UUID, forUpdate bool) (*model.Subscription, error) {
	query := tx.Where("user_id = ?", userID)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub model.Subscription
	if err := query.First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func newUsageRecord(p DebitParams, sub *model.Subscription) *model.UsageRecord {
	rec := &model.UsageRecord{
		ID:         uuid.New(),
		UserID:     p.UserID,
		TokensUsed: p.Amount,
		UsageType:  p.UsageType,
		PromptText: p.PromptText,
		Style:      p.Style,
		Successful: p.Successful,
		CreatedAt:  time.Now().UTC(),
	}
	if sub != nil {
		id := sub.ID
		rec.SubscriptionID = &id
	}
	return rec
}
