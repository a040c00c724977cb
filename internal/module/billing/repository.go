package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/model"
)

// Repository errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDuplicateGrant       = errors.New("credit grant already recorded")
)

// Repository defines the reconciler's persistence boundary. The
// subscription table is written only through this interface.
type Repository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*model.Subscription, error)
	GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*model.Subscription, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*model.Subscription, error)
	Create(ctx context.Context, sub *model.Subscription) error
	Save(ctx context.Context, sub *model.Subscription) error

	// CreateCreditGrant appends a one-time grant. The payment reference
	// is unique; a replay returns ErrDuplicateGrant.
	CreateCreditGrant(ctx context.Context, grant *model.CreditGrant) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates the gorm-backed billing repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return &sub, nil
}

func (r *repository) GetBySubscriptionRef(ctx context.Context, subscriptionRef string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", subscriptionRef).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription by ref: %w", err)
	}
	return &sub, nil
}

func (r *repository) GetByCustomerRef(ctx context.Context, customerRef string) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerRef).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription by customer: %w", err)
	}
	return &sub, nil
}

func (r *repository) Create(ctx context.Context, sub *model.Subscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (r *repository) Save(ctx context.Context, sub *model.Subscription) error {
	if err := r.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func (r *repository) CreateCreditGrant(ctx context.Context, grant *model.CreditGrant) error {
	err := r.db.WithContext(ctx).Create(grant).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("create credit grant: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key")
}
