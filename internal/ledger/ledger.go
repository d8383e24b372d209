// Package ledger owns the durable transaction record and its state machine.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/pkg/models"
)

// CreateParams carries everything needed to open a ledger entry
type CreateParams struct {
	ClientID       uuid.UUID
	FreelancerID   uuid.UUID
	Quote          *models.PricedQuote
	RecipientPhone string
	// IdempotencyKey dedupes retried attempts of the same logical payment.
	// When empty a fresh key is assigned and the create is never deduped.
	IdempotencyKey string
}

// TransitionFields are the mutable fields a transition may set
type TransitionFields struct {
	FailureReason       models.FailureReason
	NeedsReconciliation bool
	ExternalReference   string
	ConnectorReference  string
}

// AsyncOutcome is a late disbursement result reported by the webhook layer
type AsyncOutcome struct {
	Success           bool
	ProviderReference string
}

// Ledger defines the transaction store operations
type Ledger interface {
	Create(ctx context.Context, params CreateParams) (*models.Transaction, bool, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus, fields TransitionFields) (*models.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	List(ctx context.Context, limit int) ([]*models.Transaction, error)
	Reconcile(ctx context.Context, id uuid.UUID, outcome AsyncOutcome) (*models.Transaction, error)
}

var validate = validator.New()

// Service implements Ledger on gorm
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new ledger service
func NewService(logger *zap.Logger, db *gorm.DB) (*Service, error) {
	return &Service{logger: logger, db: db}, nil
}

var _ Ledger = (*Service)(nil)

// Create inserts a new transaction in state processing. If the idempotency
// key already maps to a transaction, the existing record is returned with
// created=false and no new row is written.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Transaction, bool, error) {
	if params.Quote == nil {
		return nil, false, fmt.Errorf("%w: quote is required", payerrors.ErrValidation)
	}

	key := params.IdempotencyKey
	id := uuid.New()
	if key == "" {
		key = id.String()
	}

	now := time.Now().UTC()
	transaction := &models.Transaction{
		ID:                  id,
		ClientID:            params.ClientID,
		FreelancerID:        params.FreelancerID,
		SourceAmount:        params.Quote.SourceAmount,
		SourceCurrency:      params.Quote.SourceCurrency,
		DestinationAmount:   params.Quote.DestinationAmount,
		DestinationCurrency: params.Quote.TargetCurrency,
		ExchangeRate:        params.Quote.EffectiveRate,
		Status:              models.StatusProcessing,
		IdempotencyKey:      key,
		RecipientPhone:      params.RecipientPhone,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := validate.Struct(transaction); err != nil {
		return nil, false, fmt.Errorf("%w: %v", payerrors.ErrValidation, err)
	}

	if err := s.db.WithContext(ctx).Create(transaction).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the race or a client retry: hand back the existing record
			existing, getErr := s.getByIdempotencyKey(ctx, key)
			if getErr != nil {
				return nil, false, getErr
			}
			s.logger.Info("duplicate idempotency key, returning existing transaction",
				zap.String("idempotency_key", key),
				zap.String("transaction_id", existing.ID.String()))
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("%w: failed to create transaction: %v", payerrors.ErrLedger, err)
	}

	return transaction, true, nil
}

// Transition moves a transaction from one of the expected states to the
// target state. It is a compare-and-set: when the current status is not in
// from, the call fails with ErrInvalidTransition and nothing is written.
// Terminal states are never left through Transition.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, from []models.TransactionStatus, to models.TransactionStatus, fields TransitionFields) (*models.Transaction, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if fields.FailureReason != "" {
		updates["failure_reason"] = fields.FailureReason
	}
	if fields.NeedsReconciliation {
		updates["needs_reconciliation"] = true
	}
	if fields.ExternalReference != "" {
		updates["external_reference"] = fields.ExternalReference
	}
	if fields.ConnectorReference != "" {
		updates["connector_reference"] = fields.ConnectorReference
	}
	if to == models.StatusCompleted {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}

	var transaction models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("%w: failed to update transaction: %v", payerrors.ErrLedger, res.Error)
		}
		if res.RowsAffected == 0 {
			// Distinguish a missing row from a CAS conflict
			var current models.Transaction
			if err := tx.Where("id = ?", id).First(&current).Error; err != nil {
				if stderrors.Is(err, gorm.ErrRecordNotFound) {
					return payerrors.ErrNotFound
				}
				return fmt.Errorf("%w: failed to read transaction: %v", payerrors.ErrLedger, err)
			}
			return fmt.Errorf("%w: cannot move %s from %s to %s",
				payerrors.ErrInvalidTransition, id, current.Status, to)
		}
		if err := tx.Where("id = ?", id).First(&transaction).Error; err != nil {
			return fmt.Errorf("%w: failed to reload transaction: %v", payerrors.ErrLedger, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &transaction, nil
}

// Get returns a transaction by id
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&transaction).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payerrors.ErrNotFound
		}
		return nil, fmt.Errorf("%w: failed to find transaction: %v", payerrors.ErrLedger, err)
	}
	return &transaction, nil
}

// List returns up to limit transactions, newest first
func (s *Service) List(ctx context.Context, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	var transactions []*models.Transaction
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to list transactions: %v", payerrors.ErrLedger, err)
	}
	return transactions, nil
}

// Reconcile resolves a transaction that failed with an unknown payout
// outcome. It is the only path out of a terminal state: a failed row
// flagged needs_reconciliation moves to completed on a success outcome, or
// stays failed with the flag cleared otherwise.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID, outcome AsyncOutcome) (*models.Transaction, error) {
	var transaction models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&transaction).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return payerrors.ErrNotFound
			}
			return fmt.Errorf("%w: failed to find transaction: %v", payerrors.ErrLedger, err)
		}
		if transaction.Status != models.StatusFailed || !transaction.NeedsReconciliation {
			return fmt.Errorf("%w: transaction %s is not awaiting reconciliation",
				payerrors.ErrInvalidTransition, id)
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"needs_reconciliation": false,
			"updated_at":           now,
		}
		if outcome.Success {
			updates["status"] = models.StatusCompleted
			updates["failure_reason"] = ""
			updates["completed_at"] = &now
			if outcome.ProviderReference != "" {
				updates["external_reference"] = outcome.ProviderReference
			}
		}

		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ? AND needs_reconciliation = ?", id, models.StatusFailed, true).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("%w: failed to reconcile transaction: %v", payerrors.ErrLedger, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: transaction %s changed concurrently", payerrors.ErrInvalidTransition, id)
		}
		return tx.Where("id = ?", id).First(&transaction).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reconciled transaction",
		zap.String("transaction_id", id.String()),
		zap.Bool("success", outcome.Success),
		zap.String("provider_reference", outcome.ProviderReference))
	return &transaction, nil
}

func (s *Service) getByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&transaction).Error; err != nil {
		return nil, fmt.Errorf("%w: failed to find transaction by idempotency key: %v", payerrors.ErrLedger, err)
	}
	return &transaction, nil
}
