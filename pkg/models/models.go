package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionStatus represents the lifecycle state of a settlement transaction
type TransactionStatus string

const (
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
)

// Terminal returns true if no further transition is allowed from the status
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureReason classifies why a transaction ended in failed
type FailureReason string

const (
	FailureConnectorRejected    FailureReason = "connector_rejected"
	FailureConnectorUnavailable FailureReason = "connector_unavailable"
	FailureAuthFailure          FailureReason = "auth_failure"
	FailurePayoutRejected       FailureReason = "payout_rejected"
	FailurePayoutTimeout        FailureReason = "payout_timeout"
	FailureCanceled             FailureReason = "canceled"
)

// Transaction represents a settlement attempt in the system.
// Exactly one row exists per logical payment; retries with the same
// idempotency key map back to the same row. Rows are never deleted.
type Transaction struct {
	ID                  uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	ClientID            uuid.UUID         `json:"client_id" gorm:"type:uuid;index" validate:"required,uuid"`
	FreelancerID        uuid.UUID         `json:"freelancer_id" gorm:"type:uuid;index" validate:"required,uuid"`
	SourceAmount        decimal.Decimal   `json:"source_amount" gorm:"type:decimal(20,2)" validate:"required"`
	SourceCurrency      string            `json:"source_currency" validate:"required,uppercase"`
	DestinationAmount   decimal.Decimal   `json:"destination_amount" gorm:"type:decimal(20,2)"`
	DestinationCurrency string            `json:"destination_currency" validate:"required,uppercase"`
	ExchangeRate        decimal.Decimal   `json:"exchange_rate" gorm:"type:decimal(20,4)"`
	Status              TransactionStatus `json:"status" validate:"required,oneof=processing completed failed"`
	FailureReason       FailureReason     `json:"failure_reason,omitempty"`
	NeedsReconciliation bool              `json:"needs_reconciliation"`
	ExternalReference   string            `json:"external_reference" validate:"omitempty,max=255"`
	ConnectorReference  string            `json:"connector_reference" validate:"omitempty,max=255"`
	IdempotencyKey      string            `json:"idempotency_key" gorm:"uniqueIndex" validate:"required,max=255"`
	RecipientPhone      string            `json:"recipient_phone" validate:"omitempty,max=20"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	CompletedAt         *time.Time        `json:"completed_at"`
}

// PricedQuote is a computed quote for a currency pair. It is ephemeral and
// never persisted as its own entity.
type PricedQuote struct {
	SourceCurrency    string          `json:"source_currency"`
	TargetCurrency    string          `json:"target_currency"`
	SourceAmount      decimal.Decimal `json:"source_amount"`
	MidRate           decimal.Decimal `json:"mid_rate"`
	EffectiveRate     decimal.Decimal `json:"effective_rate"`
	Spread            decimal.Decimal `json:"spread"`
	ConnectorFee      decimal.Decimal `json:"connector_fee"`
	PlatformFee       decimal.Decimal `json:"platform_fee"`
	DestinationAmount decimal.Decimal `json:"destination_amount"`
}
