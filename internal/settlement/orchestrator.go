// Package settlement coordinates the two external legs of a payment: the
// connector transfer/exchange and the mobile-money disbursement.
package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/config"
	"github.com/kazipay/kazipay/internal/connector"
	"github.com/kazipay/kazipay/internal/disbursement"
	"github.com/kazipay/kazipay/internal/ledger"
	"github.com/kazipay/kazipay/internal/quote"
	"github.com/kazipay/kazipay/pkg/metrics"
	"github.com/kazipay/kazipay/pkg/models"
)

// ProcessRequest is a payment from a client to a freelancer
type ProcessRequest struct {
	ClientID       uuid.UUID
	FreelancerID   uuid.UUID
	Amount         decimal.Decimal
	SourceCurrency string
	RecipientPhone string
	IdempotencyKey string
}

// ProcessResult is the terminal outcome of a settlement attempt
type ProcessResult struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	Status        models.TransactionStatus `json:"status"`
	Message       string                   `json:"message"`
}

// Orchestrator drives a payment through quote, ledger and both external
// legs. Each Process invocation is independent; concurrent payments only
// share the ledger store and the disbursement session token.
type Orchestrator struct {
	logger       *zap.Logger
	quotes       *quote.Engine
	ledger       ledger.Ledger
	connector    connector.Client
	disbursement disbursement.Client

	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewOrchestrator creates a settlement orchestrator
func NewOrchestrator(
	logger *zap.Logger,
	quotes *quote.Engine,
	ledgerSvc ledger.Ledger,
	connectorClient connector.Client,
	disbursementClient disbursement.Client,
	cfg config.ConnectorConfig,
) *Orchestrator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = 200 * time.Millisecond
	}
	return &Orchestrator{
		logger:         logger,
		quotes:         quotes,
		ledger:         ledgerSvc,
		connector:      connectorClient,
		disbursement:   disbursementClient,
		maxAttempts:    maxAttempts,
		retryBaseDelay: retryBaseDelay,
	}
}

// Quote prices a payment without touching the ledger or the external legs
func (o *Orchestrator) Quote(sourceCurrency string, amount decimal.Decimal) (*models.PricedQuote, error) {
	return o.quotes.Quote(sourceCurrency, o.quotes.SettlementCurrency(), amount)
}

// Process settles one payment. The ledger entry always reaches a terminal
// state before Process returns: every downstream failure is recorded as
// failed before the result is surfaced, and the ledger is only marked
// completed after both legs have reported success. Retrying with the same
// idempotency key returns the existing outcome without re-executing the
// legs.
func (o *Orchestrator) Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", payerrors.ErrValidation)
	}
	if req.RecipientPhone == "" {
		return nil, fmt.Errorf("%w: recipient phone is required", payerrors.ErrValidation)
	}

	// 1. Price the payment; unsupported pairs fail before any ledger write
	pricedQuote, err := o.Quote(req.SourceCurrency, req.Amount)
	if err != nil {
		return nil, err
	}

	// 2. Open the ledger entry; a client retry short-circuits here so the
	// legs are never executed twice for one logical payment. The write is
	// detached from the caller's context: once processing begins a record
	// must exist, even if the caller has already gone away.
	transaction, created, err := o.ledger.Create(context.WithoutCancel(ctx), ledger.CreateParams{
		ClientID:       req.ClientID,
		FreelancerID:   req.FreelancerID,
		Quote:          pricedQuote,
		RecipientPhone: req.RecipientPhone,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &ProcessResult{
			TransactionID: transaction.ID,
			Status:        transaction.Status,
			Message:       "duplicate request, returning existing outcome",
		}, nil
	}

	logger := o.logger.With(zap.String("transaction_id", transaction.ID.String()))

	// Cancellation is honored only until the connector leg commits
	if ctx.Err() != nil {
		return o.fail(ctx, transaction.ID, models.FailureCanceled, false, "canceled before settlement started", logger)
	}

	// 3. Connector transfer with bounded exponential backoff on transient
	// failures
	transferResult, err := o.transferWithRetry(ctx, transaction, req)
	if err != nil {
		reason := models.FailureConnectorRejected
		if stderrors.Is(err, payerrors.ErrConnectorUnavailable) {
			reason = models.FailureConnectorUnavailable
		} else if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
			reason = models.FailureCanceled
		}
		return o.fail(ctx, transaction.ID, reason, false, err.Error(), logger)
	}

	// 4. Disbursement. The caller can no longer abort: the payout must run
	// to completion and the true outcome must be recorded
	payoutCtx := context.WithoutCancel(ctx)
	payoutResult, err := o.payout(payoutCtx, transaction, req.RecipientPhone)
	if err != nil {
		switch {
		case stderrors.Is(err, payerrors.ErrAuthFailure):
			return o.fail(payoutCtx, transaction.ID, models.FailureAuthFailure, false, err.Error(), logger)
		case stderrors.Is(err, payerrors.ErrPayoutTimeout):
			// The money may already have moved: fail locally but flag the
			// row for out-of-band reconciliation
			metrics.ReconciliationsPending.Inc()
			return o.fail(payoutCtx, transaction.ID, models.FailurePayoutTimeout, true, err.Error(), logger)
		default:
			return o.fail(payoutCtx, transaction.ID, models.FailurePayoutRejected, false, err.Error(), logger)
		}
	}

	// 5. Both legs succeeded; only now does the ledger reach completed
	completed, err := o.ledger.Transition(payoutCtx, transaction.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusCompleted,
		ledger.TransitionFields{
			ExternalReference:  payoutResult.ProviderReference,
			ConnectorReference: transferResult.ProviderID,
		})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
	logger.Info("payment settled",
		zap.String("provider_reference", payoutResult.ProviderReference),
		zap.String("connector_reference", transferResult.ProviderID))

	return &ProcessResult{
		TransactionID: completed.ID,
		Status:        completed.Status,
		Message:       "payment processed and sent to recipient",
	}, nil
}

// ReportAsyncResult finalizes a transaction whose payout previously timed
// out, based on the rail's asynchronous callback. A success outcome
// re-opens the flagged row to completed; a failure outcome confirms the
// failure and clears the reconciliation flag.
func (o *Orchestrator) ReportAsyncResult(ctx context.Context, transactionID uuid.UUID, outcome ledger.AsyncOutcome) (*models.Transaction, error) {
	transaction, err := o.ledger.Reconcile(ctx, transactionID, outcome)
	if err != nil {
		return nil, err
	}
	metrics.ReconciliationsPending.Dec()
	return transaction, nil
}

func (o *Orchestrator) transferWithRetry(ctx context.Context, transaction *models.Transaction, req ProcessRequest) (*connector.TransferResult, error) {
	transferReq := connector.TransferRequest{
		TransactionID:       transaction.ID,
		SourceAmount:        transaction.SourceAmount,
		SourceCurrency:      transaction.SourceCurrency,
		DestinationCurrency: transaction.DestinationCurrency,
		DestinationAccount:  disbursement.NormalizePhone(req.RecipientPhone),
	}

	start := time.Now()
	defer func() {
		metrics.LegDuration.WithLabelValues("connector").Observe(time.Since(start).Seconds())
	}()

	delay := o.retryBaseDelay
	for attempt := 1; ; attempt++ {
		result, err := o.connector.Transfer(ctx, transferReq)
		if err == nil {
			return result, nil
		}
		if !stderrors.Is(err, payerrors.ErrConnectorUnavailable) || attempt >= o.maxAttempts {
			return nil, err
		}

		metrics.ConnectorRetries.Inc()
		o.logger.Warn("connector unavailable, retrying transfer",
			zap.String("transaction_id", transaction.ID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
}

func (o *Orchestrator) payout(ctx context.Context, transaction *models.Transaction, recipientPhone string) (*disbursement.PayoutResult, error) {
	start := time.Now()
	defer func() {
		metrics.LegDuration.WithLabelValues("disbursement").Observe(time.Since(start).Seconds())
	}()

	result, err := o.disbursement.Payout(ctx, transaction.DestinationAmount, recipientPhone, transaction.ID)
	if stderrors.Is(err, payerrors.ErrAuthFailure) {
		// Stale session: refresh once and retry
		o.disbursement.InvalidateSession()
		result, err = o.disbursement.Payout(ctx, transaction.DestinationAmount, recipientPhone, transaction.ID)
	}
	return result, err
}

// fail resolves the ledger entry to failed before surfacing the outcome.
// The write uses a detached context so a canceled caller still gets the
// row resolved; a ledger failure here is surfaced, never swallowed.
func (o *Orchestrator) fail(ctx context.Context, transactionID uuid.UUID, reason models.FailureReason, needsReconciliation bool, message string, logger *zap.Logger) (*ProcessResult, error) {
	failed, err := o.ledger.Transition(context.WithoutCancel(ctx), transactionID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		ledger.TransitionFields{
			FailureReason:       reason,
			NeedsReconciliation: needsReconciliation,
		})
	if err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	logger.Warn("payment failed",
		zap.String("reason", string(reason)),
		zap.Bool("needs_reconciliation", needsReconciliation),
		zap.String("detail", message))

	return &ProcessResult{
		TransactionID: failed.ID,
		Status:        failed.Status,
		Message:       message,
	}, nil
}
