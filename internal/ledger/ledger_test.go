package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/pkg/models"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Transaction{}))
	svc, err := NewService(zap.NewNop(), db)
	require.NoError(t, err)
	return svc
}

func testQuote() *models.PricedQuote {
	return &models.PricedQuote{
		SourceCurrency:    "USD",
		TargetCurrency:    "KES",
		SourceAmount:      decimal.RequireFromString("1000"),
		MidRate:           decimal.RequireFromString("129.50"),
		EffectiveRate:     decimal.RequireFromString("128.8525"),
		Spread:            decimal.RequireFromString("0.6475"),
		ConnectorFee:      decimal.RequireFromString("2.05"),
		PlatformFee:       decimal.RequireFromString("10"),
		DestinationAmount: decimal.RequireFromString("127299.83"),
	}
}

func createParams(key string) CreateParams {
	return CreateParams{
		ClientID:       uuid.New(),
		FreelancerID:   uuid.New(),
		Quote:          testQuote(),
		RecipientPhone: "254712345678",
		IdempotencyKey: key,
	}
}

func TestCreateOpensProcessingTransaction(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, created, err := s.Create(ctx, createParams("key-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	assert.Equal(t, "KES", tx.DestinationCurrency)
	assert.Equal(t, "127299.83", tx.DestinationAmount.String())
}

func TestCreateIdempotent(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	first, created, err := s.Create(ctx, createParams("abc"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.Create(ctx, createParams("abc"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// No duplicate row was written
	all, err := s.List(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCreateWithoutKeyNeverDedupes(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	first, _, err := s.Create(ctx, createParams(""))
	require.NoError(t, err)
	second, _, err := s.Create(ctx, createParams(""))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestTransitionCompletesTransaction(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, createParams("key-2"))
	require.NoError(t, err)

	updated, err := s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusCompleted,
		TransitionFields{ExternalReference: "AG_20260831_0001", ConnectorReference: "rafiki-42"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, updated.Status)
	assert.Equal(t, "AG_20260831_0001", updated.ExternalReference)
	assert.Equal(t, "rafiki-42", updated.ConnectorReference)
	assert.NotNil(t, updated.CompletedAt)
}

func TestTransitionFromTerminalStateFails(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, createParams("key-3"))
	require.NoError(t, err)

	_, err = s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		TransitionFields{FailureReason: models.FailurePayoutRejected})
	require.NoError(t, err)

	// A late success racing the failure must lose the compare-and-set
	_, err = s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusCompleted,
		TransitionFields{})
	assert.ErrorIs(t, err, payerrors.ErrInvalidTransition)

	got, err := s.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.FailurePayoutRejected, got.FailureReason)
}

func TestTransitionUnknownTransaction(t *testing.T) {
	s := setupTestService(t)

	_, err := s.Transition(context.Background(), uuid.New(),
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		TransitionFields{})
	assert.ErrorIs(t, err, payerrors.ErrNotFound)
}

func TestGetUnknownTransaction(t *testing.T) {
	s := setupTestService(t)

	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, payerrors.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := s.Create(ctx, createParams(""))
		require.NoError(t, err)
	}

	listed, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.False(t, listed[0].CreatedAt.Before(listed[1].CreatedAt))
}

func TestReconcileSuccessReopensToCompleted(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, createParams("key-4"))
	require.NoError(t, err)

	_, err = s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		TransitionFields{FailureReason: models.FailurePayoutTimeout, NeedsReconciliation: true})
	require.NoError(t, err)

	reconciled, err := s.Reconcile(ctx, tx.ID, AsyncOutcome{Success: true, ProviderReference: "AG_LATE_99"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, reconciled.Status)
	assert.False(t, reconciled.NeedsReconciliation)
	assert.Equal(t, "AG_LATE_99", reconciled.ExternalReference)
}

func TestReconcileFailureKeepsFailed(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, createParams("key-5"))
	require.NoError(t, err)

	_, err = s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		TransitionFields{FailureReason: models.FailurePayoutTimeout, NeedsReconciliation: true})
	require.NoError(t, err)

	reconciled, err := s.Reconcile(ctx, tx.ID, AsyncOutcome{Success: false})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, reconciled.Status)
	assert.False(t, reconciled.NeedsReconciliation)
}

func TestReconcileRequiresFlag(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()

	tx, _, err := s.Create(ctx, createParams("key-6"))
	require.NoError(t, err)

	// Still processing: not eligible
	_, err = s.Reconcile(ctx, tx.ID, AsyncOutcome{Success: true})
	assert.ErrorIs(t, err, payerrors.ErrInvalidTransition)

	// Failed without the flag: not eligible either
	_, err = s.Transition(ctx, tx.ID,
		[]models.TransactionStatus{models.StatusProcessing},
		models.StatusFailed,
		TransitionFields{FailureReason: models.FailurePayoutRejected})
	require.NoError(t, err)
	_, err = s.Reconcile(ctx, tx.ID, AsyncOutcome{Success: true})
	assert.ErrorIs(t, err, payerrors.ErrInvalidTransition)
}
