// Package connector talks to the interledger settlement network that
// performs the currency conversion and value transfer leg.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/config"
)

// TransferRequest describes one transfer/exchange leg
type TransferRequest struct {
	TransactionID       uuid.UUID       `json:"-"`
	SourceAmount        decimal.Decimal `json:"source_amount"`
	SourceCurrency      string          `json:"source_currency"`
	DestinationCurrency string          `json:"destination_currency"`
	DestinationAccount  string          `json:"destination_account"`
}

// TransferResult carries the network-assigned transfer id
type TransferResult struct {
	ProviderID string `json:"id"`
}

// Client abstracts the settlement network transfer leg
type Client interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// HTTPClient is the Open Payments style HTTP implementation. Transfers are
// idempotent per transaction: the transaction id is sent as the
// Idempotency-Key, so the network dedupes replays of the same leg.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a connector client from configuration
func NewHTTPClient(cfg config.ConnectorConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Transfer executes the asset transfer/exchange leg. Transport failures and
// 5xx responses classify as ErrConnectorUnavailable (retryable); any other
// non-2xx response classifies as ErrConnectorRejected (terminal).
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode transfer request: %v", payerrors.ErrConnectorRejected, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build transfer request: %v", payerrors.ErrConnectorRejected, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.TransactionID.String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("connector transfer transport failure",
			zap.String("transaction_id", req.TransactionID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", payerrors.ErrConnectorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result TransferResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("%w: invalid transfer response: %v", payerrors.ErrConnectorUnavailable, err)
		}
		c.logger.Info("connector transfer executed",
			zap.String("transaction_id", req.TransactionID.String()),
			zap.String("provider_id", result.ProviderID))
		return &result, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: connector returned status %d", payerrors.ErrConnectorUnavailable, resp.StatusCode)
	default:
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", payerrors.ErrConnectorRejected, apiErr.Message)
	}
}
