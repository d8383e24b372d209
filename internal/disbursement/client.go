// Package disbursement submits mobile-money payouts over the M-Pesa B2C rail.
package disbursement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/config"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	// tokenExpirySlack refreshes the bearer token slightly before the rail
	// would reject it
	tokenExpirySlack = 30 * time.Second
)

// PayoutResult carries the provider-assigned payout reference
type PayoutResult struct {
	ProviderReference string
}

// Client abstracts the mobile-money payout rail
type Client interface {
	Payout(ctx context.Context, amount decimal.Decimal, recipientPhone string, transactionID uuid.UUID) (*PayoutResult, error)
	// InvalidateSession drops the cached credential so the next payout
	// re-authenticates
	InvalidateSession()
}

// MpesaClient implements Client against the Safaricom B2C API
type MpesaClient struct {
	cfg        config.MpesaConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	// token cache: shared read by concurrent payouts, refreshed under a
	// single writer so parallel requests never race to authenticate
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ Client = (*MpesaClient)(nil)

// NewMpesaClient creates an M-Pesa client from configuration
func NewMpesaClient(cfg config.MpesaConfig, logger *zap.Logger) *MpesaClient {
	baseURL := sandboxBaseURL
	if cfg.Environment == "production" {
		baseURL = productionBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &MpesaClient{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// NewMpesaClientWithBaseURL is used by tests to point at a local server
func NewMpesaClientWithBaseURL(cfg config.MpesaConfig, baseURL string, logger *zap.Logger) *MpesaClient {
	c := NewMpesaClient(cfg, logger)
	c.baseURL = baseURL
	return c
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Authenticate exchanges the consumer credentials for a bearer token. The
// token is cached with its expiry; callers normally go through session,
// which only re-authenticates once the cached token is stale.
func (c *MpesaClient) Authenticate(ctx context.Context) (string, error) {
	reqURL := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to build auth request: %v", payerrors.ErrAuthFailure, err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", payerrors.ErrAuthFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned status %d", payerrors.ErrAuthFailure, resp.StatusCode)
	}

	var body oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AccessToken == "" {
		return "", fmt.Errorf("%w: invalid token response", payerrors.ErrAuthFailure)
	}

	expiresIn := 3600 * time.Second
	if body.ExpiresIn != "" {
		if seconds, err := time.ParseDuration(body.ExpiresIn + "s"); err == nil {
			expiresIn = seconds
		}
	}

	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(expiresIn - tokenExpirySlack)
	return c.token, nil
}

// session returns a valid cached token, authenticating if needed. The lock
// is held across the refresh so only one caller hits the token endpoint.
func (c *MpesaClient) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	return c.Authenticate(ctx)
}

// InvalidateSession drops the cached token
func (c *MpesaClient) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExpiry = time.Time{}
}

type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	ErrorMessage             string `json:"errorMessage"`
}

// Payout submits a B2C payment to the recipient's phone. The amount is
// normalized to whole currency units by truncation, never rounding up: the
// rail must not pay out more than was settled. A transport timeout after
// submission classifies as ErrPayoutTimeout because the provider may have
// accepted the request; callers must treat that as an unknown outcome, not
// a confirmed non-payment.
func (c *MpesaClient) Payout(ctx context.Context, amount decimal.Decimal, recipientPhone string, transactionID uuid.UUID) (*PayoutResult, error) {
	token, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	payload := b2cRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             NormalizeAmount(amount),
		PartyA:             c.cfg.ShortCode,
		PartyB:             NormalizePhone(recipientPhone),
		Remarks:            fmt.Sprintf("Payment for Transaction %s", transactionID),
		// The rail's callbacks don't echo our identifiers, so each payout
		// gets per-transaction callback URLs
		QueueTimeOutURL:    fmt.Sprintf("%s/api/v1/webhooks/mpesa/timeout/%s", c.cfg.CallbackBaseURL, transactionID),
		ResultURL:          fmt.Sprintf("%s/api/v1/webhooks/mpesa/result/%s", c.cfg.CallbackBaseURL, transactionID),
		Occasion:           "Freelancer Payment",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode payout request: %v", payerrors.ErrPayoutRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mpesa/b2c/v1/paymentrequest", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build payout request: %v", payerrors.ErrPayoutRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Delivery state unknown: the request may have reached the rail
		c.logger.Warn("payout transport failure, outcome unknown",
			zap.String("transaction_id", transactionID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", payerrors.ErrPayoutTimeout, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: payout request unauthorized", payerrors.ErrAuthFailure)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: rail returned status %d", payerrors.ErrPayoutTimeout, resp.StatusCode)
	case resp.StatusCode >= 400:
		var failure b2cResponse
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return nil, fmt.Errorf("%w: %s", payerrors.ErrPayoutRejected, failure.ErrorMessage)
	}

	var result b2cResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: invalid payout response: %v", payerrors.ErrPayoutTimeout, err)
	}
	if result.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: %s", payerrors.ErrPayoutRejected, result.ResponseDescription)
	}

	c.logger.Info("payout submitted",
		zap.String("transaction_id", transactionID.String()),
		zap.String("conversation_id", result.ConversationID))
	return &PayoutResult{ProviderReference: result.ConversationID}, nil
}

// NormalizeAmount truncates to whole currency units. Truncation, not
// rounding: a fractional remainder is kept by the platform rather than
// over-paid to the recipient.
func NormalizeAmount(amount decimal.Decimal) int64 {
	return amount.Truncate(0).IntPart()
}

// NormalizePhone converts a local phone number to international 254 form
func NormalizePhone(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if strings.HasPrefix(phone, "0") {
		return "254" + phone[1:]
	}
	return phone
}
