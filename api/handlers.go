package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/ledger"
	"github.com/kazipay/kazipay/internal/settlement"
)

// QuoteRequest asks for a priced conversion without moving money
type QuoteRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	SourceCurrency string          `json:"source_currency" binding:"required,uppercase"`
}

// PaymentRequest initiates a settlement from a client to a freelancer
type PaymentRequest struct {
	ClientID       uuid.UUID       `json:"client_id" binding:"required"`
	FreelancerID   uuid.UUID       `json:"freelancer_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	SourceCurrency string          `json:"source_currency" binding:"required,uppercase"`
	RecipientPhone string          `json:"recipient_phone" binding:"required"`
}

// mpesaResultCallback is the rail's asynchronous B2C result envelope
type mpesaResultCallback struct {
	Result struct {
		ResultCode    int    `json:"ResultCode"`
		ResultDesc    string `json:"ResultDesc"`
		TransactionID string `json:"TransactionID"`
	} `json:"Result"`
}

func (s *Server) quote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "%s", err.Error()))
		return
	}

	pricedQuote, err := s.orchestrator.Quote(req.SourceCurrency, req.Amount)
	if err != nil {
		payerrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, pricedQuote)
}

func (s *Server) createPayment(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "%s", err.Error()))
		return
	}

	result, err := s.orchestrator.Process(c.Request.Context(), settlement.ProcessRequest{
		ClientID:       req.ClientID,
		FreelancerID:   req.FreelancerID,
		Amount:         req.Amount,
		SourceCurrency: req.SourceCurrency,
		RecipientPhone: req.RecipientPhone,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		payerrors.Respond(c, err)
		return
	}

	// A failed settlement is still a fully processed request: the outcome
	// is in the body, not the HTTP status
	c.JSON(http.StatusOK, result)
}

func (s *Server) getPayment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "invalid transaction id"))
		return
	}

	transaction, err := s.ledger.Get(c.Request.Context(), id)
	if err != nil {
		payerrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, transaction)
}

func (s *Server) listPayments(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "limit must be an integer between 1 and 100"))
			return
		}
		limit = parsed
	}

	transactions, err := s.ledger.List(c.Request.Context(), limit)
	if err != nil {
		payerrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// mpesaResult resolves a payout whose outcome was unknown at settlement
// time. ResultCode 0 confirms delivery; anything else confirms failure.
func (s *Server) mpesaResult(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "invalid transaction id"))
		return
	}

	var callback mpesaResultCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "%s", err.Error()))
		return
	}

	s.logger.Info("received payout result callback",
		zap.String("transaction_id", id.String()),
		zap.Int("result_code", callback.Result.ResultCode),
		zap.String("result_desc", callback.Result.ResultDesc))

	transaction, err := s.orchestrator.ReportAsyncResult(c.Request.Context(), id, ledger.AsyncOutcome{
		Success:           callback.Result.ResultCode == 0,
		ProviderReference: callback.Result.TransactionID,
	})
	if err != nil {
		payerrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": transaction.Status})
}

// mpesaTimeout is hit when the rail expired the payout in its queue: the
// money never moved, so the outcome is a confirmed failure.
func (s *Server) mpesaTimeout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		payerrors.Respond(c, payerrors.Wrap(payerrors.ErrValidation, "invalid transaction id"))
		return
	}

	s.logger.Warn("received payout timeout callback", zap.String("transaction_id", id.String()))

	transaction, err := s.orchestrator.ReportAsyncResult(c.Request.Context(), id, ledger.AsyncOutcome{Success: false})
	if err != nil {
		payerrors.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": transaction.Status})
}
