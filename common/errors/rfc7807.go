package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ProblemDetails implements RFC 7807 problem+json responses
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// WithTraceID attaches a trace identifier to the problem
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// problemFor maps a pipeline error to its RFC 7807 representation
func problemFor(err error) *ProblemDetails {
	switch {
	case stderrors.Is(err, ErrValidation):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/validation", Title: "Invalid request", Status: http.StatusBadRequest}
	case stderrors.Is(err, ErrUnsupportedCurrencyPair):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/unsupported-pair", Title: "Unsupported currency pair", Status: http.StatusUnprocessableEntity}
	case stderrors.Is(err, ErrNotFound):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/not-found", Title: "Transaction not found", Status: http.StatusNotFound}
	case stderrors.Is(err, ErrInvalidTransition):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/invalid-transition", Title: "Invalid state transition", Status: http.StatusConflict}
	case stderrors.Is(err, ErrDuplicateIdempotencyKey):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/duplicate-key", Title: "Duplicate idempotency key", Status: http.StatusConflict}
	case stderrors.Is(err, ErrConnectorUnavailable):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/connector-unavailable", Title: "Settlement network unavailable", Status: http.StatusBadGateway}
	case stderrors.Is(err, ErrConnectorRejected):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/connector-rejected", Title: "Settlement network rejected transfer", Status: http.StatusUnprocessableEntity}
	case stderrors.Is(err, ErrAuthFailure):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/rail-auth", Title: "Disbursement rail authentication failed", Status: http.StatusBadGateway}
	case stderrors.Is(err, ErrPayoutRejected):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/payout-rejected", Title: "Payout rejected", Status: http.StatusUnprocessableEntity}
	case stderrors.Is(err, ErrPayoutTimeout):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/payout-timeout", Title: "Payout confirmation timed out", Status: http.StatusGatewayTimeout}
	case stderrors.Is(err, ErrLedger):
		return &ProblemDetails{Type: "https://kazipay.dev/problems/ledger", Title: "Ledger failure", Status: http.StatusInternalServerError}
	default:
		return &ProblemDetails{Type: "about:blank", Title: "Internal server error", Status: http.StatusInternalServerError}
	}
}

// Respond writes err as an RFC 7807 problem+json response
func Respond(c *gin.Context, err error) {
	problem := problemFor(err)
	problem.Detail = err.Error()
	problem.Instance = c.Request.URL.Path
	if traceID := c.GetHeader("X-Trace-ID"); traceID != "" {
		problem.WithTraceID(traceID)
	}
	c.Header("Content-Type", "application/problem+json")
	c.JSON(problem.Status, problem)
}
