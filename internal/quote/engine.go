// Package quote computes priced quotes for supported currency pairs.
package quote

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	payerrors "github.com/kazipay/kazipay/common/errors"
	"github.com/kazipay/kazipay/internal/config"
	"github.com/kazipay/kazipay/pkg/models"
)

const (
	amountPrecision = 2
	ratePrecision   = 4
)

// Engine prices conversions from a configured mid-rate table. It is pure
// and side-effect free: identical inputs and configuration always yield
// identical quotes, and it is safe for concurrent use.
type Engine struct {
	settlementCurrency string
	midRates           map[string]decimal.Decimal
	spreadFraction     decimal.Decimal
	connectorFeePct    decimal.Decimal
	connectorFeeFixed  decimal.Decimal
	platformFeePct     decimal.Decimal
}

// NewEngine creates a quote engine from pricing configuration
func NewEngine(cfg config.PricingConfig) *Engine {
	rates := make(map[string]decimal.Decimal, len(cfg.MidRates))
	for pair, rate := range cfg.MidRates {
		rates[strings.ToUpper(pair)] = rate
	}
	return &Engine{
		settlementCurrency: strings.ToUpper(cfg.SettlementCurrency),
		midRates:           rates,
		spreadFraction:     cfg.SpreadFraction,
		connectorFeePct:    cfg.ConnectorFeePct,
		connectorFeeFixed:  cfg.ConnectorFeeFixed,
		platformFeePct:     cfg.PlatformFeePct,
	}
}

// SettlementCurrency returns the platform's payout currency
func (e *Engine) SettlementCurrency() string {
	return e.settlementCurrency
}

// Quote prices a conversion of sourceAmount from sourceCurrency to
// targetCurrency.
//
// Fee order: the connector fee (proportional plus fixed) and the platform
// fee are both deducted in the source currency, then the remainder is
// converted once at the effective rate:
//
//	destination = (source - connectorFee - platformFee) * effectiveRate
//
// Monetary amounts round to 2 decimal places and rates to 4, each field
// rounded exactly once.
func (e *Engine) Quote(sourceCurrency, targetCurrency string, sourceAmount decimal.Decimal) (*models.PricedQuote, error) {
	sourceCurrency = strings.ToUpper(sourceCurrency)
	targetCurrency = strings.ToUpper(targetCurrency)

	if sourceAmount.IsNegative() {
		return nil, fmt.Errorf("%w: source amount must not be negative", payerrors.ErrValidation)
	}
	if targetCurrency != e.settlementCurrency {
		return nil, fmt.Errorf("%w: only %s payouts are supported", payerrors.ErrUnsupportedCurrencyPair, e.settlementCurrency)
	}

	midRate, ok := e.midRates[sourceCurrency+"/"+targetCurrency]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", payerrors.ErrUnsupportedCurrencyPair, sourceCurrency, targetCurrency)
	}

	effectiveRate := midRate.Mul(decimal.NewFromInt(1).Sub(e.spreadFraction)).Round(ratePrecision)
	spread := midRate.Sub(effectiveRate).Round(ratePrecision)
	connectorFee := sourceAmount.Mul(e.connectorFeePct).Add(e.connectorFeeFixed).Round(amountPrecision)
	platformFee := sourceAmount.Mul(e.platformFeePct).Round(amountPrecision)
	destination := sourceAmount.Sub(connectorFee).Sub(platformFee).Mul(effectiveRate).Round(amountPrecision)
	if destination.IsNegative() {
		destination = decimal.Zero
	}

	return &models.PricedQuote{
		SourceCurrency:    sourceCurrency,
		TargetCurrency:    targetCurrency,
		SourceAmount:      sourceAmount.Round(amountPrecision),
		MidRate:           midRate,
		EffectiveRate:     effectiveRate,
		Spread:            spread,
		ConnectorFee:      connectorFee,
		PlatformFee:       platformFee,
		DestinationAmount: destination,
	}, nil
}
