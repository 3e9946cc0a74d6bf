package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
)

// PriceSource supplies an advisory last price for a symbol. A zero price
// with nil error means the price is unknown; callers skip price-dependent
// checks in that case.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// RiskManager performs the pre-trade buying-power check. It rejects orders
// whose estimated notional exceeds available buying power before anything
// reaches the broker, producing the same insufficient-funds reason the
// broker itself would, just earlier and cheaper.
type RiskManager struct {
	broker broker.Broker
	prices PriceSource
	log    *slog.Logger
}

func NewRiskManager(b broker.Broker, prices PriceSource, log *slog.Logger) *RiskManager {
	if log == nil {
		log = slog.Default()
	}
	return &RiskManager{broker: b, prices: prices, log: log.With("component", "risk")}
}

// CheckOrder estimates the order's notional and compares it against the
// account's buying power. Sells and orders with no price reference are
// allowed through; the broker remains the final arbiter either way.
func (r *RiskManager) CheckOrder(ctx context.Context, spec *domain.OrderSpec) error {
	if spec.Side != domain.OrderSideBuy {
		return nil
	}

	price := r.referencePrice(ctx, spec)
	if price.IsZero() {
		return nil
	}
	notional := price.Mul(decimal.NewFromInt(spec.Qty))

	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		// Account fetch failure must not block trading; the broker will
		// enforce its own limits on submit.
		r.log.Warn("risk check skipped, account unavailable", "error", err)
		return nil
	}

	if notional.GreaterThan(account.BuyingPower) {
		return &domain.BrokerError{
			Kind: domain.BrokerInsufficientFunds,
			Reason: fmt.Sprintf("order notional %s exceeds buying power %s",
				notional.StringFixed(2), account.BuyingPower.StringFixed(2)),
		}
	}
	return nil
}

// referencePrice picks the most conservative available price estimate:
// the limit price if set, otherwise the cached last price.
func (r *RiskManager) referencePrice(ctx context.Context, spec *domain.OrderSpec) decimal.Decimal {
	if spec.LimitPrice != nil {
		return *spec.LimitPrice
	}
	if r.prices == nil {
		return decimal.Zero
	}
	price, err := r.prices.LastPrice(ctx, spec.Symbol)
	if err != nil {
		return decimal.Zero
	}
	return price
}
