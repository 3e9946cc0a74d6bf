// Package marketprice provides last-trade prices for order validation and
// risk checks, with a short-lived cache in front of the upstream data API.
package marketprice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradedesk/internal/util"
)

// Quoter fetches the most recent trade price for a symbol.
type Quoter interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// QuoterFunc adapts a function to the Quoter interface.
type QuoterFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f QuoterFunc) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// ---- Alpaca quoter ----

// AlpacaQuoter fetches last-trade prices from the Alpaca market-data API.
type AlpacaQuoter struct {
	client *marketdata.Client
}

func NewAlpacaQuoter(apiKey, apiSecret, dataURL string) *AlpacaQuoter {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaQuoter{client: marketdata.NewClient(opts)}
}

func (q *AlpacaQuoter) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	trade, err := q.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest trade for %s: %w", symbol, err)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

var _ Quoter = (*AlpacaQuoter)(nil)

// ---- cached feed ----

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Feed serves prices from a TTL cache, rate-limiting upstream fetches. A
// stale cached price is served when the upstream is unreachable, since a
// slightly old reference price beats failing the risk check outright.
type Feed struct {
	quoter  Quoter
	ttl     time.Duration
	limiter *util.RateLimiter
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedPrice
}

func NewFeed(q Quoter, ttl time.Duration, ratePerMin int, log *slog.Logger) *Feed {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if ratePerMin <= 0 {
		ratePerMin = 200
	}
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		quoter:  q,
		ttl:     ttl,
		limiter: util.NewRateLimiter(ratePerMin),
		log:     log.With("component", "marketprice"),
		cache:   make(map[string]cachedPrice),
	}
}

// LastPrice returns the most recent trade price for symbol, consulting the
// cache first.
func (f *Feed) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	entry, ok := f.cache[symbol]
	f.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < f.ttl {
		return entry.price, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	price, err := f.quoter.LatestPrice(ctx, symbol)
	if err != nil {
		if ok {
			f.log.Warn("price fetch failed, serving stale quote",
				"symbol", symbol, "age", time.Since(entry.fetchedAt).String(), "error", err)
			return entry.price, nil
		}
		return decimal.Zero, err
	}

	f.mu.Lock()
	f.cache[symbol] = cachedPrice{price: price, fetchedAt: time.Now()}
	f.mu.Unlock()
	return price, nil
}
