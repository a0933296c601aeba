// Package rates implements conversion rate lookup with a TTL cache and
// fallback, and the proportional fee with a configured floor.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/remit/internal/domain"
	"github.com/vadiminshakov/remit/pkg/retrier"
	"go.uber.org/zap"
)

// Rate provenance reported alongside the value so callers can surface trust
// level.
const (
	SourceIdentity = "identity"
	SourceLive     = "live"
	SourceFallback = "fallback"
)

// Rate is a conversion rate with its provenance.
type Rate struct {
	Value  decimal.Decimal
	Source string
}

// Quote is a frozen conversion preview: what a payment of AmountFiat would
// settle as right now.
type Quote struct {
	AmountSettlement decimal.Decimal
	Rate             decimal.Decimal
	Fee              decimal.Decimal
	Source           string
}

// LiveSource fetches the current rate for the engine's live pair.
type LiveSource interface {
	FetchRate(ctx context.Context) (decimal.Decimal, error)
}

type cachedRate struct {
	value     decimal.Decimal
	source    string
	fetchedAt time.Time
}

// Engine computes conversion rates and fees. It owns its rate cache; no
// module-level state.
type Engine struct {
	feePercent decimal.Decimal
	minFee     decimal.Decimal
	livePair   domain.Pair
	fallback   map[string]decimal.Decimal
	ttl        time.Duration
	source     LiveSource
	retrier    *retrier.Retrier
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache *cachedRate
}

// NewEngine creates a rate engine. The fallback table maps "BASE_QUOTE" pair
// strings to static rates used when the live source is unavailable.
func NewEngine(feePercent, minFee decimal.Decimal, livePair domain.Pair, fallback map[string]decimal.Decimal,
	ttl time.Duration, source LiveSource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Engine{
		feePercent: feePercent,
		minFee:     minFee,
		livePair:   livePair,
		fallback:   fallback,
		ttl:        ttl,
		source:     source,
		retrier:    retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(200*time.Millisecond)),
		logger:     logger,
		now:        time.Now,
	}
}

// GetRate returns the conversion rate for base -> quote. Identity when
// base == quote, live (cached) for the configured live pair, static fallback
// otherwise. A missing pair degrades to 1:1 with a warning rather than
// failing the caller.
func (e *Engine) GetRate(ctx context.Context, base, quote string) Rate {
	if base == quote {
		return Rate{Value: decimal.NewFromInt(1), Source: SourceIdentity}
	}

	pair := domain.Pair{Base: base, Quote: quote}
	if pair == e.livePair {
		return e.liveRate(ctx)
	}

	if rate, ok := e.fallback[pair.String()]; ok {
		return Rate{Value: rate, Source: SourceFallback}
	}

	e.logger.Warn("exchange rate not found, using default",
		zap.String("base", base),
		zap.String("quote", quote))
	return Rate{Value: decimal.NewFromInt(1), Source: SourceFallback}
}

// CalculateFee returns amount * feePercent floored at the configured minimum.
func (e *Engine) CalculateFee(amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(e.feePercent)
	if fee.LessThan(e.minFee) {
		return e.minFee
	}
	return fee
}

// Convert computes the settlement amount, rate and fee for a fiat amount.
// Pure: it only reads the live rate, never mutates balances or records.
func (e *Engine) Convert(ctx context.Context, amountFiat decimal.Decimal) Quote {
	rate := e.GetRate(ctx, e.livePair.Base, e.livePair.Quote)
	fee := e.CalculateFee(amountFiat)
	settlement := amountFiat.Sub(fee).Mul(rate.Value)

	return Quote{
		AmountSettlement: settlement,
		Rate:             rate.Value,
		Fee:              fee,
		Source:           rate.Source,
	}
}

// RateMeta is the live rate together with provenance and the time it was
// reported, for the rates endpoint.
type RateMeta struct {
	Rate      decimal.Decimal
	Source    string
	Timestamp time.Time
}

// RateWithMeta reports the live pair rate with provenance and timestamp.
func (e *Engine) RateWithMeta(ctx context.Context) RateMeta {
	rate := e.liveRate(ctx)
	return RateMeta{Rate: rate.Value, Source: rate.Source, Timestamp: e.now().UTC()}
}

func (e *Engine) liveRate(ctx context.Context) Rate {
	e.mu.Lock()
	if e.cache != nil && e.now().Sub(e.cache.fetchedAt) < e.ttl {
		cached := Rate{Value: e.cache.value, Source: e.cache.source}
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	// fetch outside the lock; a concurrent refresh is benign, last write wins
	if e.source != nil {
		value, err := retrier.DoWithData(e.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
			return e.source.FetchRate(ctx)
		})
		if err == nil && value.GreaterThan(decimal.Zero) {
			e.mu.Lock()
			e.cache = &cachedRate{value: value, source: SourceLive, fetchedAt: e.now()}
			e.mu.Unlock()

			e.logger.Info("fetched live exchange rate",
				zap.String("pair", e.livePair.String()),
				zap.String("rate", value.String()))
			return Rate{Value: value, Source: SourceLive}
		}
		e.logger.Warn("failed to fetch live rate, using fallback",
			zap.String("pair", e.livePair.String()),
			zap.Error(err))
	}

	if rate, ok := e.fallback[e.livePair.String()]; ok {
		return Rate{Value: rate, Source: SourceFallback}
	}
	return Rate{Value: decimal.NewFromInt(1), Source: SourceFallback}
}
