// Package fetcher provides uniform access to historical candles, realtime
// quotes and name resolution across heterogeneous vendor sources, with
// priority routing, circuit breaking and TTL caching.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// USQuoteSourceID is the id of the dedicated US source; US tickers and
// indices route there ahead of any configured priority.
const USQuoteSourceID = "usquote"

// Source is the capability a vendor adapter implements. Adapters return
// domain.ErrMarketUnsupported for tickers outside their coverage; that
// never counts as a failure.
type Source interface {
	ID() string
	Priority() int
	SupportsMarket(m domain.Market) bool
	History(ctx context.Context, ticker string, days int) ([]domain.Candle, error)
	Realtime(ctx context.Context, ticker string) (*domain.Quote, error)
	ResolveName(ctx context.Context, ticker string) (string, error)
}

// BatchSource is optionally implemented by sources that can quote many
// tickers in one request.
type BatchSource interface {
	Source
	BatchRealtime(ctx context.Context, tickers []string) (map[string]*domain.Quote, error)
}

// Config tunes the pool.
type Config struct {
	QuoteTTL         time.Duration
	HistoryTTL       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	PriorityOverride map[string]int
	Disabled         []string
}

// Pool routes calls across registered sources by market and priority.
type Pool struct {
	sources  []Source
	breakers map[string]*Breaker
	disabled map[string]bool
	override map[string]int

	quoteCache   *ttlCache[*domain.Quote]
	historyCache *ttlCache[[]domain.Candle]
	nameCache    *ttlCache[string]

	quoteTTL   time.Duration
	historyTTL time.Duration

	now func() time.Time
	log zerolog.Logger
}

// NewPool builds a pool over the given sources.
func NewPool(cfg Config, log zerolog.Logger, sources ...Source) *Pool {
	p := &Pool{
		sources:      sources,
		breakers:     make(map[string]*Breaker),
		disabled:     make(map[string]bool),
		override:     cfg.PriorityOverride,
		quoteCache:   newTTLCache[*domain.Quote](),
		historyCache: newTTLCache[[]domain.Candle](),
		nameCache:    newTTLCache[string](),
		quoteTTL:     cfg.QuoteTTL,
		historyTTL:   cfg.HistoryTTL,
		now:          time.Now,
		log:          log.With().Str("component", "fetcher").Logger(),
	}
	if p.quoteTTL == 0 {
		p.quoteTTL = 60 * time.Second
	}
	if p.historyTTL == 0 {
		p.historyTTL = 4 * time.Hour
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 3
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 10 * time.Minute
	}
	for _, s := range sources {
		p.breakers[s.ID()] = NewBreaker(threshold, cooldown)
	}
	for _, id := range cfg.Disabled {
		p.disabled[id] = true
	}
	return p
}

// effectivePriority applies configured overrides; lower wins.
func (p *Pool) effectivePriority(s Source) int {
	if v, ok := p.override[s.ID()]; ok {
		return v
	}
	return s.Priority()
}

// candidates returns enabled sources for the ticker's market, sorted by
// effective priority. US tickers always route to the dedicated US quote
// source first regardless of configured priority.
func (p *Pool) candidates(ticker string) []Source {
	market := domain.InferMarket(ticker)

	var eligible []Source
	for _, s := range p.sources {
		if p.disabled[s.ID()] {
			continue
		}
		if market != "" && !s.SupportsMarket(market) {
			continue
		}
		eligible = append(eligible, s)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if market == domain.MarketUS {
			iUS := eligible[i].ID() == USQuoteSourceID
			jUS := eligible[j].ID() == USQuoteSourceID
			if iUS != jUS {
				return iUS
			}
		}
		return p.effectivePriority(eligible[i]) < p.effectivePriority(eligible[j])
	})
	return eligible
}

// attempt runs fn against one source with breaker accounting and a single
// retry for transient errors.
func (p *Pool) attempt(ctx context.Context, s Source, fn func() error) error {
	breaker := p.breakers[s.ID()]
	if !breaker.Allow(p.now()) {
		return fmt.Errorf("%s: %w", s.ID(), domain.ErrCircuitOpen)
	}

	err := fn()
	if err != nil && !errors.Is(err, domain.ErrMarketUnsupported) && ctx.Err() == nil {
		// One retry per source for transient failures.
		err = fn()
	}

	switch {
	case err == nil:
		breaker.RecordSuccess()
	case errors.Is(err, domain.ErrMarketUnsupported):
		// Mismatch is routing information, not a source failure.
	default:
		breaker.RecordFailure(p.now())
	}
	return err
}

// GetHistory returns daily candles for the lookback window, newest last.
func (p *Pool) GetHistory(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	code := domain.CanonicalTicker(ticker)
	cacheKey := fmt.Sprintf("%s:%d", code, days)
	if cached, ok := p.historyCache.Get(cacheKey, p.now()); ok {
		return cached, nil
	}

	sources := p.candidates(code)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no source for %s: %w", code, domain.ErrSourceExhausted)
	}

	var lastErr error
	for _, s := range sources {
		var candles []domain.Candle
		err := p.attempt(ctx, s, func() error {
			var fetchErr error
			candles, fetchErr = s.History(ctx, code, days)
			if fetchErr == nil && len(candles) == 0 {
				fetchErr = fmt.Errorf("empty series: %w", domain.ErrInvalidResponse)
			}
			if fetchErr == nil {
				fetchErr = validateSeries(candles)
			}
			return fetchErr
		})
		if err == nil {
			p.historyCache.Set(cacheKey, candles, p.now(), p.historyTTL)
			return candles, nil
		}
		lastErr = err
		p.log.Debug().Str("source", s.ID()).Str("ticker", code).Err(err).Msg("history fetch failed, trying next source")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("history for %s: %w (last: %v)", code, domain.ErrSourceExhausted, lastErr)
}

// GetRealtime returns a live quote, memoized under a short TTL.
func (p *Pool) GetRealtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	code := domain.CanonicalTicker(ticker)
	if cached, ok := p.quoteCache.Get(code, p.now()); ok {
		return cached, nil
	}

	sources := p.candidates(code)
	if len(sources) == 0 {
		return nil, fmt.Errorf("no source for %s: %w", code, domain.ErrSourceExhausted)
	}

	var lastErr error
	for _, s := range sources {
		var quote *domain.Quote
		err := p.attempt(ctx, s, func() error {
			var fetchErr error
			quote, fetchErr = s.Realtime(ctx, code)
			if fetchErr == nil && (quote == nil || quote.Price <= 0) {
				fetchErr = fmt.Errorf("bad quote: %w", domain.ErrInvalidResponse)
			}
			return fetchErr
		})
		if err == nil {
			p.quoteCache.Set(code, quote, p.now(), p.quoteTTL)
			return quote, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("realtime for %s: %w (last: %v)", code, domain.ErrSourceExhausted, lastErr)
}

// PrefetchRealtime warms the quote cache for a batch, preferring sources
// that support batched quoting. Failures are silent; individual GetRealtime
// calls will fall back to single fetches.
func (p *Pool) PrefetchRealtime(ctx context.Context, tickers []string) {
	remaining := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		code := domain.CanonicalTicker(t)
		if _, ok := p.quoteCache.Get(code, p.now()); !ok {
			remaining[code] = true
		}
	}
	if len(remaining) == 0 {
		return
	}

	for _, s := range p.sources {
		batch, ok := s.(BatchSource)
		if !ok || p.disabled[s.ID()] {
			continue
		}
		var want []string
		for code := range remaining {
			market := domain.InferMarket(code)
			if market == "" || s.SupportsMarket(market) {
				want = append(want, code)
			}
		}
		if len(want) == 0 {
			continue
		}
		quotes, err := batch.BatchRealtime(ctx, want)
		if err != nil {
			p.log.Debug().Str("source", s.ID()).Err(err).Msg("batch prefetch failed")
			continue
		}
		for code, quote := range quotes {
			if quote != nil && quote.Price > 0 {
				p.quoteCache.Set(code, quote, p.now(), p.quoteTTL)
				delete(remaining, code)
			}
		}
		if len(remaining) == 0 {
			return
		}
	}
}

// GetName resolves a human-readable name, falling back to a placeholder
// that the pipeline backfills from the model response later.
func (p *Pool) GetName(ctx context.Context, ticker string) (string, error) {
	code := domain.CanonicalTicker(ticker)
	if cached, ok := p.nameCache.Get(code, p.now()); ok {
		return cached, nil
	}

	for _, s := range p.candidates(code) {
		var name string
		err := p.attempt(ctx, s, func() error {
			var fetchErr error
			name, fetchErr = s.ResolveName(ctx, code)
			if fetchErr == nil && name == "" {
				fetchErr = fmt.Errorf("empty name: %w", domain.ErrInvalidResponse)
			}
			return fetchErr
		})
		if err == nil {
			p.nameCache.Set(code, name, p.now(), 24*time.Hour)
			return name, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("name for %s: %w", code, domain.ErrNotFound)
}

// validateSeries enforces the candle invariant: strictly increasing dates.
func validateSeries(candles []domain.Candle) error {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Date.After(candles[i-1].Date) {
			return fmt.Errorf("candle dates not strictly increasing at index %d: %w", i, domain.ErrInvalidResponse)
		}
	}
	return nil
}
