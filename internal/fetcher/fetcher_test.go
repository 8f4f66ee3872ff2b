package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
)

// stubSource is a recording fake; every call increments its counters.
type stubSource struct {
	id       string
	priority int
	markets  map[domain.Market]bool

	historyCalls  atomic.Int64
	realtimeCalls atomic.Int64

	historyErr  error
	realtimeErr error
	candles     []domain.Candle
	quote       *domain.Quote
}

func (s *stubSource) ID() string    { return s.id }
func (s *stubSource) Priority() int { return s.priority }

func (s *stubSource) SupportsMarket(m domain.Market) bool { return s.markets[m] }

func (s *stubSource) History(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	s.historyCalls.Add(1)
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.candles, nil
}

func (s *stubSource) Realtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	s.realtimeCalls.Add(1)
	if s.realtimeErr != nil {
		return nil, s.realtimeErr
	}
	return s.quote, nil
}

func (s *stubSource) ResolveName(ctx context.Context, ticker string) (string, error) {
	return "Stub Corp", nil
}

func series(n int) []domain.Candle {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{Date: start.AddDate(0, 0, i), Close: 100 + float64(i), Open: 99, High: 101, Low: 98, Volume: 1000}
	}
	return out
}

func cnSource(id string, priority int) *stubSource {
	return &stubSource{
		id: id, priority: priority,
		markets: map[domain.Market]bool{domain.MarketCN: true, domain.MarketHK: true},
		candles: series(30),
		quote:   &domain.Quote{Ticker: "600519", Price: 1700, Timestamp: time.Now(), SourceID: id},
	}
}

func usSource() *stubSource {
	return &stubSource{
		id: USQuoteSourceID, priority: 99,
		markets: map[domain.Market]bool{domain.MarketUS: true},
		candles: series(30),
		quote:   &domain.Quote{Ticker: "AAPL", Price: 210, Timestamp: time.Now(), SourceID: USQuoteSourceID},
	}
}

func newTestPool(sources ...Source) *Pool {
	return NewPool(Config{}, zerolog.Nop(), sources...)
}

func TestRoutingHonorsMarket(t *testing.T) {
	cn := cnSource("tushare", 1)
	us := usSource()
	pool := newTestPool(cn, us)

	_, err := pool.GetHistory(context.Background(), "600519", 30)
	require.NoError(t, err)

	assert.Equal(t, int64(1), cn.historyCalls.Load())
	assert.Equal(t, int64(0), us.historyCalls.Load(), "A-share must never touch the US source")
}

func TestUSTickerRoutesToUSSourceOnly(t *testing.T) {
	cn := cnSource("tushare", 1)
	us := usSource()
	pool := newTestPool(cn, us)

	_, err := pool.GetRealtime(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, int64(0), cn.realtimeCalls.Load())
	assert.Equal(t, int64(1), us.realtimeCalls.Load())
}

func TestPriorityOrderAndFallback(t *testing.T) {
	first := cnSource("tushare", 1)
	first.historyErr = fmt.Errorf("upstream down")
	second := cnSource("eastmoney", 2)
	pool := newTestPool(first, second)

	candles, err := pool.GetHistory(context.Background(), "600519", 30)
	require.NoError(t, err)
	assert.Len(t, candles, 30)

	// First source is retried once, then the pool advances.
	assert.Equal(t, int64(2), first.historyCalls.Load())
	assert.Equal(t, int64(1), second.historyCalls.Load())
}

func TestQuoteCacheHitIssuesNoCall(t *testing.T) {
	src := cnSource("eastmoney", 1)
	pool := newTestPool(src)

	_, err := pool.GetRealtime(context.Background(), "600519")
	require.NoError(t, err)
	_, err = pool.GetRealtime(context.Background(), "600519")
	require.NoError(t, err)

	assert.Equal(t, int64(1), src.realtimeCalls.Load(), "second call within TTL must be served from cache")
}

func TestHistoryCacheKeyIncludesLookback(t *testing.T) {
	src := cnSource("eastmoney", 1)
	pool := newTestPool(src)

	_, err := pool.GetHistory(context.Background(), "600519", 30)
	require.NoError(t, err)
	_, err = pool.GetHistory(context.Background(), "600519", 60)
	require.NoError(t, err)

	assert.Equal(t, int64(2), src.historyCalls.Load())
}

func TestCircuitBreakerOpensAndSkips(t *testing.T) {
	src := cnSource("eastmoney", 1)
	src.realtimeErr = fmt.Errorf("boom")
	pool := NewPool(Config{BreakerThreshold: 2, BreakerCooldown: time.Hour, QuoteTTL: time.Nanosecond}, zerolog.Nop(), src)

	// Each pool call attempts the source twice (one retry), so one call
	// crosses the threshold of 2.
	_, err := pool.GetRealtime(context.Background(), "600519")
	require.Error(t, err)
	calls := src.realtimeCalls.Load()

	_, err = pool.GetRealtime(context.Background(), "600519")
	require.ErrorIs(t, err, domain.ErrSourceExhausted)
	assert.Equal(t, calls, src.realtimeCalls.Load(), "open breaker must skip the source without attempt")
}

func TestMarketUnsupportedDoesNotTripBreaker(t *testing.T) {
	src := cnSource("sina", 1)
	src.historyErr = fmt.Errorf("no history: %w", domain.ErrMarketUnsupported)
	backup := cnSource("eastmoney", 2)
	pool := NewPool(Config{BreakerThreshold: 1, BreakerCooldown: time.Hour}, zerolog.Nop(), src, backup)

	for i := 0; i < 3; i++ {
		_, err := pool.GetHistory(context.Background(), fmt.Sprintf("60051%d", i), 30)
		require.NoError(t, err)
	}
	assert.False(t, pool.breakers["sina"].Open(time.Now()))
}

func TestAllSourcesDisabledReturnsExhausted(t *testing.T) {
	src := cnSource("eastmoney", 1)
	pool := NewPool(Config{Disabled: []string{"eastmoney"}}, zerolog.Nop(), src)

	_, err := pool.GetHistory(context.Background(), "600519", 30)
	assert.ErrorIs(t, err, domain.ErrSourceExhausted)
	assert.Equal(t, int64(0), src.historyCalls.Load())
}

func TestPriorityOverride(t *testing.T) {
	a := cnSource("tushare", 1)
	b := cnSource("eastmoney", 2)
	pool := NewPool(Config{PriorityOverride: map[string]int{"eastmoney": 0}}, zerolog.Nop(), a, b)

	_, err := pool.GetHistory(context.Background(), "600519", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.historyCalls.Load())
	assert.Equal(t, int64(1), b.historyCalls.Load())
}

func TestValidateSeriesRejectsDuplicateDates(t *testing.T) {
	bad := series(10)
	bad[5].Date = bad[4].Date
	assert.ErrorIs(t, validateSeries(bad), domain.ErrInvalidResponse)
	assert.NoError(t, validateSeries(series(10)))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure(now)
	assert.False(t, b.Allow(now), "open breaker blocks inside cooldown")

	// After the cooldown one probe is allowed; success closes the breaker.
	later := now.Add(2 * time.Minute)
	assert.True(t, b.Allow(later))
	b.RecordSuccess()
	assert.True(t, b.Allow(later))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(1, time.Minute)
	now := time.Now()

	b.RecordFailure(now)
	later := now.Add(2 * time.Minute)
	require.True(t, b.Allow(later))
	b.RecordFailure(later)
	assert.False(t, b.Allow(later.Add(time.Second)))
}

func TestStaleError(t *testing.T) {
	src := cnSource("eastmoney", 1)
	src.quote = &domain.Quote{Price: 0}
	pool := newTestPool(src)

	_, err := pool.GetRealtime(context.Background(), "600519")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSourceExhausted))
}
