package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
)

// risingSeries builds n daily candles climbing steadily from a base price.
func risingSeries(n int, base float64) []domain.Candle {
	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, n)
	price := base
	for i := range candles {
		price += 0.5
		candles[i] = domain.Candle{
			Date:   start.AddDate(0, 0, i),
			Open:   price - 0.3,
			High:   price + 0.4,
			Low:    price - 0.5,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	return candles
}

func TestComputeRisingSeries(t *testing.T) {
	snap, err := Compute(risingSeries(60, 100), nil, Options{})
	require.NoError(t, err)

	assert.True(t, snap.BullishAlignment, "steadily rising closes should align MA5>MA10>MA20")
	assert.Greater(t, snap.MA5, snap.MA10)
	assert.Greater(t, snap.MA10, snap.MA20)
	assert.Greater(t, snap.BiasPct, 0.0)
	assert.False(t, snap.Intraday)
	assert.GreaterOrEqual(t, snap.TrendStrength, 70.0)
}

func TestComputeTooFewCandles(t *testing.T) {
	_, err := Compute(risingSeries(10, 100), nil, Options{})
	assert.Error(t, err)
}

func TestVirtualCandleInjection(t *testing.T) {
	candles := risingSeries(60, 100)
	lastClose := candles[len(candles)-1].Close
	now := candles[len(candles)-1].Date.AddDate(0, 0, 1)

	quote := &domain.Quote{
		Ticker:    "600519",
		Price:     lastClose + 5,
		Timestamp: now,
	}

	with, err := Compute(candles, quote, Options{RealtimeEnabled: true, Now: now})
	require.NoError(t, err)
	without, err := Compute(candles, nil, Options{})
	require.NoError(t, err)

	assert.True(t, with.Intraday)
	assert.Greater(t, with.MA5, without.MA5, "virtual candle at a higher price must lift MA5")
}

func TestVirtualCandleSkippedWhenDisabled(t *testing.T) {
	candles := risingSeries(60, 100)
	now := candles[len(candles)-1].Date.AddDate(0, 0, 1)
	quote := &domain.Quote{Price: 200, Timestamp: now}

	snap, err := Compute(candles, quote, Options{RealtimeEnabled: false, Now: now})
	require.NoError(t, err)
	assert.False(t, snap.Intraday)
}

func TestVirtualCandleSkippedForStaleQuote(t *testing.T) {
	candles := risingSeries(60, 100)
	// Quote timestamped on the last candle's day carries no new information.
	quote := &domain.Quote{Price: 200, Timestamp: candles[len(candles)-1].Date}
	now := candles[len(candles)-1].Date.AddDate(0, 0, 1)

	snap, err := Compute(candles, quote, Options{RealtimeEnabled: true, Now: now})
	require.NoError(t, err)
	assert.False(t, snap.Intraday)
}

func TestBiasMeasuredAgainstMA5(t *testing.T) {
	snap, err := Compute(risingSeries(60, 100), nil, Options{})
	require.NoError(t, err)

	// Closes climb by 0.5 per bar, so MA5 trails the last close by 1.0.
	last := 100 + 0.5*60
	want := (last - snap.MA5) / snap.MA5 * 100
	assert.InDelta(t, want, snap.BiasPct, 1e-9)
	assert.InDelta(t, last-1.0, snap.MA5, 1e-9)
}

func TestBiasAcceptable(t *testing.T) {
	snap := &domain.TechnicalSnapshot{BiasPct: 6, BullishAlignment: false, TrendStrength: 40}
	assert.False(t, BiasAcceptable(snap, 5))

	// Strong trend widens the band to 7.5.
	strong := &domain.TechnicalSnapshot{BiasPct: 6, BullishAlignment: true, TrendStrength: 80}
	assert.True(t, BiasAcceptable(strong, 5))
}

func TestVolumeRatioDescription(t *testing.T) {
	candles := risingSeries(60, 100)
	candles[len(candles)-1].Volume = 3_000_000

	snap, err := Compute(candles, nil, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, snap.VolumeRatio, 0.01)
	assert.Equal(t, "显著放量", snap.VolumeDesc)
}
