// Package indicators computes technical indicators over daily candle
// series. All functions are pure; no I/O happens here.
package indicators

import (
	"fmt"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/minglu/stockintel/internal/domain"
)

const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	rsiPeriod  = 14

	// minBars is the shortest series MACD(12,26,9) can be computed on.
	minBars = macdSlow + macdSignal
)

// Options controls snapshot computation.
type Options struct {
	// RealtimeEnabled injects a virtual candle from the live quote when the
	// quote is from the current trading day.
	RealtimeEnabled bool
	Now             time.Time
}

// Compute derives a TechnicalSnapshot from a candle series and an optional
// live quote.
func Compute(candles []domain.Candle, quote *domain.Quote, opts Options) (*domain.TechnicalSnapshot, error) {
	if len(candles) < minBars {
		return nil, fmt.Errorf("need at least %d candles, got %d", minBars, len(candles))
	}

	series := candles
	intraday := false
	if quote != nil && opts.RealtimeEnabled && isCurrentDayQuote(candles, quote, opts.Now) {
		series = appendVirtualCandle(candles, quote)
		intraday = true
	}

	closes := make([]float64, len(series))
	volumes := make([]float64, len(series))
	for i, c := range series {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}
	last := len(closes) - 1

	ma5 := talib.Ma(closes, 5, talib.SMA)
	ma10 := talib.Ma(closes, 10, talib.SMA)
	ma20 := talib.Ma(closes, 20, talib.SMA)
	macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	rsi := talib.Rsi(closes, rsiPeriod)

	snap := &domain.TechnicalSnapshot{
		MA5:        ma5[last],
		MA10:       ma10[last],
		MA20:       ma20[last],
		MACD:       macd[last],
		MACDSignal: signal[last],
		MACDHist:   hist[last],
		RSI14:      rsi[last],
		Intraday:   intraday,
	}

	if snap.MA5 != 0 {
		snap.BiasPct = (closes[last] - snap.MA5) / snap.MA5 * 100
	}
	snap.BullishAlignment = snap.MA5 > snap.MA10 && snap.MA10 > snap.MA20
	snap.TrendStrength = trendStrength(closes, ma20, snap)

	if ratio, ok := volumeRatio(volumes); ok {
		snap.VolumeRatio = ratio
		snap.VolumeDesc = describeVolumeRatio(ratio)
	}

	return snap, nil
}

// isCurrentDayQuote reports whether the quote belongs to a day newer than
// the last candle, i.e. it carries intraday information not yet in the
// series.
func isCurrentDayQuote(candles []domain.Candle, quote *domain.Quote, now time.Time) bool {
	if quote.Price <= 0 {
		return false
	}
	lastDate := candles[len(candles)-1].Date
	if !quote.Timestamp.After(lastDate) {
		return false
	}
	if now.IsZero() {
		return true
	}
	qy, qm, qd := quote.Timestamp.Date()
	ny, nm, nd := now.Date()
	return qy == ny && qm == nm && qd == nd
}

// appendVirtualCandle adds a synthetic bar whose close is the live price.
// Open/high/low carry the prior close forward; they only matter for MA
// continuity, not for range indicators.
func appendVirtualCandle(candles []domain.Candle, quote *domain.Quote) []domain.Candle {
	prior := candles[len(candles)-1]
	virtual := domain.Candle{
		Date:   quote.Timestamp,
		Open:   prior.Close,
		High:   prior.Close,
		Low:    prior.Close,
		Close:  quote.Price,
		Volume: quote.Volume,
	}
	out := make([]domain.Candle, len(candles), len(candles)+1)
	copy(out, candles)
	return append(out, virtual)
}

// trendStrength scores the trend 0-100 from alignment, momentum and slope.
func trendStrength(closes, ma20 []float64, snap *domain.TechnicalSnapshot) float64 {
	last := len(closes) - 1
	score := 0.0

	if snap.BullishAlignment {
		score += 30
	}
	if snap.MACDHist > 0 {
		score += 20
	}
	if snap.RSI14 >= 50 && snap.RSI14 <= 75 {
		score += 20
	}
	if closes[last] > snap.MA20 {
		score += 15
	}
	// MA20 slope over the last five bars.
	if last >= 5 && ma20[last] > ma20[last-5] {
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return score
}

// BiasAcceptable applies the bias gate: price more than threshold percent
// above MA5 rules out chasing. A strong trend widens the band to 1.5x.
func BiasAcceptable(snap *domain.TechnicalSnapshot, threshold float64) bool {
	limit := threshold
	if snap.BullishAlignment && snap.TrendStrength >= 70 {
		limit = threshold * 1.5
	}
	return snap.BiasPct <= limit
}

// volumeRatio compares the latest volume to the average of the prior five
// sessions.
func volumeRatio(volumes []float64) (float64, bool) {
	last := len(volumes) - 1
	if last < 5 {
		return 0, false
	}
	var sum float64
	for _, v := range volumes[last-5 : last] {
		sum += v
	}
	avg := sum / 5
	if avg <= 0 || volumes[last] <= 0 {
		return 0, false
	}
	return volumes[last] / avg, true
}

func describeVolumeRatio(ratio float64) string {
	switch {
	case ratio < 0.5:
		return "明显缩量"
	case ratio < 0.8:
		return "缩量"
	case ratio <= 1.5:
		return "量能正常"
	case ratio <= 2.5:
		return "温和放量"
	case ratio <= 4.0:
		return "显著放量"
	default:
		return "巨量放量"
	}
}
