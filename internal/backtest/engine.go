// Package backtest simulates long-only daily-bar strategies over historical
// candles and persists the resulting metrics.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/minglu/stockintel/internal/domain"
)

// EngineVersion is stamped on every stored result. Rows produced by older
// engines stay valid.
const EngineVersion = "v1"

// Strategy names the engine knows.
const (
	StrategyMACross = "ma_cross"
	StrategyMACD    = "macd"
)

// ErrUnknownStrategy is returned for a strategy name the engine does not
// implement.
var ErrUnknownStrategy = errors.New("unknown backtest strategy")

// tradingDaysPerYear annualizes returns from daily bars.
const tradingDaysPerYear = 252

// Params tunes a strategy. Zero values use the strategy defaults.
type Params struct {
	Fast int `json:"fast,omitempty"`
	Slow int `json:"slow,omitempty"`
}

func (p Params) withDefaults() Params {
	if p.Fast <= 0 {
		p.Fast = 5
	}
	if p.Slow <= p.Fast {
		p.Slow = 20
		if p.Slow <= p.Fast {
			p.Slow = p.Fast * 4
		}
	}
	return p
}

// Trade is one completed round trip. ReturnPct is a fraction.
type Trade struct {
	EntryDate  time.Time `json:"entry_date"`
	ExitDate   time.Time `json:"exit_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	ReturnPct  float64   `json:"return_pct"`
}

// Metrics is the outcome of one simulation. Returns, drawdown and win rate
// are fractions.
type Metrics struct {
	StartDate        string  `json:"start_date"`
	EndDate          string  `json:"end_date"`
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	TradeCount       int     `json:"trade_count"`
	Trades           []Trade `json:"trades,omitempty"`
}

// Run simulates the named strategy over the candle series. The system is
// long-only: a bullish signal enters at that bar's close, losing the signal
// exits at the close, and an open position is closed on the final bar.
func Run(strategy string, candles []domain.Candle, params Params) (*Metrics, error) {
	params = params.withDefaults()

	long, minBars, err := signalSeries(strategy, candles, params)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		StartDate: candles[0].Date.Format("2006-01-02"),
		EndDate:   candles[len(candles)-1].Date.Format("2006-01-02"),
	}

	equity := 1.0
	peak := 1.0
	inPos := false
	var entry domain.Candle

	closeTrade := func(exit domain.Candle) {
		ret := exit.Close/entry.Close - 1
		m.Trades = append(m.Trades, Trade{
			EntryDate:  entry.Date,
			ExitDate:   exit.Date,
			EntryPrice: entry.Close,
			ExitPrice:  exit.Close,
			ReturnPct:  ret,
		})
		if ret > 0 {
			m.WinRate++ // running win count, normalized below
		}
		inPos = false
	}

	for i := minBars; i < len(candles); i++ {
		if inPos {
			equity *= candles[i].Close / candles[i-1].Close
			if equity > peak {
				peak = equity
			}
			if dd := equity/peak - 1; dd < m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}

		switch {
		case long[i] && !inPos:
			inPos = true
			entry = candles[i]
		case !long[i] && inPos:
			closeTrade(candles[i])
		}
	}
	if inPos {
		closeTrade(candles[len(candles)-1])
	}

	m.TradeCount = len(m.Trades)
	if m.TradeCount > 0 {
		m.WinRate /= float64(m.TradeCount)
	}
	m.TotalReturn = equity - 1
	m.AnnualizedReturn = annualize(m.TotalReturn, len(candles)-minBars)
	return m, nil
}

// signalSeries returns the per-bar long signal plus the first index the
// signal is valid at.
func signalSeries(strategy string, candles []domain.Candle, params Params) ([]bool, int, error) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	long := make([]bool, len(candles))
	switch strategy {
	case StrategyMACross:
		if len(candles) <= params.Slow {
			return nil, params.Slow, fmt.Errorf("strategy %s needs at least %d candles, got %d",
				strategy, params.Slow+1, len(candles))
		}
		fast := talib.Ma(closes, params.Fast, talib.SMA)
		slow := talib.Ma(closes, params.Slow, talib.SMA)
		for i := params.Slow; i < len(candles); i++ {
			long[i] = fast[i] > slow[i]
		}
		return long, params.Slow, nil
	case StrategyMACD:
		const minBars = 26 + 9 - 2 // slow EMA warmup plus signal line
		if len(candles) <= minBars {
			return nil, minBars, fmt.Errorf("strategy %s needs at least %d candles, got %d",
				strategy, minBars+1, len(candles))
		}
		_, _, hist := talib.Macd(closes, 12, 26, 9)
		for i := minBars; i < len(candles); i++ {
			long[i] = hist[i] > 0
		}
		return long, minBars, nil
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
}

// annualize scales a total return over n daily bars to a yearly rate.
func annualize(total float64, bars int) float64 {
	if bars <= 0 || 1+total <= 0 {
		return total
	}
	return math.Pow(1+total, tradingDaysPerYear/float64(bars)) - 1
}
