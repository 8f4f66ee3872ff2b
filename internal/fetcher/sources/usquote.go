package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// USQuote serves US equities and indices through the Yahoo chart endpoint.
// One call yields history, the live price and the long name, so all three
// capabilities share the same request path. Index aliases (SPX, DJI, ...)
// are mapped to caret symbols before dispatch.
type USQuote struct {
	baseURL    string
	httpClient *http.Client
	priority   int
	log        zerolog.Logger
}

// NewUSQuote creates the adapter.
func NewUSQuote(priority int, timeout time.Duration, log zerolog.Logger) *USQuote {
	return &USQuote{
		baseURL:    "https://query1.finance.yahoo.com",
		httpClient: &http.Client{Timeout: timeout},
		priority:   priority,
		log:        log.With().Str("component", "usquote").Logger(),
	}
}

func (u *USQuote) ID() string    { return "usquote" }
func (u *USQuote) Priority() int { return u.priority }

func (u *USQuote) SupportsMarket(m domain.Market) bool {
	return m == domain.MarketUS
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				LongName           string  `json:"longName"`
				ShortName          string  `json:"shortName"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// fetchChart loads the chart payload for a range.
func (u *USQuote) fetchChart(ctx context.Context, ticker, rangeSpec string) (*chartResponse, error) {
	if domain.InferMarket(ticker) != domain.MarketUS {
		return nil, fmt.Errorf("us chart for %s: %w", ticker, domain.ErrMarketUnsupported)
	}
	symbol := domain.USIndexSymbol(ticker)

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=%s&interval=1d",
		u.baseURL, url.PathEscape(symbol), rangeSpec)

	var resp chartResponse
	if err := getJSON(ctx, u.httpClient, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("chart error %s: %s", resp.Chart.Error.Code, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return nil, fmt.Errorf("empty chart result for %s: %w", ticker, domain.ErrInvalidResponse)
	}
	return &resp, nil
}

// History fetches daily candles, oldest first. Null bars (halts, partial
// sessions) are skipped.
func (u *USQuote) History(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	rangeSpec := fmt.Sprintf("%dd", days*2)
	resp, err := u.fetchChart(ctx, ticker, rangeSpec)
	if err != nil {
		return nil, err
	}

	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no quote block for %s: %w", ticker, domain.ErrInvalidResponse)
	}
	bars := result.Indicators.Quote[0]

	candles := make([]domain.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(bars.Close) || bars.Close[i] == nil {
			continue
		}
		candle := domain.Candle{
			Date:  time.Unix(ts, 0).UTC().Truncate(24 * time.Hour),
			Close: *bars.Close[i],
		}
		if i < len(bars.Open) && bars.Open[i] != nil {
			candle.Open = *bars.Open[i]
		}
		if i < len(bars.High) && bars.High[i] != nil {
			candle.High = *bars.High[i]
		}
		if i < len(bars.Low) && bars.Low[i] != nil {
			candle.Low = *bars.Low[i]
		}
		if i < len(bars.Volume) && bars.Volume[i] != nil {
			candle.Volume = *bars.Volume[i]
		}
		candles = append(candles, candle)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no usable bars for %s: %w", ticker, domain.ErrInvalidResponse)
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

// Realtime derives a live quote from chart metadata.
func (u *USQuote) Realtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	resp, err := u.fetchChart(ctx, ticker, "5d")
	if err != nil {
		return nil, err
	}

	meta := resp.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return nil, fmt.Errorf("no market price for %s: %w", ticker, domain.ErrInvalidResponse)
	}

	quote := &domain.Quote{
		Ticker:    domain.CanonicalTicker(ticker),
		Name:      firstNonEmpty(meta.LongName, meta.ShortName),
		Price:     meta.RegularMarketPrice,
		Timestamp: time.Unix(meta.RegularMarketTime, 0),
		SourceID:  u.ID(),
	}
	if meta.RegularMarketTime == 0 {
		quote.Timestamp = time.Now()
	}
	if meta.PreviousClose > 0 {
		quote.ChangePct = (meta.RegularMarketPrice - meta.PreviousClose) / meta.PreviousClose * 100
	}
	return quote, nil
}

// ResolveName resolves the long name from chart metadata.
func (u *USQuote) ResolveName(ctx context.Context, ticker string) (string, error) {
	resp, err := u.fetchChart(ctx, ticker, "5d")
	if err != nil {
		return "", err
	}
	meta := resp.Chart.Result[0].Meta
	name := firstNonEmpty(meta.LongName, meta.ShortName, meta.Symbol)
	if name == "" {
		return "", fmt.Errorf("no name for %s: %w", ticker, domain.ErrNotFound)
	}
	return name, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
