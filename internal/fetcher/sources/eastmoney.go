package sources

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// Eastmoney serves A-share and Hong Kong candles, quotes and names through
// the public push2 endpoints. It supports batched realtime quoting.
type Eastmoney struct {
	baseURL    string
	histURL    string
	httpClient *http.Client
	priority   int
	log        zerolog.Logger
}

// NewEastmoney creates the adapter.
func NewEastmoney(priority int, timeout time.Duration, log zerolog.Logger) *Eastmoney {
	return &Eastmoney{
		baseURL:    "https://push2.eastmoney.com",
		histURL:    "https://push2his.eastmoney.com",
		httpClient: &http.Client{Timeout: timeout},
		priority:   priority,
		log:        log.With().Str("component", "eastmoney").Logger(),
	}
}

func (e *Eastmoney) ID() string    { return "eastmoney" }
func (e *Eastmoney) Priority() int { return e.priority }

func (e *Eastmoney) SupportsMarket(m domain.Market) bool {
	return m == domain.MarketCN || m == domain.MarketHK
}

// secID converts a canonical ticker to the push2 security id.
// Shanghai listings are market 1, Shenzhen 0, Hong Kong 116.
func secID(ticker string) (string, error) {
	switch domain.InferMarket(ticker) {
	case domain.MarketCN:
		if strings.HasPrefix(ticker, "6") || strings.HasPrefix(ticker, "9") {
			return "1." + ticker, nil
		}
		return "0." + ticker, nil
	case domain.MarketHK:
		return "116." + ticker, nil
	default:
		return "", fmt.Errorf("secid for %s: %w", ticker, domain.ErrMarketUnsupported)
	}
}

type emKlineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// History fetches daily forward-adjusted candles, oldest first.
func (e *Eastmoney) History(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	sid, err := secID(ticker)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf(
		"%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=1&end=20500101&lmt=%d"+
			"&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57",
		e.histURL, sid, days)

	var resp emKlineResponse
	if err := getJSON(ctx, e.httpClient, url, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, fmt.Errorf("no kline data for %s: %w", ticker, domain.ErrInvalidResponse)
	}

	candles := make([]domain.Candle, 0, len(resp.Data.Klines))
	for _, line := range resp.Data.Klines {
		candle, err := parseKline(line)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline parses "2025-06-04,100.1,101.2,102.0,99.8,12345,678901.0".
// Field order: date, open, close, high, low, volume, amount.
func parseKline(line string) (domain.Candle, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 6 {
		return domain.Candle{}, fmt.Errorf("malformed kline %q: %w", line, domain.ErrInvalidResponse)
	}
	date, err := time.Parse("2006-01-02", parts[0])
	if err != nil {
		return domain.Candle{}, fmt.Errorf("malformed kline date %q: %w", parts[0], domain.ErrInvalidResponse)
	}

	nums := make([]float64, 0, 6)
	for _, p := range parts[1:] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return domain.Candle{}, fmt.Errorf("malformed kline value %q: %w", p, domain.ErrInvalidResponse)
		}
		nums = append(nums, v)
	}

	candle := domain.Candle{
		Date:   date,
		Open:   nums[0],
		Close:  nums[1],
		High:   nums[2],
		Low:    nums[3],
		Volume: nums[4],
	}
	if len(nums) > 5 {
		candle.Amount = nums[5]
	}
	return candle, nil
}

type emQuoteResponse struct {
	Data *struct {
		Diff []emQuoteRow `json:"diff"`
	} `json:"data"`
}

type emQuoteRow struct {
	Price     float64 `json:"f2"`
	ChangePct float64 `json:"f3"`
	Volume    float64 `json:"f5"`
	Code      string  `json:"f12"`
	Name      string  `json:"f14"`
}

// Realtime fetches a single live quote.
func (e *Eastmoney) Realtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	quotes, err := e.BatchRealtime(ctx, []string{ticker})
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[domain.CanonicalTicker(ticker)]
	if !ok {
		return nil, fmt.Errorf("no quote for %s: %w", ticker, domain.ErrInvalidResponse)
	}
	return quote, nil
}

// BatchRealtime quotes many tickers in one request. Prices come scaled by
// 100 from the ulist endpoint.
func (e *Eastmoney) BatchRealtime(ctx context.Context, tickers []string) (map[string]*domain.Quote, error) {
	sids := make([]string, 0, len(tickers))
	for _, t := range tickers {
		sid, err := secID(domain.CanonicalTicker(t))
		if err != nil {
			continue
		}
		sids = append(sids, sid)
	}
	if len(sids) == 0 {
		return nil, fmt.Errorf("batch realtime: %w", domain.ErrMarketUnsupported)
	}

	url := fmt.Sprintf(
		"%s/api/qt/ulist.np/get?secids=%s&fields=f2,f3,f5,f12,f14&fltt=2&invt=2",
		e.baseURL, strings.Join(sids, ","))

	var resp emQuoteResponse
	if err := getJSON(ctx, e.httpClient, url, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("no quote data: %w", domain.ErrInvalidResponse)
	}

	now := time.Now()
	quotes := make(map[string]*domain.Quote, len(resp.Data.Diff))
	for _, row := range resp.Data.Diff {
		code := domain.CanonicalTicker(row.Code)
		quotes[code] = &domain.Quote{
			Ticker:    code,
			Name:      row.Name,
			Price:     row.Price,
			ChangePct: row.ChangePct,
			Volume:    row.Volume,
			Timestamp: now,
			SourceID:  e.ID(),
		}
	}
	return quotes, nil
}

type emSectorResponse struct {
	Data *struct {
		Diff []emSectorRow `json:"diff"`
	} `json:"data"`
}

type emSectorRow struct {
	ChangePct float64 `json:"f3"`
	Turnover  float64 `json:"f6"`
	Code      string  `json:"f12"`
	Name      string  `json:"f14"`
}

// SectorRankings lists industry boards sorted by daily change, best first.
func (e *Eastmoney) SectorRankings(ctx context.Context, limit int) ([]domain.SectorRank, error) {
	if limit <= 0 {
		limit = 10
	}
	url := fmt.Sprintf(
		"%s/api/qt/clist/get?pn=1&pz=%d&po=1&fid=f3&fs=m:90+t:2&fields=f3,f6,f12,f14&fltt=2&invt=2",
		e.baseURL, limit)

	var resp emSectorResponse
	if err := getJSON(ctx, e.httpClient, url, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Diff) == 0 {
		return nil, fmt.Errorf("no sector data: %w", domain.ErrInvalidResponse)
	}

	ranks := make([]domain.SectorRank, 0, len(resp.Data.Diff))
	for _, row := range resp.Data.Diff {
		ranks = append(ranks, domain.SectorRank{
			Code:      row.Code,
			Name:      row.Name,
			ChangePct: row.ChangePct,
			Turnover:  row.Turnover,
		})
	}
	return ranks, nil
}

// ResolveName resolves the display name via the quote endpoint.
func (e *Eastmoney) ResolveName(ctx context.Context, ticker string) (string, error) {
	quote, err := e.Realtime(ctx, ticker)
	if err != nil {
		return "", err
	}
	return quote.Name, nil
}
