package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// Tushare serves A-share daily candles and names through the pro API.
// It requires a token; without one the adapter should not be registered.
type Tushare struct {
	baseURL    string
	token      string
	httpClient *http.Client
	priority   int
	log        zerolog.Logger
}

// NewTushare creates the adapter.
func NewTushare(token string, priority int, timeout time.Duration, log zerolog.Logger) *Tushare {
	return &Tushare{
		baseURL:    "http://api.tushare.pro",
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		priority:   priority,
		log:        log.With().Str("component", "tushare").Logger(),
	}
}

func (t *Tushare) ID() string    { return "tushare" }
func (t *Tushare) Priority() int { return t.priority }

func (t *Tushare) SupportsMarket(m domain.Market) bool {
	return m == domain.MarketCN
}

// tsCode converts a canonical A-share code to tushare's suffixed form.
func tsCode(ticker string) (string, error) {
	if domain.InferMarket(ticker) != domain.MarketCN {
		return "", fmt.Errorf("ts_code for %s: %w", ticker, domain.ErrMarketUnsupported)
	}
	if strings.HasPrefix(ticker, "6") || strings.HasPrefix(ticker, "9") {
		return ticker + ".SH", nil
	}
	if strings.HasPrefix(ticker, "8") || strings.HasPrefix(ticker, "4") {
		return ticker + ".BJ", nil
	}
	return ticker + ".SZ", nil
}

type tushareRequest struct {
	APIName string                 `json:"api_name"`
	Token   string                 `json:"token"`
	Params  map[string]interface{} `json:"params"`
	Fields  string                 `json:"fields,omitempty"`
}

type tushareResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]interface{} `json:"items"`
	} `json:"data"`
}

// call posts one API request and decodes the tabular response.
func (t *Tushare) call(ctx context.Context, apiName string, params map[string]interface{}, fields string) (*tushareResponse, error) {
	payload, err := json.Marshal(tushareRequest{APIName: apiName, Token: t.token, Params: params, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var parsed tushareResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (%w)", err, domain.ErrInvalidResponse)
	}
	if parsed.Code != 0 {
		if strings.Contains(parsed.Msg, "每分钟") || strings.Contains(strings.ToLower(parsed.Msg), "limit") {
			return nil, fmt.Errorf("tushare %s: %s: %w", apiName, parsed.Msg, domain.ErrRateLimited)
		}
		return nil, fmt.Errorf("tushare %s: %s", apiName, parsed.Msg)
	}
	return &parsed, nil
}

// History fetches daily candles, oldest first. Tushare returns newest first
// so the rows are reversed.
func (t *Tushare) History(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	code, err := tsCode(ticker)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	// Calendar window sized generously: lookback trading days fit in ~1.6x
	// calendar days.
	start := end.AddDate(0, 0, -days*2)
	resp, err := t.call(ctx, "daily", map[string]interface{}{
		"ts_code":    code,
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
	}, "trade_date,open,high,low,close,vol,amount")
	if err != nil {
		return nil, err
	}
	if resp.Data == nil || len(resp.Data.Items) == 0 {
		return nil, fmt.Errorf("no daily data for %s: %w", ticker, domain.ErrInvalidResponse)
	}

	idx := fieldIndex(resp.Data.Fields)
	candles := make([]domain.Candle, 0, len(resp.Data.Items))
	for i := len(resp.Data.Items) - 1; i >= 0; i-- {
		row := resp.Data.Items[i]
		candle, err := rowToCandle(row, idx)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	if len(candles) > days {
		candles = candles[len(candles)-days:]
	}
	return candles, nil
}

func fieldIndex(fields []string) map[string]int {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}
	return idx
}

func rowToCandle(row []interface{}, idx map[string]int) (domain.Candle, error) {
	str := func(field string) string {
		if i, ok := idx[field]; ok && i < len(row) {
			if s, ok := row[i].(string); ok {
				return s
			}
		}
		return ""
	}
	num := func(field string) float64 {
		if i, ok := idx[field]; ok && i < len(row) {
			if f, ok := row[i].(float64); ok {
				return f
			}
		}
		return 0
	}

	date, err := time.Parse("20060102", str("trade_date"))
	if err != nil {
		return domain.Candle{}, fmt.Errorf("malformed trade_date %q: %w", str("trade_date"), domain.ErrInvalidResponse)
	}
	return domain.Candle{
		Date:   date,
		Open:   num("open"),
		High:   num("high"),
		Low:    num("low"),
		Close:  num("close"),
		Volume: num("vol"),
		Amount: num("amount"),
	}, nil
}

// Realtime is not served by the pro API tier used here.
func (t *Tushare) Realtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	return nil, fmt.Errorf("tushare realtime: %w", domain.ErrMarketUnsupported)
}

// ResolveName looks up the short name via stock_basic.
func (t *Tushare) ResolveName(ctx context.Context, ticker string) (string, error) {
	code, err := tsCode(ticker)
	if err != nil {
		return "", err
	}
	resp, err := t.call(ctx, "stock_basic", map[string]interface{}{"ts_code": code}, "ts_code,name")
	if err != nil {
		return "", err
	}
	if resp.Data == nil || len(resp.Data.Items) == 0 {
		return "", fmt.Errorf("no stock_basic row for %s: %w", ticker, domain.ErrNotFound)
	}
	idx := fieldIndex(resp.Data.Fields)
	row := resp.Data.Items[0]
	if i, ok := idx["name"]; ok && i < len(row) {
		if name, ok := row[i].(string); ok {
			return name, nil
		}
	}
	return "", fmt.Errorf("no name field for %s: %w", ticker, domain.ErrInvalidResponse)
}
