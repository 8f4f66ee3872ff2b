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

// Sina serves realtime quotes for A-shares and Hong Kong via the hq text
// endpoint. It carries no history or reliable name data (the payload is
// GBK-encoded), so those calls defer to other sources.
type Sina struct {
	baseURL    string
	httpClient *http.Client
	priority   int
	log        zerolog.Logger
}

// NewSina creates the adapter.
func NewSina(priority int, timeout time.Duration, log zerolog.Logger) *Sina {
	return &Sina{
		baseURL:    "https://hq.sinajs.cn",
		httpClient: &http.Client{Timeout: timeout},
		priority:   priority,
		log:        log.With().Str("component", "sina").Logger(),
	}
}

func (s *Sina) ID() string    { return "sina" }
func (s *Sina) Priority() int { return s.priority }

func (s *Sina) SupportsMarket(m domain.Market) bool {
	return m == domain.MarketCN || m == domain.MarketHK
}

// sinaSymbol converts a canonical ticker to the hq list symbol.
func sinaSymbol(ticker string) (string, error) {
	switch domain.InferMarket(ticker) {
	case domain.MarketCN:
		if strings.HasPrefix(ticker, "6") || strings.HasPrefix(ticker, "9") {
			return "sh" + ticker, nil
		}
		return "sz" + ticker, nil
	case domain.MarketHK:
		return "rt_hk" + ticker, nil
	default:
		return "", fmt.Errorf("sina symbol for %s: %w", ticker, domain.ErrMarketUnsupported)
	}
}

// History is not served by the hq endpoint; routing falls through to the
// next source without a failure tick.
func (s *Sina) History(ctx context.Context, ticker string, days int) ([]domain.Candle, error) {
	return nil, fmt.Errorf("sina history: %w", domain.ErrMarketUnsupported)
}

// Realtime fetches one live quote from the hq text payload.
func (s *Sina) Realtime(ctx context.Context, ticker string) (*domain.Quote, error) {
	symbol, err := sinaSymbol(ticker)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/list=%s", s.baseURL, symbol)
	body, err := getBody(ctx, s.httpClient, url, map[string]string{
		// The endpoint rejects requests without a finance referer.
		"Referer": "https://finance.sina.com.cn",
	})
	if err != nil {
		return nil, err
	}

	return parseSinaQuote(ticker, symbol, string(body))
}

// parseSinaQuote parses `var hq_str_sh600519="贵州茅台,1700.00,...";`.
// A-share field order: name, open, prev_close, price, high, low, ... with
// volume at index 8. HK rt_ fields: eng_name, name, open, prev_close,
// high, low, price at index 6.
func parseSinaQuote(ticker, symbol, payload string) (*domain.Quote, error) {
	start := strings.Index(payload, `"`)
	end := strings.LastIndex(payload, `"`)
	if start < 0 || end <= start {
		return nil, fmt.Errorf("malformed hq payload: %w", domain.ErrInvalidResponse)
	}
	fields := strings.Split(payload[start+1:end], ",")

	var priceIdx, prevIdx, volIdx int
	if strings.HasPrefix(symbol, "rt_hk") {
		priceIdx, prevIdx, volIdx = 6, 3, 12
	} else {
		priceIdx, prevIdx, volIdx = 3, 2, 8
	}
	if len(fields) <= priceIdx || len(fields) <= prevIdx {
		return nil, fmt.Errorf("short hq payload (%d fields): %w", len(fields), domain.ErrInvalidResponse)
	}

	price, err := strconv.ParseFloat(fields[priceIdx], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed price %q: %w", fields[priceIdx], domain.ErrInvalidResponse)
	}
	prevClose, err := strconv.ParseFloat(fields[prevIdx], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed prev close %q: %w", fields[prevIdx], domain.ErrInvalidResponse)
	}

	quote := &domain.Quote{
		Ticker:    domain.CanonicalTicker(ticker),
		Price:     price,
		Timestamp: time.Now(),
		SourceID:  "sina",
	}
	if prevClose > 0 {
		quote.ChangePct = (price - prevClose) / prevClose * 100
	}
	if len(fields) > volIdx {
		if vol, err := strconv.ParseFloat(fields[volIdx], 64); err == nil {
			quote.Volume = vol
		}
	}
	return quote, nil
}

// ResolveName is unreliable here (GBK payload); defer to other sources.
func (s *Sina) ResolveName(ctx context.Context, ticker string) (string, error) {
	return "", fmt.Errorf("sina name: %w", domain.ErrMarketUnsupported)
}
