// Package news fans one ticker out across multiple search providers and
// orthogonal query dimensions, then merges, deduplicates and ranks the
// results into a NewsIntel.
package news

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/minglu/stockintel/internal/domain"
)

// Search dimensions, queried in this order up to MaxDimensions.
const (
	DimCompany  = "company"
	DimSector   = "sector"
	DimRisk     = "risk"
	DimEarnings = "earnings"
	DimMarket   = "market"
)

var allDimensions = []string{DimCompany, DimSector, DimRisk, DimEarnings, DimMarket}

// etfCodePattern matches mainland ETF code ranges (51x/56x/58x Shanghai,
// 159 Shenzhen).
var etfCodePattern = regexp.MustCompile(`^(51|56|58)\d{4}$|^159\d{3}$`)

// Config tunes the service.
type Config struct {
	MaxAgeDays    int
	MaxDimensions int
	PerDimension  int
	CacheSize     int
}

// Service is the multi-provider news search facade.
type Service struct {
	providers []Provider
	cfg       Config
	cache     *fifoCache
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates the service. Providers are tried in the given order
// for every dimension.
func NewService(cfg Config, log zerolog.Logger, providers ...Provider) *Service {
	if cfg.MaxDimensions <= 0 || cfg.MaxDimensions > len(allDimensions) {
		cfg.MaxDimensions = len(allDimensions)
	}
	if cfg.PerDimension <= 0 {
		cfg.PerDimension = 5
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 500
	}
	return &Service{
		providers: providers,
		cfg:       cfg,
		cache:     newFIFOCache(cfg.CacheSize),
		now:       time.Now,
		log:       log.With().Str("component", "news").Logger(),
	}
}

// Search returns ranked news for the ticker. When every provider fails the
// result is empty with SearchFallback set; the pipeline degrades silently.
func (s *Service) Search(ctx context.Context, ticker, name string) *domain.NewsIntel {
	code := domain.CanonicalTicker(ticker)
	dims := allDimensions[:s.cfg.MaxDimensions]

	cacheKey := fmt.Sprintf("%s|%s|%s", code, strings.Join(dims, ","), s.now().Format("2006-01-02"))
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached
	}

	// NEWS_MAX_AGE_DAYS=0 means "no news": return empty without HTTP.
	if s.cfg.MaxAgeDays == 0 || len(s.providers) == 0 {
		intel := &domain.NewsIntel{Ticker: code, FetchedAt: s.now(), SearchFallback: len(s.providers) == 0}
		s.cache.Set(cacheKey, intel)
		return intel
	}

	results := make([][]domain.NewsItem, len(dims))
	anySuccess := false

	g, gctx := errgroup.WithContext(ctx)
	for i, dim := range dims {
		g.Go(func() error {
			query := buildQuery(dim, code, name)
			items, err := s.searchDimension(gctx, query)
			if err != nil {
				s.log.Debug().Str("ticker", code).Str("dimension", dim).Err(err).Msg("dimension search failed")
				return nil // degrade, never fail the fan-out
			}
			for j := range items {
				items[j].Dimension = dim
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var merged []domain.NewsItem
	for _, items := range results {
		if items != nil {
			anySuccess = true
		}
		merged = append(merged, s.filterAndTrim(items)...)
	}
	merged = dedupe(merged)
	rank(merged, s.now())

	intel := &domain.NewsIntel{
		Ticker:         code,
		Items:          merged,
		SearchFallback: !anySuccess,
		FetchedAt:      s.now(),
	}
	s.cache.Set(cacheKey, intel)
	return intel
}

// searchDimension tries providers in order until one returns results.
func (s *Service) searchDimension(ctx context.Context, query string) ([]domain.NewsItem, error) {
	var lastErr error
	for _, p := range s.providers {
		items, err := p.Search(ctx, query, s.cfg.PerDimension)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// filterAndTrim drops items older than the age window and truncates to the
// per-dimension budget.
func (s *Service) filterAndTrim(items []domain.NewsItem) []domain.NewsItem {
	cutoff := s.now().AddDate(0, 0, -s.cfg.MaxAgeDays)
	var kept []domain.NewsItem
	for _, item := range items {
		if !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, item)
		if len(kept) >= s.cfg.PerDimension {
			break
		}
	}
	return kept
}

// dedupe keeps the first occurrence per fingerprint.
func dedupe(items []domain.NewsItem) []domain.NewsItem {
	seen := make(map[string]bool, len(items))
	var out []domain.NewsItem
	for _, item := range items {
		if item.Fingerprint == "" {
			item.Fingerprint = Fingerprint(item.Title, item.URL)
		}
		if seen[item.Fingerprint] {
			continue
		}
		seen[item.Fingerprint] = true
		out = append(out, item)
	}
	return out
}

// rank orders by provider relevance weighted by recency.
func rank(items []domain.NewsItem, now time.Time) {
	score := func(item domain.NewsItem) float64 {
		s := item.Relevance
		if !item.PublishedAt.IsZero() {
			ageDays := now.Sub(item.PublishedAt).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			s *= 1.0 / (1.0 + ageDays/3.0)
		} else {
			s *= 0.6 // undated items rank below dated ones of equal relevance
		}
		return s
	}
	sort.SliceStable(items, func(i, j int) bool {
		return score(items[i]) > score(items[j])
	})
}

// IsETF reports whether the code or name looks like a fund rather than a
// single company. ETF queries use fund-flavored templates so results do not
// drown in fund-manager commentary.
func IsETF(ticker, name string) bool {
	if etfCodePattern.MatchString(domain.CanonicalTicker(ticker)) {
		return true
	}
	return strings.Contains(strings.ToUpper(name), "ETF")
}

// buildQuery renders the dimension template for the ticker.
func buildQuery(dimension, ticker, name string) string {
	subject := name
	if subject == "" {
		subject = ticker
	}

	if IsETF(ticker, name) {
		switch dimension {
		case DimCompany:
			return fmt.Sprintf("%s 基金 净值 持仓 最新消息", subject)
		case DimSector:
			return fmt.Sprintf("%s 跟踪指数 行业板块 走势", subject)
		case DimRisk:
			return fmt.Sprintf("%s 溢价率 风险提示", subject)
		case DimEarnings:
			return fmt.Sprintf("%s 规模 份额 变动", subject)
		default:
			return fmt.Sprintf("%s 市场 行情 分析", subject)
		}
	}

	switch dimension {
	case DimCompany:
		return fmt.Sprintf("%s %s 最新消息 公告", subject, ticker)
	case DimSector:
		return fmt.Sprintf("%s 所属行业 板块动态", subject)
	case DimRisk:
		return fmt.Sprintf("%s 利空 风险 诉讼 减持", subject)
	case DimEarnings:
		return fmt.Sprintf("%s 财报 业绩 营收", subject)
	default:
		return fmt.Sprintf("%s 大盘 市场情绪 分析", subject)
	}
}
