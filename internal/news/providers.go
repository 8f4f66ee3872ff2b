package news

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/keypool"
)

// Provider is one web-search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]domain.NewsItem, error)
}

// postJSON posts a JSON payload and decodes the JSON response.
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("status 429: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w (%w)", err, domain.ErrInvalidResponse)
	}
	return nil
}

// parseLooseDate accepts the date formats the providers emit.
func parseLooseDate(value string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"01/02/2006, 03:04 PM, -0700 MST",
	}
	for _, f := range formats {
		if ts, err := time.Parse(f, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// --- Bocha ---

// Bocha searches the Chinese web through the bochaai web-search API.
type Bocha struct {
	endpoint   string
	keys       *keypool.Pool
	httpClient *http.Client
	log        zerolog.Logger
}

// NewBocha creates the provider.
func NewBocha(keys *keypool.Pool, timeout time.Duration, log zerolog.Logger) *Bocha {
	return &Bocha{
		endpoint:   "https://api.bochaai.com/v1/web-search",
		keys:       keys,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "bocha").Logger(),
	}
}

func (b *Bocha) Name() string { return "bocha" }

type bochaResponse struct {
	Data struct {
		WebPages struct {
			Value []struct {
				Name          string `json:"name"`
				URL           string `json:"url"`
				Snippet       string `json:"snippet"`
				Summary       string `json:"summary"`
				SiteName      string `json:"siteName"`
				DatePublished string `json:"datePublished"`
			} `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

func (b *Bocha) Search(ctx context.Context, query string, maxResults int) ([]domain.NewsItem, error) {
	key, ok := b.keys.Acquire()
	if !ok {
		return nil, fmt.Errorf("bocha keys exhausted: %w", domain.ErrRateLimited)
	}

	var resp bochaResponse
	err := postJSON(ctx, b.httpClient, b.endpoint,
		map[string]string{"Authorization": "Bearer " + key},
		map[string]interface{}{
			"query":     query,
			"summary":   true,
			"count":     maxResults,
			"freshness": "oneWeek",
		}, &resp)
	if err != nil {
		if isRateLimit(err) {
			b.keys.MarkRateLimited(key)
		}
		return nil, err
	}

	items := make([]domain.NewsItem, 0, len(resp.Data.WebPages.Value))
	for i, page := range resp.Data.WebPages.Value {
		snippet := page.Summary
		if snippet == "" {
			snippet = page.Snippet
		}
		items = append(items, domain.NewsItem{
			Title:       page.Name,
			Snippet:     snippet,
			URL:         page.URL,
			PublishedAt: parseLooseDate(page.DatePublished),
			Source:      page.SiteName,
			Fingerprint: Fingerprint(page.Name, page.URL),
			Relevance:   positionScore(i),
		})
	}
	return items, nil
}

// --- Tavily ---

// Tavily searches through the tavily news topic API.
type Tavily struct {
	endpoint   string
	keys       *keypool.Pool
	httpClient *http.Client
	log        zerolog.Logger
}

// NewTavily creates the provider.
func NewTavily(keys *keypool.Pool, timeout time.Duration, log zerolog.Logger) *Tavily {
	return &Tavily{
		endpoint:   "https://api.tavily.com/search",
		keys:       keys,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "tavily").Logger(),
	}
}

func (t *Tavily) Name() string { return "tavily" }

type tavilyResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Content       string  `json:"content"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"published_date"`
	} `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]domain.NewsItem, error) {
	key, ok := t.keys.Acquire()
	if !ok {
		return nil, fmt.Errorf("tavily keys exhausted: %w", domain.ErrRateLimited)
	}

	var resp tavilyResponse
	err := postJSON(ctx, t.httpClient, t.endpoint, nil, map[string]interface{}{
		"api_key":     key,
		"query":       query,
		"topic":       "news",
		"max_results": maxResults,
	}, &resp)
	if err != nil {
		if isRateLimit(err) {
			t.keys.MarkRateLimited(key)
		}
		return nil, err
	}

	items := make([]domain.NewsItem, 0, len(resp.Results))
	for _, r := range resp.Results {
		items = append(items, domain.NewsItem{
			Title:       r.Title,
			Snippet:     r.Content,
			URL:         r.URL,
			PublishedAt: parseLooseDate(r.PublishedDate),
			Source:      "tavily",
			Fingerprint: Fingerprint(r.Title, r.URL),
			Relevance:   r.Score,
		})
	}
	return items, nil
}

// --- SerpAPI ---

// SerpAPI searches Google News through serpapi.com.
type SerpAPI struct {
	endpoint   string
	keys       *keypool.Pool
	httpClient *http.Client
	log        zerolog.Logger
}

// NewSerpAPI creates the provider.
func NewSerpAPI(keys *keypool.Pool, timeout time.Duration, log zerolog.Logger) *SerpAPI {
	return &SerpAPI{
		endpoint:   "https://serpapi.com/search.json",
		keys:       keys,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "serpapi").Logger(),
	}
}

func (s *SerpAPI) Name() string { return "serpapi" }

type serpResponse struct {
	NewsResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Date    string `json:"date"`
		Source  struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"news_results"`
}

func (s *SerpAPI) Search(ctx context.Context, query string, maxResults int) ([]domain.NewsItem, error) {
	key, ok := s.keys.Acquire()
	if !ok {
		return nil, fmt.Errorf("serpapi keys exhausted: %w", domain.ErrRateLimited)
	}

	params := url.Values{}
	params.Set("engine", "google_news")
	params.Set("q", query)
	params.Set("api_key", key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		s.keys.MarkRateLimited(key)
		return nil, fmt.Errorf("status 429: %w", domain.ErrRateLimited)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", httpResp.StatusCode)
	}

	var resp serpResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (%w)", err, domain.ErrInvalidResponse)
	}

	count := len(resp.NewsResults)
	if count > maxResults {
		count = maxResults
	}
	items := make([]domain.NewsItem, 0, count)
	for i, r := range resp.NewsResults[:count] {
		items = append(items, domain.NewsItem{
			Title:       r.Title,
			Snippet:     r.Snippet,
			URL:         r.Link,
			PublishedAt: parseLooseDate(r.Date),
			Source:      r.Source.Name,
			Fingerprint: Fingerprint(r.Title, r.Link),
			Relevance:   positionScore(i),
		})
	}
	return items, nil
}

// positionScore converts a result rank into a relevance score for providers
// that do not report one.
func positionScore(index int) float64 {
	score := 1.0 - float64(index)*0.08
	if score < 0.1 {
		score = 0.1
	}
	return score
}

func isRateLimit(err error) bool {
	return errors.Is(err, domain.ErrRateLimited)
}
