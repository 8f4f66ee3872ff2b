package news

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
)

type fakeProvider struct {
	name  string
	calls atomic.Int64
	items []domain.NewsItem
	err   error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(ctx context.Context, query string, maxResults int) ([]domain.NewsItem, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func item(title string, age time.Duration) domain.NewsItem {
	url := "https://news.example.com/" + title
	return domain.NewsItem{
		Title:       title,
		URL:         url,
		PublishedAt: time.Now().Add(-age),
		Fingerprint: Fingerprint(title, url),
		Relevance:   0.9,
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("  Moutai Hits Record High ", "https://example.com/a?utm_source=x#frag")
	b := Fingerprint("moutai hits record   high", "https://example.com/a/")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	c := Fingerprint("different title", "https://example.com/a")
	assert.NotEqual(t, a, c)
}

func TestSearchMergesAndDeduplicates(t *testing.T) {
	dup := item("same story", time.Hour)
	p := &fakeProvider{name: "p1", items: []domain.NewsItem{dup, dup, item("other", 2 * time.Hour)}}
	svc := NewService(Config{MaxAgeDays: 7, MaxDimensions: 2}, zerolog.Nop(), p)

	intel := svc.Search(context.Background(), "600519", "贵州茅台")
	require.NotNil(t, intel)
	assert.False(t, intel.SearchFallback)

	seen := make(map[string]int)
	for _, it := range intel.Items {
		seen[it.Fingerprint]++
	}
	for fp, n := range seen {
		assert.Equal(t, 1, n, "fingerprint %s appears %d times", fp, n)
	}
}

func TestSearchFiltersByAge(t *testing.T) {
	p := &fakeProvider{name: "p1", items: []domain.NewsItem{
		item("fresh", 24 * time.Hour),
		item("stale", 30 * 24 * time.Hour),
	}}
	svc := NewService(Config{MaxAgeDays: 7, MaxDimensions: 1}, zerolog.Nop(), p)

	intel := svc.Search(context.Background(), "600519", "")
	require.Len(t, intel.Items, 1)
	assert.Equal(t, "fresh", intel.Items[0].Title)
}

func TestSearchCacheHitIssuesNoCall(t *testing.T) {
	p := &fakeProvider{name: "p1", items: []domain.NewsItem{item("a", time.Hour)}}
	svc := NewService(Config{MaxAgeDays: 7, MaxDimensions: 3}, zerolog.Nop(), p)

	svc.Search(context.Background(), "600519", "")
	calls := p.calls.Load()
	svc.Search(context.Background(), "600519", "")
	assert.Equal(t, calls, p.calls.Load(), "same-day repeat search must be served from cache")
}

func TestAllProvidersFailedSetsFallback(t *testing.T) {
	p := &fakeProvider{name: "p1", err: fmt.Errorf("down")}
	svc := NewService(Config{MaxAgeDays: 7, MaxDimensions: 2}, zerolog.Nop(), p)

	intel := svc.Search(context.Background(), "600519", "")
	assert.True(t, intel.SearchFallback)
	assert.Empty(t, intel.Items)
}

func TestProviderFallbackOrder(t *testing.T) {
	bad := &fakeProvider{name: "bad", err: fmt.Errorf("down")}
	good := &fakeProvider{name: "good", items: []domain.NewsItem{item("a", time.Hour)}}
	svc := NewService(Config{MaxAgeDays: 7, MaxDimensions: 1}, zerolog.Nop(), bad, good)

	intel := svc.Search(context.Background(), "600519", "")
	assert.False(t, intel.SearchFallback)
	assert.NotEmpty(t, intel.Items)
	assert.Equal(t, int64(1), bad.calls.Load())
	assert.Equal(t, int64(1), good.calls.Load())
}

func TestZeroMaxAgeReturnsEmptyWithoutHTTP(t *testing.T) {
	p := &fakeProvider{name: "p1", items: []domain.NewsItem{item("a", time.Hour)}}
	svc := NewService(Config{MaxAgeDays: 0}, zerolog.Nop(), p)

	intel := svc.Search(context.Background(), "600519", "")
	assert.Empty(t, intel.Items)
	assert.False(t, intel.SearchFallback)
	assert.Equal(t, int64(0), p.calls.Load())
}

func TestIsETF(t *testing.T) {
	assert.True(t, IsETF("510300", ""))
	assert.True(t, IsETF("159915", ""))
	assert.True(t, IsETF("000001", "科技ETF"))
	assert.False(t, IsETF("600519", "贵州茅台"))
}

func TestFIFOCacheEvictsOldest(t *testing.T) {
	cache := newFIFOCache(2)
	cache.Set("a", &domain.NewsIntel{Ticker: "a"})
	cache.Set("b", &domain.NewsIntel{Ticker: "b"})
	cache.Set("c", &domain.NewsIntel{Ticker: "c"})

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry must be evicted")
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}

func TestRankPrefersFreshRelevant(t *testing.T) {
	items := []domain.NewsItem{
		{Title: "old", Relevance: 0.9, PublishedAt: time.Now().Add(-6 * 24 * time.Hour)},
		{Title: "new", Relevance: 0.9, PublishedAt: time.Now().Add(-time.Hour)},
	}
	rank(items, time.Now())
	assert.Equal(t, "new", items[0].Title)
}
