package llm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/keypool"
)

type fakeTransport struct {
	mu       sync.Mutex
	provider ProviderID
	handler  func(key, model string) (*Response, error)
	calls    []string
}

func (f *fakeTransport) Provider() ProviderID { return f.provider }

func (f *fakeTransport) Generate(_ context.Context, apiKey, model string, _ *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, apiKey+"@"+model)
	f.mu.Unlock()
	return f.handler(apiKey, model)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRouter(cfg RouterConfig, transports map[ProviderID]Transport, pools map[ProviderID]*keypool.Pool) *Router {
	return NewRouter(cfg, transports, pools, zerolog.Nop())
}

func TestDetectProvider(t *testing.T) {
	assert.Equal(t, ProviderAnthropic, DetectProvider("claude-sonnet-4-20250514"))
	assert.Equal(t, ProviderGemini, DetectProvider("gemini-2.0-flash"))
	assert.Equal(t, ProviderGemini, DetectProvider(" Gemini-1.5-pro "))
	assert.Equal(t, ProviderOpenAI, DetectProvider("gpt-4o"))
	assert.Equal(t, ProviderOpenAI, DetectProvider("deepseek-chat"))
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "gemini-2.0-flash", NormalizeModel("gemini/gemini-2.0-flash"))
	assert.Equal(t, "gpt-4o", NormalizeModel("openai/gpt-4o"))
	assert.Equal(t, "claude-sonnet-4-20250514", NormalizeModel("claude-sonnet-4-20250514"))
	assert.Equal(t, "bare/", NormalizeModel("bare/"))
}

func TestRouterRotatesKeysOnRateLimit(t *testing.T) {
	transport := &fakeTransport{
		provider: ProviderGemini,
		handler: func(key, model string) (*Response, error) {
			if key == "k-bad" {
				return nil, fmt.Errorf("%w: quota", domain.ErrRateLimited)
			}
			return &Response{Content: "ok", Model: model, Provider: string(ProviderGemini)}, nil
		},
	}
	pool := keypool.New([]string{"k-bad", "k-good"}, time.Minute)
	router := newTestRouter(
		RouterConfig{Model: "gemini-2.0-flash"},
		map[ProviderID]Transport{ProviderGemini: transport},
		map[ProviderID]*keypool.Pool{ProviderGemini: pool},
	)

	resp, err := router.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	// The bad key may or may not have been tried first, but if it was it
	// must now be cooling.
	if transport.callCount() == 2 {
		assert.Equal(t, 1, pool.Available())
	}
}

func TestRouterFallsBackToNextModelWhenKeysExhausted(t *testing.T) {
	gemini := &fakeTransport{
		provider: ProviderGemini,
		handler: func(string, string) (*Response, error) {
			return nil, fmt.Errorf("%w: resource_exhausted", domain.ErrRateLimited)
		},
	}
	openai := &fakeTransport{
		provider: ProviderOpenAI,
		handler: func(_, model string) (*Response, error) {
			return &Response{Content: "fallback", Model: model, Provider: string(ProviderOpenAI)}, nil
		},
	}
	router := newTestRouter(
		RouterConfig{Model: "gemini-2.0-flash", FallbackModels: []string{"gpt-4o"}},
		map[ProviderID]Transport{ProviderGemini: gemini, ProviderOpenAI: openai},
		map[ProviderID]*keypool.Pool{
			ProviderGemini: keypool.New([]string{"g1", "g2"}, time.Minute),
			ProviderOpenAI: keypool.New([]string{"o1"}, time.Minute),
		},
	)

	resp, err := router.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	// Every gemini key was tried before falling back.
	assert.Equal(t, 2, gemini.callCount())
}

func TestRouterInvalidRequestSkipsRemainingKeys(t *testing.T) {
	gemini := &fakeTransport{
		provider: ProviderGemini,
		handler: func(string, string) (*Response, error) {
			return nil, fmt.Errorf("400 invalid_request: schema rejected")
		},
	}
	openai := &fakeTransport{
		provider: ProviderOpenAI,
		handler: func(_, model string) (*Response, error) {
			return &Response{Content: "fallback", Model: model, Provider: string(ProviderOpenAI)}, nil
		},
	}
	router := newTestRouter(
		RouterConfig{Model: "gemini-2.0-flash", FallbackModels: []string{"gpt-4o"}},
		map[ProviderID]Transport{ProviderGemini: gemini, ProviderOpenAI: openai},
		map[ProviderID]*keypool.Pool{
			ProviderGemini: keypool.New([]string{"g1", "g2", "g3"}, time.Minute),
			ProviderOpenAI: keypool.New([]string{"o1"}, time.Minute),
		},
	)

	resp, err := router.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
	// A bad payload is not retried against other keys.
	assert.Equal(t, 1, gemini.callCount())
}

func TestRouterSkipsModelWithoutTransportOrKeys(t *testing.T) {
	openai := &fakeTransport{
		provider: ProviderOpenAI,
		handler: func(_, model string) (*Response, error) {
			return &Response{Content: "ok", Model: model, Provider: string(ProviderOpenAI)}, nil
		},
	}
	router := newTestRouter(
		RouterConfig{Model: "claude-sonnet-4-20250514", FallbackModels: []string{"gemini-2.0-flash", "gpt-4o"}},
		map[ProviderID]Transport{ProviderOpenAI: openai, ProviderGemini: &fakeTransport{provider: ProviderGemini}},
		map[ProviderID]*keypool.Pool{
			// Anthropic has no transport, gemini has an empty pool.
			ProviderGemini: keypool.New(nil, time.Minute),
			ProviderOpenAI: keypool.New([]string{"o1"}, time.Minute),
		},
	)

	resp, err := router.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
}

func TestRouterAllModelsFailed(t *testing.T) {
	gemini := &fakeTransport{
		provider: ProviderGemini,
		handler: func(string, string) (*Response, error) {
			return nil, fmt.Errorf("%w: quota", domain.ErrRateLimited)
		},
	}
	router := newTestRouter(
		RouterConfig{Model: "gemini-2.0-flash"},
		map[ProviderID]Transport{ProviderGemini: gemini},
		map[ProviderID]*keypool.Pool{ProviderGemini: keypool.New([]string{"g1"}, time.Minute)},
	)

	_, err := router.Generate(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models failed")
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(fmt.Errorf("%w: slow down", domain.ErrRateLimited)))
	assert.True(t, IsRateLimitError(fmt.Errorf("googleapi: Error 429: RESOURCE_EXHAUSTED")))
	assert.True(t, IsRateLimitError(fmt.Errorf("quota exceeded for project")))
	assert.False(t, IsRateLimitError(fmt.Errorf("connection refused")))
	assert.False(t, IsRateLimitError(nil))
}

func TestIsInvalidRequestError(t *testing.T) {
	assert.True(t, IsInvalidRequestError(fmt.Errorf("API returned 400: bad schema")))
	assert.True(t, IsInvalidRequestError(fmt.Errorf("prompt exceeds context window")))
	assert.False(t, IsInvalidRequestError(fmt.Errorf("connection reset by peer")))
}

func TestExtractRetryDelay(t *testing.T) {
	assert.Equal(t, 7*time.Second, ExtractRetryDelay(fmt.Errorf("rate limited, please retry in 7s")))
	assert.Equal(t, 2500*time.Millisecond, ExtractRetryDelay(fmt.Errorf("RetryDelay: 2.5s")))
	assert.Equal(t, time.Duration(0), ExtractRetryDelay(fmt.Errorf("no hint here")))
}
