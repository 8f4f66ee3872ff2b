package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/keypool"
)

// RouterConfig selects the model chain and call timeout.
type RouterConfig struct {
	Model          string
	FallbackModels []string
	Timeout        time.Duration
}

// Router dispatches completion requests across a model chain. On a failed
// call it rotates keys within the current model first and only then advances
// to the next fallback model.
type Router struct {
	cfg        RouterConfig
	transports map[ProviderID]Transport
	pools      map[ProviderID]*keypool.Pool
	log        zerolog.Logger
}

// NewRouter creates a router. Pools may be nil for providers that are not
// configured; models routed to them fail over to the next model.
func NewRouter(cfg RouterConfig, transports map[ProviderID]Transport, pools map[ProviderID]*keypool.Pool, log zerolog.Logger) *Router {
	return &Router{
		cfg:        cfg,
		transports: transports,
		pools:      pools,
		log:        log.With().Str("component", "llm-router").Logger(),
	}
}

// ModelChain returns the primary model followed by the fallbacks.
func (r *Router) ModelChain() []string {
	chain := make([]string, 0, 1+len(r.cfg.FallbackModels))
	chain = append(chain, r.cfg.Model)
	chain = append(chain, r.cfg.FallbackModels...)
	return chain
}

// Generate runs the request through the model chain and returns the first
// successful response.
func (r *Router) Generate(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for _, rawModel := range r.ModelChain() {
		model := NormalizeModel(rawModel)
		provider := DetectProvider(model)

		transport, ok := r.transports[provider]
		if !ok {
			lastErr = fmt.Errorf("no transport for provider %s (model %s)", provider, model)
			r.log.Warn().Str("model", model).Msg("skipping model without transport")
			continue
		}
		pool := r.pools[provider]
		if pool == nil || pool.Size() == 0 {
			lastErr = fmt.Errorf("no API keys for provider %s (model %s)", provider, model)
			r.log.Warn().Str("model", model).Str("provider", string(provider)).Msg("skipping model without keys")
			continue
		}

		resp, err := r.tryModel(ctx, transport, pool, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn().Str("model", model).Err(err).Msg("model exhausted, falling back")
	}
	return nil, fmt.Errorf("all models failed: %w", lastErr)
}

// tryModel rotates through the provider's keys for a single model. Rate
// limits cool the key and move on; invalid requests abort the model because
// no key will fix a bad payload.
func (r *Router) tryModel(ctx context.Context, transport Transport, pool *keypool.Pool, model string, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < pool.Size(); attempt++ {
		key, ok := pool.Acquire()
		if !ok {
			if lastErr != nil {
				return nil, fmt.Errorf("all keys cooling down: %w", lastErr)
			}
			return nil, fmt.Errorf("all keys cooling down for %s", model)
		}

		resp, err := r.call(ctx, transport, key, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch {
		case IsRateLimitError(err):
			pool.MarkRateLimited(key)
			r.log.Warn().Str("model", model).Err(err).Msg("key rate limited, rotating")
		case IsInvalidRequestError(err):
			return nil, err
		default:
			r.log.Warn().Str("model", model).Err(err).Msg("call failed, rotating key")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (r *Router) call(ctx context.Context, transport Transport, key, model string, req *Request) (*Response, error) {
	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	var resp *Response
	err := withTransientRetry(callCtx, r.log, func() error {
		var callErr error
		resp, callErr = transport.Generate(callCtx, key, model, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
