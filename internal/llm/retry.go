package llm

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

const (
	maxTransientRetries = 3
	initialBackoff      = 1 * time.Second
	maxBackoff          = 10 * time.Second
)

// IsRateLimitError matches HTTP 429 and provider quota errors across
// transports.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrRateLimited) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "resource_exhausted") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "overloaded")
}

// IsInvalidRequestError matches non-retryable request errors (bad schema,
// context window exceeded, invalid key). These skip key rotation and go
// straight to model fallback.
func IsInvalidRequestError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "invalid_request") ||
		strings.Contains(errStr, "invalid argument") ||
		strings.Contains(errStr, "context length") ||
		strings.Contains(errStr, "context window")
}

var retryDelayRegex = regexp.MustCompile(`(?i)(?:please retry in |retrydelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the API-suggested retry delay from an error
// message; zero when absent.
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// withTransientRetry runs fn with exponential backoff (1s doubling to 10s,
// three retries). Rate-limit and invalid-request errors return immediately;
// they are handled by key rotation and model fallback above this layer.
func withTransientRetry(ctx context.Context, log zerolog.Logger, fn func() error) error {
	backoff := initialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || IsRateLimitError(err) || IsInvalidRequestError(err) {
			return err
		}
		if attempt >= maxTransientRetries {
			return err
		}

		log.Warn().Int("attempt", attempt+1).Dur("backoff", backoff).Err(err).Msg("transient LLM error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
