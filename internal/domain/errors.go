package domain

import "errors"

// Sentinel errors shared across components. Callers match with errors.Is;
// wrapping with fmt.Errorf("...: %w", err) preserves the variant.
var (
	// ErrConfig indicates a missing or invalid option at startup.
	ErrConfig = errors.New("configuration error")

	// ErrMarketUnsupported is returned when a source does not serve the
	// ticker's market. It never counts as a source failure.
	ErrMarketUnsupported = errors.New("market not supported by source")

	// ErrSourceExhausted is returned after every eligible source failed.
	ErrSourceExhausted = errors.New("all data sources failed")

	// ErrCircuitOpen marks a source skipped because its breaker is open.
	ErrCircuitOpen = errors.New("source circuit open")

	// ErrRateLimited marks an HTTP 429 or provider quota error.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidResponse marks an unparseable or shape-mismatched payload.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrNotFound is returned for missing records and unknown task ids.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask is returned when the ticker already has a live task.
	ErrDuplicateTask = errors.New("duplicate task for ticker")

	// ErrQueueBusy is returned when the worker pool and backlog are full.
	ErrQueueBusy = errors.New("task queue busy")

	// ErrUnauthorized marks a failed or missing authentication.
	ErrUnauthorized = errors.New("unauthorized")
)
