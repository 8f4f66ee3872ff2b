package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/minglu/stockintel/internal/backtest"
	"github.com/minglu/stockintel/internal/domain"
)

type backtestRequest struct {
	Ticker   string          `json:"stock_code"`
	Strategy string          `json:"strategy"`
	Days     int             `json:"days"`
	Params   backtest.Params `json:"params"`
}

// handleBacktestRun simulates a strategy over the ticker's history and
// returns the persisted result.
func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "backtesting not configured")
		return
	}

	var req backtestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	code := domain.CanonicalTicker(req.Ticker)
	if code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "stock_code is required")
		return
	}

	result, err := s.deps.Backtests.Run(r.Context(), code, req.Strategy, req.Days, req.Params)
	if errors.Is(err, backtest.ErrUnknownStrategy) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBacktestList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backtests == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "backtesting not configured")
		return
	}

	code := domain.CanonicalTicker(chi.URLParam(r, "stock_code"))
	results, err := s.deps.Backtests.List(code, atoiDefault(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}
