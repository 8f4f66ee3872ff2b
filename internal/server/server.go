// Package server exposes the HTTP API under /api/v1: analysis submission
// and task streaming, report history, the agent chat stream, and admin auth.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/agent"
	"github.com/minglu/stockintel/internal/backtest"
	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/llm"
	"github.com/minglu/stockintel/internal/store"
	"github.com/minglu/stockintel/internal/taskqueue"
)

// TaskQueue is the async-analysis surface.
type TaskQueue interface {
	Submit(ticker, reportType string) (domain.Task, error)
	Get(taskID string) (domain.Task, error)
	List() []domain.Task
}

// Analyzer runs one synchronous analysis.
type Analyzer interface {
	Run(ctx context.Context, ticker, reportType, queryID string,
		progress func(pct float64, msg string)) (*domain.AnalysisReport, int64, error)
}

// ReportStore serves the history endpoints.
type ReportStore interface {
	List(filter store.HistoryFilter) ([]*domain.AnalysisReport, error)
	GetByID(id int64) (*domain.AnalysisReport, error)
	NewsForRecord(recordID int64) ([]domain.NewsItem, error)
}

// ConversationStore serves the chat-session endpoints.
type ConversationStore interface {
	Sessions(limit int) ([]store.SessionSummary, error)
	History(sessionID string, limit int) ([]domain.ConversationTurn, error)
	DeleteSession(sessionID string) error
}

// AuthStore backs the admin auth endpoints.
type AuthStore interface {
	IsConfigured() (bool, error)
	Verify(password string) error
	SetPassword(password string) error
}

// Agent runs the chat loop.
type Agent interface {
	Chat(ctx context.Context, sessionID, userMsg string, strategyNames []string,
		images []llm.ImagePayload, emit func(agent.ProgressEvent)) (string, error)
	Strategies() *agent.StrategyLibrary
}

// Backtester runs strategy backtests and serves their stored results.
type Backtester interface {
	Run(ctx context.Context, ticker, strategy string, days int, params backtest.Params) (*domain.BacktestResult, error)
	List(ticker string, limit int) ([]domain.BacktestResult, error)
}

// Generator is used for the vision ticker-extraction endpoint.
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Config holds server settings.
type Config struct {
	Host        string
	Port        int
	AuthEnabled bool
}

// Deps wires the API onto the rest of the system. Nil fields disable the
// corresponding endpoints with 503.
type Deps struct {
	Queue         TaskQueue
	Bus           *taskqueue.Bus
	Analyzer      Analyzer
	Reports       ReportStore
	Conversations ConversationStore
	Auth          AuthStore
	Agent         Agent
	Backtests     Backtester
	Gen           Generator
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	deps     Deps
	router   *chi.Mux
	server   *http.Server
	sessions *sessionStore
	limiter  *loginLimiter
	log      zerolog.Logger
}

// New creates the server and mounts all routes.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		router:   chi.NewRouter(),
		sessions: newSessionStore(),
		limiter:  newLoginLimiter(),
		log:      log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: SSE streams stay open until the client leaves.
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/v1/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Route("/analysis", func(r chi.Router) {
			r.Post("/analyze", s.handleAnalyze)
			r.Get("/status/{task_id}", s.handleTaskStatus)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/stream", s.handleTaskStream)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleHistoryList)
			r.Get("/{record_id}", s.handleHistoryGet)
			r.Get("/{record_id}/news", s.handleHistoryNews)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Post("/chat/stream", s.handleChatStream)
			r.Get("/strategies", s.handleStrategies)
			r.Get("/chat/sessions", s.handleSessionList)
			r.Post("/chat/sessions", s.handleSessionCreate)
			r.Get("/chat/sessions/{session_id}", s.handleSessionHistory)
			r.Delete("/chat/sessions/{session_id}", s.handleSessionDelete)
		})

		r.Route("/backtest", func(r chi.Router) {
			r.Post("/run", s.handleBacktestRun)
			r.Get("/{stock_code}", s.handleBacktestList)
		})

		r.Post("/stocks/extract-from-image", s.handleExtractFromImage)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", s.handleAuthStatus)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/change-password", s.handleChangePassword)
		})
	})
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
