// Package scheduler runs the daily watchlist batch on a cron trigger and
// hands the collected reports to the notification dispatcher.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/minglu/stockintel/internal/domain"
)

// Pipeline runs one ticker's analysis.
type Pipeline interface {
	Run(ctx context.Context, ticker, reportType, queryID string,
		progress func(pct float64, msg string)) (*domain.AnalysisReport, int64, error)
}

// Gate is the calendar surface the batch needs.
type Gate interface {
	Partition(tickers []string, now time.Time) (run, skip []string)
	EffectiveReviewRegion(region string, now time.Time) string
}

// Dispatcher delivers finished reports.
type Dispatcher interface {
	HasChannels() bool
	DispatchSingle(ctx context.Context, report *domain.AnalysisReport) error
	DispatchBatch(ctx context.Context, reports []*domain.AnalysisReport) error
}

// Config tunes the scheduler.
type Config struct {
	ScheduleTime   string // HH:MM, local to Timezone
	Timezone       string
	Parallelism    int
	ReviewRegion   string // cn, us, both
	RunImmediately bool
	ForceRun       bool // ignore the calendar gate
	NoNotify       bool
	SingleNotify   bool // dispatch each report as it finishes
}

// Scheduler owns the cron trigger and the batch loop. The watchlist func is
// called at the start of every batch so edits take effect without a restart.
type Scheduler struct {
	cfg        Config
	watchlist  func() []string
	pipe       Pipeline
	gate       Gate
	dispatcher Dispatcher
	now        func() time.Time
	log        zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
	wg      sync.WaitGroup
}

// New creates a scheduler. dispatcher may be nil when notifications are off.
func New(cfg Config, watchlist func() []string, pipe Pipeline, gate Gate,
	dispatcher Dispatcher, log zerolog.Logger) *Scheduler {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 3
	}
	return &Scheduler{
		cfg:        cfg,
		watchlist:  watchlist,
		pipe:       pipe,
		gate:       gate,
		dispatcher: dispatcher,
		now:        time.Now,
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the daily trigger and starts the cron loop. When
// RunImmediately is set one batch runs right away in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid schedule timezone %q: %w", s.cfg.Timezone, err)
	}
	spec, err := cronSpec(s.cfg.ScheduleTime)
	if err != nil {
		return err
	}

	s.cron = cron.New(cron.WithLocation(loc))
	if _, err := s.cron.AddFunc(spec, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.RunBatch(ctx)
	}); err != nil {
		return fmt.Errorf("failed to register batch job: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.log.Info().Str("schedule", s.cfg.ScheduleTime).Str("timezone", s.cfg.Timezone).
		Msg("scheduler started")

	if s.cfg.RunImmediately {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunBatch(ctx)
		}()
	}
	return nil
}

// Stop halts the trigger and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// cronSpec converts "HH:MM" into a daily cron expression.
func cronSpec(hhmm string) (string, error) {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid schedule time %q (want HH:MM)", hhmm)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid schedule hour %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid schedule minute %q", parts[1])
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	QueryID   string
	Succeeded int
	Failed    int
	Skipped   int
}

// RunBatch analyzes the current watchlist plus the market-review indexes,
// then dispatches notifications. Per-ticker failures are logged and counted,
// never fatal for the batch.
func (s *Scheduler) RunBatch(ctx context.Context) BatchResult {
	queryID := uuid.NewString()
	now := s.now()
	log := s.log.With().Str("query_id", queryID).Logger()

	tickers := dedupTickers(s.watchlist())
	run := tickers
	if !s.cfg.ForceRun && s.gate != nil {
		var skip []string
		run, skip = s.gate.Partition(tickers, now)
		if len(skip) > 0 {
			log.Info().Strs("skipped", skip).Msg("markets closed for part of the watchlist")
		}
	}

	result := BatchResult{QueryID: queryID, Skipped: len(tickers) - len(run)}
	log.Info().Int("watchlist", len(tickers)).Int("running", len(run)).Msg("batch started")

	var mu sync.Mutex
	var reports []*domain.AnalysisReport
	collect := func(tickers []string, reportType string) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallelism)
		for _, ticker := range tickers {
			ticker := ticker
			g.Go(func() error {
				report, _, err := s.pipe.Run(gctx, ticker, reportType, queryID, nil)
				if err != nil {
					log.Error().Str("stock_code", ticker).Err(err).Msg("batch item failed")
					mu.Lock()
					result.Failed++
					mu.Unlock()
					return nil
				}
				mu.Lock()
				result.Succeeded++
				reports = append(reports, report)
				mu.Unlock()
				if s.cfg.SingleNotify {
					s.dispatch(ctx, []*domain.AnalysisReport{report})
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	collect(run, domain.ReportTypeScheduled)

	if region := s.reviewRegion(now); region != "" {
		collect(reviewTickers(region), domain.ReportTypeMarketReview)
	}

	if !s.cfg.SingleNotify {
		s.dispatch(ctx, reports)
	}

	log.Info().Int("succeeded", result.Succeeded).Int("failed", result.Failed).
		Int("skipped", result.Skipped).Msg("batch finished")
	return result
}

func (s *Scheduler) reviewRegion(now time.Time) string {
	if s.cfg.ReviewRegion == "" {
		return ""
	}
	if s.cfg.ForceRun || s.gate == nil {
		return s.cfg.ReviewRegion
	}
	return s.gate.EffectiveReviewRegion(s.cfg.ReviewRegion, now)
}

// reviewTickers maps the effective region to the index symbols analyzed for
// the market review.
func reviewTickers(region string) []string {
	switch region {
	case "cn":
		return []string{"000001"}
	case "us":
		return []string{"SPX", "IXIC"}
	case "both":
		return []string{"000001", "SPX", "IXIC"}
	default:
		return nil
	}
}

func (s *Scheduler) dispatch(ctx context.Context, reports []*domain.AnalysisReport) {
	if s.cfg.NoNotify || s.dispatcher == nil || !s.dispatcher.HasChannels() || len(reports) == 0 {
		return
	}
	if err := s.dispatcher.DispatchBatch(ctx, reports); err != nil {
		s.log.Error().Err(err).Msg("notification dispatch reported failures")
	}
}

func dedupTickers(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		code := domain.CanonicalTicker(t)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
