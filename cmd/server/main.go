package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/agent"
	"github.com/minglu/stockintel/internal/backtest"
	"github.com/minglu/stockintel/internal/calendar"
	"github.com/minglu/stockintel/internal/config"
	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/fetcher"
	"github.com/minglu/stockintel/internal/fetcher/sources"
	"github.com/minglu/stockintel/internal/keypool"
	"github.com/minglu/stockintel/internal/llm"
	"github.com/minglu/stockintel/internal/news"
	"github.com/minglu/stockintel/internal/notify"
	"github.com/minglu/stockintel/internal/pipeline"
	"github.com/minglu/stockintel/internal/scheduler"
	"github.com/minglu/stockintel/internal/server"
	"github.com/minglu/stockintel/internal/store"
	"github.com/minglu/stockintel/internal/taskqueue"
	"github.com/minglu/stockintel/pkg/logger"
)

type cliFlags struct {
	serve        bool
	serveOnly    bool
	schedule     bool
	noNotify     bool
	singleNotify bool
	forceRun     bool
}

func parseFlags() cliFlags {
	var f cliFlags
	var webui, webuiOnly bool

	flag.BoolVar(&f.serve, "serve", false, "start the HTTP API server")
	flag.BoolVar(&f.serveOnly, "serve-only", false, "start only the HTTP API server, no batch run")
	flag.BoolVar(&f.schedule, "schedule", false, "run the daily scheduler")
	flag.BoolVar(&f.noNotify, "no-notify", false, "skip notification dispatch")
	flag.BoolVar(&f.singleNotify, "single-notify", false, "dispatch each report as it finishes")
	flag.BoolVar(&f.forceRun, "force-run", false, "bypass the trading-day calendar gate")
	flag.BoolVar(&webui, "webui", false, "alias for --serve")
	flag.BoolVar(&webuiOnly, "webui-only", false, "alias for --serve-only")
	flag.Parse()

	f.serve = f.serve || webui
	f.serveOnly = f.serveOnly || webuiOnly
	return f
}

func main() {
	flags := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("db", cfg.DBPath).Msg("starting stockintel")

	if err := run(cfg, flags, log); err != nil {
		if errors.Is(err, domain.ErrConfig) {
			log.Error().Err(err).Msg("configuration error")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, flags cliFlags, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	pool, eastmoney := buildFetcherPool(cfg, log)
	newsSvc := buildNewsService(cfg, log)
	router, err := buildRouter(cfg, log)
	if err != nil {
		return err
	}

	gate := calendar.NewGate(cfg.TradingDayCheckEnabled)

	library, err := agent.LoadStrategies(cfg.AgentStrategyDir)
	if err != nil {
		return fmt.Errorf("failed to load agent strategies: %w", err)
	}
	registry := agent.NewRegistry()
	agent.RegisterMarketTools(registry, pool, newsSvc, eastmoney)
	executor := agent.New(agent.Config{
		MaxSteps:          cfg.AgentMaxSteps,
		DefaultStrategies: cfg.AgentSkills,
	}, router, registry, library, st.Conversations, log)

	var analyst pipeline.Analyst
	if cfg.AgentMode {
		analyst = executor
	}
	pipe := pipeline.New(pipeline.Config{
		AgentMode:          cfg.AgentMode,
		RealtimeIndicators: cfg.RealtimeIndicators,
		SaveSnapshot:       cfg.SaveContextSnapshot,
		ForceRun:           flags.forceRun,
		BiasThreshold:      cfg.BiasThreshold,
		Timeout:            cfg.PipelineTimeout,
	}, gate, pool, newsSvc, router, analyst, st.Reports, log)

	bus := taskqueue.NewBus(16, log)
	queue := taskqueue.New(taskqueue.Config{Workers: cfg.BatchParallelism},
		func(ctx context.Context, task domain.Task, progress func(pct float64, msg string)) (int64, error) {
			_, recordID, err := pipe.Run(ctx, task.Ticker, task.ReportType, task.TaskID, progress)
			return recordID, err
		}, bus, log)
	queue.Start(ctx)
	defer queue.Stop()

	dispatcher := buildDispatcher(cfg, log)
	sched := scheduler.New(scheduler.Config{
		ScheduleTime:   cfg.ScheduleTime,
		Timezone:       cfg.ScheduleTimezone,
		Parallelism:    cfg.BatchParallelism,
		ReviewRegion:   cfg.MarketReviewRegion,
		RunImmediately: cfg.RunImmediately,
		ForceRun:       flags.forceRun,
		NoNotify:       flags.noNotify,
		SingleNotify:   flags.singleNotify,
	}, cfg.Watchlist, pipe, gate, dispatcher, log)

	// One-shot mode: no server, no cron. Analyze the watchlist once and exit.
	if !flags.serve && !flags.serveOnly && !flags.schedule {
		result := sched.RunBatch(ctx)
		if result.Succeeded == 0 && result.Failed > 0 {
			return fmt.Errorf("batch failed for all %d tickers", result.Failed)
		}
		return nil
	}

	if flags.schedule && !flags.serveOnly {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrConfig, err)
		}
		defer sched.Stop()
	}

	srv := server.New(server.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		AuthEnabled: cfg.AdminAuthEnabled,
	}, server.Deps{
		Queue:         queue,
		Bus:           bus,
		Analyzer:      pipe,
		Reports:       st.Reports,
		Conversations: st.Conversations,
		Auth:          st.Auth,
		Agent:         executor,
		Backtests:     backtest.NewService(pool, st.Backtests, log),
		Gen:           router,
	}, log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
	}
	return nil
}

// buildFetcherPool wires all market data sources. The Eastmoney adapter is
// returned separately because it also serves sector rankings.
func buildFetcherPool(cfg *config.Config, log zerolog.Logger) (*fetcher.Pool, *sources.Eastmoney) {
	eastmoney := sources.NewEastmoney(1, cfg.SourceTimeout, log)

	srcs := []fetcher.Source{
		eastmoney,
		sources.NewSina(2, cfg.SourceTimeout, log),
		sources.NewUSQuote(1, cfg.SourceTimeout, log),
	}
	if cfg.TushareToken != "" {
		srcs = append(srcs, sources.NewTushare(cfg.TushareToken, 3, cfg.SourceTimeout, log))
	}

	override := cfg.SourcePriorityOverride
	if len(cfg.SourcePriority) > 0 {
		if override == nil {
			override = make(map[string]int)
		}
		for i, id := range cfg.SourcePriority {
			if _, set := override[id]; !set {
				override[id] = i
			}
		}
	}

	pool := fetcher.NewPool(fetcher.Config{
		QuoteTTL:         cfg.QuoteCacheTTL,
		HistoryTTL:       cfg.HistoryCacheTTL,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		PriorityOverride: override,
		Disabled:         cfg.DisabledSources,
	}, log, srcs...)
	return pool, eastmoney
}

func buildNewsService(cfg *config.Config, log zerolog.Logger) *news.Service {
	var providers []news.Provider
	if len(cfg.BochaAPIKeys) > 0 {
		providers = append(providers, news.NewBocha(keypool.New(cfg.BochaAPIKeys, cfg.KeyCooldown), cfg.SearchTimeout, log))
	}
	if len(cfg.TavilyAPIKeys) > 0 {
		providers = append(providers, news.NewTavily(keypool.New(cfg.TavilyAPIKeys, cfg.KeyCooldown), cfg.SearchTimeout, log))
	}
	if len(cfg.SerpAPIKeys) > 0 {
		providers = append(providers, news.NewSerpAPI(keypool.New(cfg.SerpAPIKeys, cfg.KeyCooldown), cfg.SearchTimeout, log))
	}

	return news.NewService(news.Config{
		MaxAgeDays:    cfg.NewsMaxAgeDays,
		MaxDimensions: cfg.MaxSearchDimensions,
		CacheSize:     cfg.NewsCacheSize,
	}, log, providers...)
}

func buildRouter(cfg *config.Config, log zerolog.Logger) (*llm.Router, error) {
	transports := map[llm.ProviderID]llm.Transport{
		llm.ProviderGemini:    llm.NewGeminiTransport(log),
		llm.ProviderAnthropic: llm.NewAnthropicTransport(log),
		llm.ProviderOpenAI:    llm.NewOpenAITransport(cfg.OpenAIBaseURL, log),
	}

	pools := make(map[llm.ProviderID]*keypool.Pool)
	if len(cfg.GeminiAPIKeys) > 0 {
		pools[llm.ProviderGemini] = keypool.New(cfg.GeminiAPIKeys, cfg.KeyCooldown)
	}
	if len(cfg.AnthropicAPIKeys) > 0 {
		pools[llm.ProviderAnthropic] = keypool.New(cfg.AnthropicAPIKeys, cfg.KeyCooldown)
	}
	if len(cfg.OpenAIAPIKeys) > 0 {
		pools[llm.ProviderOpenAI] = keypool.New(cfg.OpenAIAPIKeys, cfg.KeyCooldown)
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: no LLM API keys configured", domain.ErrConfig)
	}

	return llm.NewRouter(llm.RouterConfig{
		Model:          cfg.Model,
		FallbackModels: cfg.FallbackModels,
		Timeout:        cfg.LLMTimeout,
	}, transports, pools, log), nil
}

func buildDispatcher(cfg *config.Config, log zerolog.Logger) *notify.Dispatcher {
	var channels []notify.Notifier
	if cfg.WeChatWebhookURL != "" {
		channels = append(channels, notify.NewWeChat(cfg.WeChatWebhookURL, chunkLimit(cfg, cfg.WeChatMaxBytes), log))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, chunkLimit(cfg, cfg.TelegramMaxChars), log))
	}

	var email *notify.EmailNotifier
	if cfg.SMTPHost != "" {
		email = notify.NewEmail(notify.EmailConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			User:       cfg.SMTPUser,
			Password:   cfg.SMTPPassword,
			From:       cfg.SMTPFrom,
			Recipients: cfg.EmailRecipients,
			MaxBytes:   chunkLimit(cfg, cfg.EmailMaxBytes),
		}, log)
	}

	return notify.NewDispatcher(notify.DispatcherConfig{
		Channels:    channels,
		Email:       email,
		Groups:      cfg.Groups,
		DefaultTo:   cfg.EmailRecipients,
		MergeEmail:  cfg.MergeEmailNotification,
		SummaryOnly: cfg.ReportSummaryOnly,
		ChunkSleep:  cfg.NotifyChunkSleep,
	}, log)
}

// chunkLimit applies the global NOTIFY_MAX_BYTES override when it is tighter
// than the per-channel cap.
func chunkLimit(cfg *config.Config, channelMax int) int {
	if cfg.NotifyMaxBytes > 0 && cfg.NotifyMaxBytes < channelMax {
		return cfg.NotifyMaxBytes
	}
	return channelMax
}
