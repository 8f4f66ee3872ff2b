// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration. The watchlist is the only
// hot-reloadable part; everything else is fixed at boot.
type Config struct {
	DataDir  string
	DBPath   string
	LogLevel string
	DevMode  bool

	// HTTP server
	Host string
	Port int

	// Watchlist
	stockListRaw  string // raw STOCK_LIST value captured at boot
	WatchlistFile string // optional file re-read on demand
	Groups        []Group

	// Data sources
	TushareToken           string
	SourcePriority         []string // ordered source ids, highest priority first
	SourcePriorityOverride map[string]int
	DisabledSources        []string
	QuoteCacheTTL          time.Duration
	HistoryCacheTTL        time.Duration
	BreakerThreshold       int
	BreakerCooldown        time.Duration
	SourceTimeout          time.Duration

	// News
	BochaAPIKeys        []string
	TavilyAPIKeys       []string
	SerpAPIKeys         []string
	NewsMaxAgeDays      int
	MaxSearchDimensions int
	NewsCacheSize       int
	SearchTimeout       time.Duration

	// LLM
	GeminiAPIKeys    []string
	AnthropicAPIKeys []string
	OpenAIAPIKeys    []string
	OpenAIBaseURL    string
	Model            string
	FallbackModels   []string
	KeyCooldown      time.Duration
	LLMTimeout       time.Duration

	// Agent
	AgentMode        bool
	AgentMaxSteps    int
	AgentSkills      []string
	AgentStrategyDir string

	// Pipeline
	TradingDayCheckEnabled bool
	RealtimeIndicators     bool
	MarketReviewRegion     string // cn, us, both
	BiasThreshold          float64
	PipelineTimeout        time.Duration
	BatchParallelism       int
	SaveContextSnapshot    bool

	// Schedule
	ScheduleTime     string // HH:MM
	ScheduleTimezone string
	RunImmediately   bool

	// Notifications
	ReportSummaryOnly      bool
	MergeEmailNotification bool
	NotifyMaxBytes         int
	NotifyChunkSleep       time.Duration
	WeChatWebhookURL       string
	WeChatMaxBytes         int
	TelegramBotToken       string
	TelegramChatID         string
	TelegramMaxChars       int
	SMTPHost               string
	SMTPPort               int
	SMTPUser               string
	SMTPPassword           string
	SMTPFrom               string
	EmailRecipients        []string
	EmailMaxBytes          int

	// Auth
	AdminAuthEnabled bool

	mu sync.Mutex
}

// Group pairs a stock sub-list with its notification recipients
// (STOCK_GROUP_N / EMAIL_GROUP_N).
type Group struct {
	Stocks []string
	Emails []string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		DBPath:   getEnv("DB_PATH", filepath.Join(absDataDir, "stockintel.db")),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		Host: getEnv("WEBUI_HOST", "0.0.0.0"),
		Port: getEnvAsInt("WEBUI_PORT", 8000),

		stockListRaw:  getEnv("STOCK_LIST", ""),
		WatchlistFile: getEnv("WATCHLIST_FILE", ""),
		Groups:        loadGroups(),

		TushareToken:           getEnv("TUSHARE_TOKEN", ""),
		SourcePriority:         getEnvAsList("REALTIME_SOURCE_PRIORITY", nil),
		SourcePriorityOverride: loadPriorityOverrides(),
		DisabledSources:        getEnvAsList("DISABLED_SOURCES", nil),
		QuoteCacheTTL:          time.Duration(getEnvAsInt("QUOTE_CACHE_TTL_SECONDS", 60)) * time.Second,
		HistoryCacheTTL:        time.Duration(getEnvAsInt("HISTORY_CACHE_TTL_MINUTES", 240)) * time.Minute,
		BreakerThreshold:       getEnvAsInt("CIRCUIT_BREAKER_THRESHOLD", 3),
		BreakerCooldown:        time.Duration(getEnvAsInt("CIRCUIT_BREAKER_COOLDOWN_MINUTES", 10)) * time.Minute,
		SourceTimeout:          time.Duration(getEnvAsInt("SOURCE_TIMEOUT_SECONDS", 10)) * time.Second,

		BochaAPIKeys:        getEnvAsList("BOCHA_API_KEYS", nil),
		TavilyAPIKeys:       getEnvAsList("TAVILY_API_KEYS", nil),
		SerpAPIKeys:         getEnvAsList("SERPAPI_API_KEYS", nil),
		NewsMaxAgeDays:      getEnvAsInt("NEWS_MAX_AGE_DAYS", 7),
		MaxSearchDimensions: getEnvAsInt("MAX_SEARCH_DIMENSIONS", 5),
		NewsCacheSize:       getEnvAsInt("NEWS_CACHE_SIZE", 500),
		SearchTimeout:       time.Duration(getEnvAsInt("SEARCH_TIMEOUT_SECONDS", 15)) * time.Second,

		GeminiAPIKeys:    getEnvAsList("GEMINI_API_KEYS", nil),
		AnthropicAPIKeys: getEnvAsList("ANTHROPIC_API_KEYS", nil),
		OpenAIAPIKeys:    getEnvAsList("OPENAI_API_KEYS", nil),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:            getEnv("LITELLM_MODEL", "gemini-2.0-flash"),
		FallbackModels:   getEnvAsList("LITELLM_FALLBACK_MODELS", nil),
		KeyCooldown:      time.Duration(getEnvAsInt("LLM_KEY_COOLDOWN_SECONDS", 60)) * time.Second,
		LLMTimeout:       time.Duration(getEnvAsInt("LLM_TIMEOUT_SECONDS", 120)) * time.Second,

		AgentMode:        getEnvAsBool("AGENT_MODE", false),
		AgentMaxSteps:    getEnvAsInt("AGENT_MAX_STEPS", 10),
		AgentSkills:      getEnvAsList("AGENT_SKILLS", nil),
		AgentStrategyDir: getEnv("AGENT_STRATEGY_DIR", ""),

		TradingDayCheckEnabled: getEnvAsBool("TRADING_DAY_CHECK_ENABLED", true),
		RealtimeIndicators:     getEnvAsBool("ENABLE_REALTIME_TECHNICAL_INDICATORS", true),
		MarketReviewRegion:     getEnv("MARKET_REVIEW_REGION", "cn"),
		BiasThreshold:          getEnvAsFloat("BIAS_THRESHOLD", 5.0),
		PipelineTimeout:        time.Duration(getEnvAsInt("PIPELINE_TIMEOUT_MINUTES", 10)) * time.Minute,
		BatchParallelism:       getEnvAsInt("BATCH_PARALLELISM", 3),
		SaveContextSnapshot:    getEnvAsBool("SAVE_CONTEXT_SNAPSHOT", false),

		ScheduleTime:     getEnv("SCHEDULE_TIME", "17:30"),
		ScheduleTimezone: getEnv("SCHEDULE_TIMEZONE", "Asia/Shanghai"),
		RunImmediately:   getEnvAsBool("RUN_IMMEDIATELY", false),

		ReportSummaryOnly:      getEnvAsBool("REPORT_SUMMARY_ONLY", false),
		MergeEmailNotification: getEnvAsBool("MERGE_EMAIL_NOTIFICATION", true),
		NotifyMaxBytes:         getEnvAsInt("NOTIFY_MAX_BYTES", 0),
		NotifyChunkSleep:       time.Duration(getEnvAsInt("NOTIFY_CHUNK_SLEEP_MS", 500)) * time.Millisecond,
		WeChatWebhookURL:       getEnv("WECHAT_WEBHOOK_URL", ""),
		WeChatMaxBytes:         getEnvAsInt("WECHAT_MAX_BYTES", 4096),
		TelegramBotToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:         getEnv("TELEGRAM_CHAT_ID", ""),
		TelegramMaxChars:       getEnvAsInt("TELEGRAM_MAX_CHARS", 4096),
		SMTPHost:               getEnv("SMTP_HOST", ""),
		SMTPPort:               getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:               getEnv("SMTP_USER", ""),
		SMTPPassword:           getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:               getEnv("SMTP_FROM", ""),
		EmailRecipients:        getEnvAsList("EMAIL_RECIPIENTS", nil),
		EmailMaxBytes:          getEnvAsInt("EMAIL_MAX_BYTES", 20480),

		AdminAuthEnabled: getEnvAsBool("ADMIN_AUTH_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	switch c.MarketReviewRegion {
	case "cn", "us", "both":
	default:
		return fmt.Errorf("invalid MARKET_REVIEW_REGION %q (want cn, us or both)", c.MarketReviewRegion)
	}
	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return fmt.Errorf("invalid SCHEDULE_TIMEZONE %q: %w", c.ScheduleTimezone, err)
	}
	if parts := strings.Split(c.ScheduleTime, ":"); len(parts) != 2 {
		return fmt.Errorf("invalid SCHEDULE_TIME %q (want HH:MM)", c.ScheduleTime)
	}
	if c.BatchParallelism < 1 {
		return fmt.Errorf("BATCH_PARALLELISM must be >= 1")
	}
	if c.AgentMaxSteps < 1 {
		return fmt.Errorf("AGENT_MAX_STEPS must be >= 1")
	}
	return nil
}

// Watchlist returns the current watchlist, canonicalized and deduplicated.
// When a watchlist file is configured it is re-read on every call so edits
// take effect at the next batch without a restart.
func (c *Config) Watchlist() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw := c.stockListRaw
	if c.WatchlistFile != "" {
		if content, err := os.ReadFile(c.WatchlistFile); err == nil {
			raw = strings.ReplaceAll(string(content), "\n", ",")
		}
	}

	seen := make(map[string]bool)
	var list []string
	for _, item := range strings.Split(raw, ",") {
		code := strings.TrimSpace(item)
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		if !seen[code] {
			seen[code] = true
			list = append(list, code)
		}
	}
	return list
}

// loadGroups reads STOCK_GROUP_1/EMAIL_GROUP_1, STOCK_GROUP_2/... until the
// first missing index.
func loadGroups() []Group {
	var groups []Group
	for i := 1; ; i++ {
		stocks := getEnvAsList(fmt.Sprintf("STOCK_GROUP_%d", i), nil)
		if len(stocks) == 0 {
			break
		}
		emails := getEnvAsList(fmt.Sprintf("EMAIL_GROUP_%d", i), nil)
		groups = append(groups, Group{Stocks: stocks, Emails: emails})
	}
	return groups
}

// loadPriorityOverrides reads per-source *_PRIORITY overrides.
func loadPriorityOverrides() map[string]int {
	overrides := make(map[string]int)
	for _, id := range []string{"tushare", "eastmoney", "sina", "usquote"} {
		key := strings.ToUpper(id) + "_PRIORITY"
		if v := os.Getenv(key); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				overrides[id] = p
			}
		}
	}
	return overrides
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}
