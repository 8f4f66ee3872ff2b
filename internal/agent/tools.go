package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/indicators"
	"github.com/minglu/stockintel/internal/llm"
)

// ToolFunc executes one tool call. args is the decoded JSON argument object.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool pairs a schema with its implementation.
type Tool struct {
	Schema llm.ToolSchema
	Run    ToolFunc
}

// Registry dispatches tool calls by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; later registrations replace earlier ones.
func (r *Registry) Register(tool Tool) {
	if _, exists := r.tools[tool.Schema.Name]; !exists {
		r.order = append(r.order, tool.Schema.Name)
	}
	r.tools[tool.Schema.Name] = tool
}

// Schemas returns the tool declarations in registration order.
func (r *Registry) Schemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema)
	}
	return out
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Dispatch runs one call. Provider-namespaced names
// ("default_api:get_realtime_quote") are stripped before lookup.
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON string) (string, error) {
	stripped := StripNamespace(name)
	tool, ok := r.tools[stripped]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	args := map[string]interface{}{}
	if trimmed := strings.TrimSpace(argsJSON); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", stripped, err)
		}
	}
	return tool.Run(ctx, args)
}

// StripNamespace removes a provider namespace prefix from a tool name.
func StripNamespace(name string) string {
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// MarketData is the fetcher surface the market tools need.
type MarketData interface {
	GetHistory(ctx context.Context, ticker string, days int) ([]domain.Candle, error)
	GetRealtime(ctx context.Context, ticker string) (*domain.Quote, error)
	GetName(ctx context.Context, ticker string) (string, error)
}

// NewsSearcher runs the multi-dimension news search.
type NewsSearcher interface {
	Search(ctx context.Context, ticker, name string) *domain.NewsIntel
}

// SectorRanker lists sector board performance.
type SectorRanker interface {
	SectorRankings(ctx context.Context, limit int) ([]domain.SectorRank, error)
}

// RegisterMarketTools wires the standard toolset. sectors and newsSvc may be
// nil; the corresponding tools are then omitted.
func RegisterMarketTools(r *Registry, market MarketData, newsSvc NewsSearcher, sectors SectorRanker) {
	r.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "get_daily_history",
			Description: "获取股票的日K线历史数据（开高低收量）",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"stock_code": map[string]interface{}{"type": "string", "description": "股票代码，如 600519、00700、AAPL"},
					"days":       map[string]interface{}{"type": "integer", "description": "回溯天数，默认60"},
				},
				"required": []string{"stock_code"},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			code := domain.CanonicalTicker(argString(args, "stock_code"))
			if code == "" {
				return "", fmt.Errorf("stock_code is required")
			}
			days := argInt(args, "days", 60)
			candles, err := market.GetHistory(ctx, code, days)
			if err != nil {
				return "", err
			}
			return marshalResult(map[string]interface{}{"stock_code": code, "candles": candles})
		},
	})

	r.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "get_realtime_quote",
			Description: "获取股票的实时行情（现价、涨跌幅）",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"stock_code": map[string]interface{}{"type": "string", "description": "股票代码"},
				},
				"required": []string{"stock_code"},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			code := domain.CanonicalTicker(argString(args, "stock_code"))
			if code == "" {
				return "", fmt.Errorf("stock_code is required")
			}
			quote, err := market.GetRealtime(ctx, code)
			if err != nil {
				return "", err
			}
			return marshalResult(quote)
		},
	})

	r.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "analyze_trend",
			Description: "计算股票的技术指标（均线、MACD、RSI、乖离率、趋势强度）",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"stock_code": map[string]interface{}{"type": "string", "description": "股票代码"},
				},
				"required": []string{"stock_code"},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			code := domain.CanonicalTicker(argString(args, "stock_code"))
			if code == "" {
				return "", fmt.Errorf("stock_code is required")
			}
			candles, err := market.GetHistory(ctx, code, 120)
			if err != nil {
				return "", err
			}
			quote, _ := market.GetRealtime(ctx, code)
			snapshot, err := indicators.Compute(candles, quote, indicators.Options{RealtimeEnabled: quote != nil})
			if err != nil {
				return "", err
			}
			return marshalResult(map[string]interface{}{"stock_code": code, "technicals": snapshot})
		},
	})

	if sectors != nil {
		r.Register(Tool{
			Schema: llm.ToolSchema{
				Name:        "get_sector_rankings",
				Description: "获取行业板块涨跌幅排行",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"limit": map[string]interface{}{"type": "integer", "description": "返回板块数量，默认10"},
					},
				},
			},
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				ranks, err := sectors.SectorRankings(ctx, argInt(args, "limit", 10))
				if err != nil {
					return "", err
				}
				return marshalResult(map[string]interface{}{"sectors": ranks})
			},
		})
	}

	if newsSvc != nil {
		r.Register(Tool{
			Schema: llm.ToolSchema{
				Name:        "search_stock_news",
				Description: "搜索股票的最新资讯（公告、行业、风险等多维度）",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"stock_code": map[string]interface{}{"type": "string", "description": "股票代码"},
						"stock_name": map[string]interface{}{"type": "string", "description": "股票名称，可选"},
					},
					"required": []string{"stock_code"},
				},
			},
			Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
				code := domain.CanonicalTicker(argString(args, "stock_code"))
				if code == "" {
					return "", fmt.Errorf("stock_code is required")
				}
				name := argString(args, "stock_name")
				if name == "" {
					name, _ = market.GetName(ctx, code)
				}
				intel := newsSvc.Search(ctx, code, name)
				return marshalResult(intel)
			},
		})
	}
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func argInt(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func marshalResult(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(data), nil
}
