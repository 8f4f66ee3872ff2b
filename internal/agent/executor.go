package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/llm"
)

// Progress event types for the agent SSE stream.
const (
	EventThinking   = "thinking"
	EventToolStart  = "tool_start"
	EventToolDone   = "tool_done"
	EventGenerating = "generating"
)

// ProgressEvent is one step notification emitted during a chat turn.
type ProgressEvent struct {
	Type    string `json:"type"`
	Tool    string `json:"tool,omitempty"`
	Label   string `json:"label,omitempty"`
	Content string `json:"content,omitempty"`
}

// thinkingLabels maps tools to the user-facing progress line.
var thinkingLabels = map[string]string{
	"get_daily_history":   "fetching daily candles",
	"get_realtime_quote":  "fetching realtime quote",
	"analyze_trend":       "computing technical indicators",
	"get_sector_rankings": "checking sector rankings",
	"search_stock_news":   "searching related news",
}

// Generator is the LLM surface (the router satisfies it).
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// ConversationStore persists chat turns. May be nil for ephemeral runs.
type ConversationStore interface {
	Append(turn *domain.ConversationTurn) (int64, error)
	History(sessionID string, limit int) ([]domain.ConversationTurn, error)
}

const (
	defaultMaxSteps = 10
	historyWindow   = 40

	basePrompt = `你是一名专业的股票投资助手。你可以调用工具获取行情、技术指标、板块排行与资讯。
回答要求：基于工具返回的真实数据，不要编造数字；引用数据时注明来源工具；用简体中文回答。`

	// stepLimitReply is returned when the loop hits the step cap while the
	// model still wants tools.
	stepLimitReply = "本轮推理步数已达上限，以上是基于已获取数据的阶段性结论。"
)

// Config tunes the executor.
type Config struct {
	MaxSteps int
	// DefaultStrategies is applied when a chat turn selects none.
	DefaultStrategies []string
}

// Executor runs the bounded ReAct loop.
type Executor struct {
	cfg      Config
	gen      Generator
	registry *Registry
	library  *StrategyLibrary
	conv     ConversationStore
	now      func() time.Time
	log      zerolog.Logger
}

// New creates an executor. conv may be nil.
func New(cfg Config, gen Generator, registry *Registry, library *StrategyLibrary,
	conv ConversationStore, log zerolog.Logger) *Executor {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	return &Executor{
		cfg:      cfg,
		gen:      gen,
		registry: registry,
		library:  library,
		conv:     conv,
		now:      time.Now,
		log:      log.With().Str("component", "agent").Logger(),
	}
}

// Strategies exposes the loaded strategy library.
func (e *Executor) Strategies() *StrategyLibrary {
	return e.library
}

// Chat runs one user turn of a session through the ReAct loop. emit may be
// nil. The user turn is persisted before the first model call so a failed
// turn still appears in the session.
func (e *Executor) Chat(ctx context.Context, sessionID, userMsg string, strategyNames []string,
	images []llm.ImagePayload, emit func(ProgressEvent)) (string, error) {

	if emit == nil {
		emit = func(ProgressEvent) {}
	}

	if len(strategyNames) == 0 {
		strategyNames = e.cfg.DefaultStrategies
	}
	system := basePrompt
	if e.library != nil {
		system = ComposePrompt(basePrompt, e.library.Select(strategyNames))
	}

	var messages []llm.Message
	if e.conv != nil && sessionID != "" {
		turns, err := e.conv.History(sessionID, historyWindow)
		if err != nil {
			return "", fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}
		messages = toLLMMessages(turns)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMsg, Images: images})
	e.persist(sessionID, &domain.ConversationTurn{SessionID: sessionID, Role: "user", Content: userMsg})

	return e.react(ctx, sessionID, system, messages, emit)
}

// react is the shared loop body.
func (e *Executor) react(ctx context.Context, sessionID, system string,
	messages []llm.Message, emit func(ProgressEvent)) (string, error) {

	var schemas []llm.ToolSchema
	if e.registry != nil {
		schemas = e.registry.Schemas()
	}

	for step := 0; step < e.cfg.MaxSteps; step++ {
		emit(ProgressEvent{Type: EventGenerating})

		resp, err := e.gen.Generate(ctx, &llm.Request{
			System:   system,
			Messages: messages,
			Tools:    schemas,
		})
		if err != nil {
			// The failed attempt stays in the session so history keeps one
			// turn per attempt.
			e.persist(sessionID, &domain.ConversationTurn{
				SessionID: sessionID,
				Role:      "assistant",
				Content:   "[分析失败] " + err.Error(),
			})
			return "", fmt.Errorf("model call failed: %w", err)
		}

		if !resp.HasToolCalls() {
			e.persist(sessionID, &domain.ConversationTurn{
				SessionID:     sessionID,
				Role:          "assistant",
				Content:       resp.Content,
				ReasoningBlob: resp.ReasoningBlob,
			})
			return resp.Content, nil
		}

		assistant := llm.Message{
			Role:          llm.RoleAssistant,
			Content:       resp.Content,
			ToolCalls:     resp.ToolCalls,
			ReasoningBlob: resp.ReasoningBlob,
		}
		messages = append(messages, assistant)
		e.persist(sessionID, &domain.ConversationTurn{
			SessionID:     sessionID,
			Role:          "assistant",
			Content:       resp.Content,
			ToolCalls:     marshalToolCalls(resp.ToolCalls),
			ReasoningBlob: resp.ReasoningBlob,
		})

		for _, call := range resp.ToolCalls {
			name := StripNamespace(call.Name)
			if label, ok := thinkingLabels[name]; ok {
				emit(ProgressEvent{Type: EventThinking, Tool: name, Label: label})
			}
			emit(ProgressEvent{Type: EventToolStart, Tool: name})

			result, err := e.registry.Dispatch(ctx, call.Name, call.Arguments)
			if err != nil {
				// The model sees the failure and can adjust course.
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
				e.log.Warn().Str("tool", name).Err(err).Msg("tool call failed")
			}
			emit(ProgressEvent{Type: EventToolDone, Tool: name})

			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
			e.persist(sessionID, &domain.ConversationTurn{
				SessionID: sessionID,
				Role:      "tool",
				Content:   result,
				ToolCalls: marshalToolRef(call),
			})
		}
	}

	e.log.Warn().Str("session_id", sessionID).Int("max_steps", e.cfg.MaxSteps).Msg("step limit reached")
	e.persist(sessionID, &domain.ConversationTurn{SessionID: sessionID, Role: "assistant", Content: stepLimitReply})
	return stepLimitReply, nil
}

// analysisPrompt asks for the structured report JSON at the end of the tool
// loop.
const analysisPrompt = basePrompt + `

本次任务是对给定股票产出结构化分析报告。你可以先调用工具补充数据，最终回答必须只输出一个 JSON 对象：
{"stock_name": "...", "sentiment_score": 0-100整数, "analysis_summary": "...", "operation_advice": "...", "trend_prediction": "...", "risk_alerts": ["..."], "ideal_buy": 数字或null, "secondary_buy": 数字或null, "stop_loss": 数字或null, "take_profit": 数字或null}`

// AnalyzeStock runs the evidence bundle through the tool loop and returns
// the final report text. Used by the pipeline in agent mode.
func (e *Executor) AnalyzeStock(ctx context.Context, bundle *domain.EvidenceBundle) (string, error) {
	evidence, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence: %w", err)
	}

	messages := []llm.Message{{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("请分析股票 %s（%s）。已收集的证据如下：\n%s", bundle.Ticker, bundle.Name, evidence),
	}}
	// No session: analysis runs are persisted as reports, not chats.
	return e.react(ctx, "", analysisPrompt, messages, nil)
}

func (e *Executor) persist(sessionID string, turn *domain.ConversationTurn) {
	if e.conv == nil || sessionID == "" {
		return
	}
	turn.CreatedAt = e.now().UTC()
	if _, err := e.conv.Append(turn); err != nil {
		e.log.Error().Str("session_id", sessionID).Err(err).Msg("failed to persist turn")
	}
}

// toLLMMessages rebuilds the provider conversation from stored turns.
func toLLMMessages(turns []domain.ConversationTurn) []llm.Message {
	var out []llm.Message
	for _, turn := range turns {
		switch turn.Role {
		case "assistant":
			msg := llm.Message{
				Role:          llm.RoleAssistant,
				Content:       turn.Content,
				ReasoningBlob: turn.ReasoningBlob,
			}
			if turn.ToolCalls != "" {
				_ = json.Unmarshal([]byte(turn.ToolCalls), &msg.ToolCalls)
			}
			out = append(out, msg)
		case "tool":
			msg := llm.Message{Role: llm.RoleTool, Content: turn.Content}
			var ref llm.ToolCall
			if turn.ToolCalls != "" && json.Unmarshal([]byte(turn.ToolCalls), &ref) == nil {
				msg.ToolCallID = ref.ID
			}
			out = append(out, msg)
		default:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: turn.Content})
		}
	}
	return out
}

func marshalToolCalls(calls []llm.ToolCall) string {
	data, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(data)
}

// marshalToolRef records which call a tool-result turn answers.
func marshalToolRef(call llm.ToolCall) string {
	data, err := json.Marshal(llm.ToolCall{ID: call.ID, Name: StripNamespace(call.Name)})
	if err != nil {
		return ""
	}
	return string(data)
}
