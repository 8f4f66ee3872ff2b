package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiHTTPTimeout    = 180 * time.Second
)

// OpenAITransport speaks any OpenAI-compatible chat/completions endpoint,
// which covers gateway deployments and self-hosted models as well.
type OpenAITransport struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewOpenAITransport creates the transport. An empty baseURL targets the
// official API.
func NewOpenAITransport(baseURL string, log zerolog.Logger) *OpenAITransport {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAITransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: openaiHTTPTimeout},
		log:     log.With().Str("component", "llm-openai").Logger(),
	}
}

func (t *OpenAITransport) Provider() ProviderID { return ProviderOpenAI }

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	Tools          []openaiTool    `json:"tools,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *openaiRespFmt  `json:"response_format,omitempty"`
}

type openaiRespFmt struct {
	Type string `json:"type"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiTool struct {
	Type     string       `json:"type"`
	Function openaiToolFn `json:"function"`
}

type openaiToolFn struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content          string           `json:"content"`
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate performs one completion call.
func (t *OpenAITransport) Generate(ctx context.Context, apiKey, model string, req *Request) (*Response, error) {
	payload := openaiRequest{
		Model:     model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		payload.Temperature = &temp
	}
	if req.JSONMode && len(req.Tools) == 0 {
		payload.ResponseFormat = &openaiRespFmt{Type: "json_object"}
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFn{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai call failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, snippet(respBody))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai returned status %d: %s", httpResp.StatusCode, snippet(respBody))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidResponse, snippet(respBody))
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", domain.ErrInvalidResponse)
	}

	choice := parsed.Choices[0]
	out := &Response{
		Content:       choice.Message.Content,
		ReasoningBlob: choice.Message.ReasoningContent,
		Model:         model,
		Provider:      string(ProviderOpenAI),
	}
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidResponse)
	}
	return out, nil
}

// toOpenAIMessages converts the normalized conversation, inlining the system
// prompt as the first message.
func toOpenAIMessages(system string, messages []Message) []openaiMessage {
	var out []openaiMessage
	if system != "" {
		out = append(out, openaiMessage{Role: string(RoleSystem), Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			out = append(out, openaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		case RoleAssistant:
			converted := openaiMessage{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openaiToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openaiFunction{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			out = append(out, converted)

		default:
			if len(msg.Images) == 0 {
				out = append(out, openaiMessage{Role: string(msg.Role), Content: msg.Content})
				continue
			}
			var parts []openaiContentPart
			if msg.Content != "" {
				parts = append(parts, openaiContentPart{Type: "text", Text: msg.Content})
			}
			for _, img := range msg.Images {
				url := img.URL
				if len(img.Data) > 0 {
					url = fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))
				}
				parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
			}
			out = append(out, openaiMessage{Role: string(msg.Role), Content: parts})
		}
	}
	return out
}

// snippet trims an error body for log-friendly messages.
func snippet(body []byte) string {
	const max = 300
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
