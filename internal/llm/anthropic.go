package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicTransport speaks the Anthropic Messages API through the
// official SDK.
type AnthropicTransport struct {
	log zerolog.Logger
}

// NewAnthropicTransport creates the transport.
func NewAnthropicTransport(log zerolog.Logger) *AnthropicTransport {
	return &AnthropicTransport{log: log.With().Str("component", "llm-anthropic").Logger()}
}

func (t *AnthropicTransport) Provider() ProviderID { return ProviderAnthropic }

// anthropicReasoning is the opaque blob format for thinking passthrough.
type anthropicReasoning struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// Generate performs one completion call.
func (t *AnthropicTransport) Generate(ctx context.Context, apiKey, model string, req *Request) (*Response, error) {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	out := &Response{Model: model, Provider: string(ProviderAnthropic)}
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: variant.JSON.Input.Raw(),
			})
		case anthropic.ThinkingBlock:
			blob, marshalErr := json.Marshal(anthropicReasoning{Thinking: variant.Thinking, Signature: variant.Signature})
			if marshalErr == nil {
				out.ReasoningBlob = string(blob)
			}
		}
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("empty anthropic response")
	}
	return out, nil
}

// toAnthropicMessages converts the normalized conversation. Thinking blobs
// captured on previous turns are re-emitted as thinking blocks so signed
// reasoning survives multi-turn tool use.
func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			block := anthropic.ContentBlockParamUnion{
				OfToolResult: &anthropic.ToolResultBlockParam{
					ToolUseID: msg.ToolCallID,
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: msg.Content}},
					},
				},
			}
			out = append(out, anthropic.NewUserMessage(block))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.ReasoningBlob != "" {
				var reasoning anthropicReasoning
				if err := json.Unmarshal([]byte(msg.ReasoningBlob), &reasoning); err == nil && reasoning.Signature != "" {
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfThinking: &anthropic.ThinkingBlockParam{
							Thinking:  reasoning.Thinking,
							Signature: reasoning.Signature,
						},
					})
				}
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: json.RawMessage(call.Arguments),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, img := range msg.Images {
				if len(img.Data) > 0 {
					encoded := base64.StdEncoding.EncodeToString(img.Data)
					blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, encoded))
				} else if img.URL != "" {
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfImage: &anthropic.ImageBlockParam{
							Source: anthropic.ImageBlockParamSourceUnion{
								OfURL: &anthropic.URLImageSourceParam{URL: img.URL},
							},
						},
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// toAnthropicTools converts OpenAI-style schemas to tool params.
func toAnthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := tool.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if required, ok := tool.Parameters["required"].([]string); ok {
			schema.Required = required
		} else if rawRequired, ok := tool.Parameters["required"].([]interface{}); ok {
			for _, r := range rawRequired {
				if name, ok := r.(string); ok {
					schema.Required = append(schema.Required, name)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
