package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// GeminiTransport speaks the Gemini API through the official genai SDK.
type GeminiTransport struct {
	log zerolog.Logger
}

// NewGeminiTransport creates the transport.
func NewGeminiTransport(log zerolog.Logger) *GeminiTransport {
	return &GeminiTransport{log: log.With().Str("component", "llm-gemini").Logger()}
}

func (t *GeminiTransport) Provider() ProviderID { return ProviderGemini }

// Generate performs one completion call.
func (t *GeminiTransport) Generate(ctx context.Context, apiKey, model string, req *Request) (*Response, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSONMode && len(req.Tools) == 0 {
		config.ResponseMIMEType = "application/json"
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(req.Tools)}}
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini call failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty gemini response")
	}

	out := &Response{Model: model, Provider: string(ProviderGemini)}
	for _, part := range resp.Candidates[0].Content.Parts {
		if len(part.ThoughtSignature) > 0 {
			out.ReasoningBlob = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
		}
		if part.Thought {
			continue
		}
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, marshalErr := json.Marshal(part.FunctionCall.Args)
			if marshalErr != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				// Gemini does not issue call ids; the name doubles as one.
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return out, nil
}

// toGeminiContents converts the normalized conversation. Tool results
// become function-response parts; reasoning blobs are re-attached as
// thought signatures on the assistant's function-call part.
func toGeminiContents(messages []Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case RoleTool:
			var result map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
				result = map[string]interface{}{"output": msg.Content}
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolCallID, result)
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})

		case RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var args map[string]interface{}
				if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
					args = map[string]interface{}{}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args}})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(""))
			}
			if msg.ReasoningBlob != "" {
				if sig, err := base64.StdEncoding.DecodeString(msg.ReasoningBlob); err == nil {
					parts[len(parts)-1].ThoughtSignature = sig
				}
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		default: // user and system-as-user
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, img := range msg.Images {
				if len(img.Data) > 0 {
					parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
				} else if img.URL != "" {
					parts = append(parts, genai.NewPartFromURI(img.URL, img.MIMEType))
				}
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("no convertible messages")
	}
	return contents, nil
}

// toGeminiDeclarations converts OpenAI-style JSON Schema tools.
func toGeminiDeclarations(tools []ToolSchema) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGeminiSchema(tool.Parameters),
		})
	}
	return decls
}

// toGeminiSchema converts a JSON Schema map to genai.Schema. Unknown
// constructs are dropped rather than failing the call.
func toGeminiSchema(schemaMap map[string]interface{}) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch typeStr {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		}
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				schema.Properties[name] = toGeminiSchema(sub)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]interface{}); ok {
		schema.Items = toGeminiSchema(items)
	}
	if required, ok := schemaMap["required"].([]interface{}); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	} else if required, ok := schemaMap["required"].([]string); ok {
		schema.Required = required
	}
	if enum, ok := schemaMap["enum"].([]interface{}); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, v)
			}
		}
	}
	return schema
}
