package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/warp-terra/repoagent/internal/config"
	"github.com/warp-terra/repoagent/internal/tools"
)

// geminiRoleTool is the role carried by function-response messages in the
// stored history. It keeps tool results distinguishable from real user
// messages so failed-turn rollback never removes them.
const geminiRoleTool = "tool"

// GeminiRuntime implements the Runtime interface on top of the Google Gen
// AI SDK using non-streaming content generation.
type GeminiRuntime struct {
	client  *genai.Client
	modelID string
}

// NewGeminiRuntime creates a Gemini runtime for the given API key and model.
func NewGeminiRuntime(ctx context.Context, apiKey, modelID string) (*GeminiRuntime, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiRuntime{client: client, modelID: modelID}, nil
}

func (r *GeminiRuntime) Provider() string   { return config.ProviderGemini }
func (r *GeminiRuntime) ModelID() string    { return r.modelID }
func (r *GeminiRuntime) NeedsCallIDs() bool { return false }

// geminiHistory holds the conversation as Gemini content parts.
type geminiHistory struct {
	contents []*genai.Content
}

func (h *geminiHistory) Len() int { return len(h.contents) }

func (h *geminiHistory) Clear() { h.contents = nil }

func (h *geminiHistory) DropTrailingUser() bool {
	if len(h.contents) == 0 {
		return false
	}
	if h.contents[len(h.contents)-1].Role != genai.RoleUser {
		return false
	}
	h.contents = h.contents[:len(h.contents)-1]
	return true
}

func (r *GeminiRuntime) NewHistory() History {
	return &geminiHistory{}
}

func (r *GeminiRuntime) AppendUser(history History, text string) {
	h := history.(*geminiHistory)
	h.contents = append(h.contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: text}},
	})
}

func (r *GeminiRuntime) AppendAssistant(history History, turn *ModelTurn) {
	h := history.(*geminiHistory)
	if content, ok := turn.Payload.(*genai.Content); ok && content != nil {
		h.contents = append(h.contents, content)
	}
}

func (r *GeminiRuntime) AppendAssistantText(history History, text string) {
	h := history.(*geminiHistory)
	h.contents = append(h.contents, &genai.Content{
		Role:  genai.RoleModel,
		Parts: []*genai.Part{{Text: text}},
	})
}

func (r *GeminiRuntime) AppendToolResults(history History, results []ToolOutcome) {
	h := history.(*geminiHistory)
	parts := make([]*genai.Part, 0, len(results))
	for _, res := range results {
		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				Name:     res.Call.Name,
				Response: map[string]any{"result": res.Result},
			},
		})
	}
	h.contents = append(h.contents, &genai.Content{Role: geminiRoleTool, Parts: parts})
}

func (r *GeminiRuntime) Invoke(ctx context.Context, history History, decls []tools.Declaration) (*ModelTurn, error) {
	h := history.(*geminiHistory)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: SystemPrompt}},
		},
		Tools: toGeminiTools(decls),
	}

	resp, err := r.client.Models.GenerateContent(ctx, r.modelID, h.contents, cfg)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: response contained no candidates")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	var calls []FunctionCall
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args := map[string]any{}
			for key, value := range part.FunctionCall.Args {
				args[key] = value
			}
			calls = append(calls, FunctionCall{Name: part.FunctionCall.Name, Args: args})
		}
	}

	return &ModelTurn{
		Text:    text.String(),
		Calls:   calls,
		Payload: candidate.Content,
	}, nil
}

// toGeminiTools converts neutral declarations into one Gemini tool carrying
// all function declarations.
func toGeminiTools(decls []tools.Declaration) []*genai.Tool {
	if len(decls) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
			Parameters:  toGeminiSchema(decl.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, entry := range required {
			if s, ok := entry.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}
