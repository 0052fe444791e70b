package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/warp-terra/repoagent/internal/config"
	"github.com/warp-terra/repoagent/internal/tools"
)

// KimiRuntime implements the Runtime interface for OpenAI-compatible chat
// completion endpoints (Kimi / Moonshot by default).
type KimiRuntime struct {
	client  *openai.Client
	modelID string
}

// NewKimiRuntime creates a runtime against an OpenAI-compatible base URL.
func NewKimiRuntime(apiKey, baseURL, modelID string) *KimiRuntime {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &KimiRuntime{
		client:  openai.NewClientWithConfig(cfg),
		modelID: modelID,
	}
}

func (r *KimiRuntime) Provider() string   { return config.ProviderKimi }
func (r *KimiRuntime) ModelID() string    { return r.modelID }
func (r *KimiRuntime) NeedsCallIDs() bool { return true }

// kimiHistory holds the conversation as OpenAI chat messages.
type kimiHistory struct {
	messages []openai.ChatCompletionMessage
}

func (h *kimiHistory) Len() int { return len(h.messages) }

func (h *kimiHistory) Clear() { h.messages = nil }

func (h *kimiHistory) DropTrailingUser() bool {
	if len(h.messages) == 0 {
		return false
	}
	if h.messages[len(h.messages)-1].Role != openai.ChatMessageRoleUser {
		return false
	}
	h.messages = h.messages[:len(h.messages)-1]
	return true
}

func (r *KimiRuntime) NewHistory() History {
	return &kimiHistory{}
}

func (r *KimiRuntime) AppendUser(history History, text string) {
	h := history.(*kimiHistory)
	h.messages = append(h.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
}

func (r *KimiRuntime) AppendAssistant(history History, turn *ModelTurn) {
	h := history.(*kimiHistory)
	if message, ok := turn.Payload.(openai.ChatCompletionMessage); ok {
		h.messages = append(h.messages, message)
	}
}

func (r *KimiRuntime) AppendAssistantText(history History, text string) {
	h := history.(*kimiHistory)
	h.messages = append(h.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: text,
	})
}

func (r *KimiRuntime) AppendToolResults(history History, results []ToolOutcome) {
	h := history.(*kimiHistory)
	for _, res := range results {
		h.messages = append(h.messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    res.Result,
			ToolCallID: res.Call.CallID,
		})
	}
}

func (r *KimiRuntime) Invoke(ctx context.Context, history History, decls []tools.Declaration) (*ModelTurn, error) {
	h := history.(*kimiHistory)

	messages := make([]openai.ChatCompletionMessage, 0, len(h.messages)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt,
	})
	messages = append(messages, h.messages...)

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:      r.modelID,
		Messages:   messages,
		Tools:      toOpenAITools(decls),
		ToolChoice: "auto",
		// go-openai serializes Temperature with omitempty, so a literal 0
		// never reaches the wire; the SDK's own guidance is to pass
		// math.SmallestNonzeroFloat32 when greedy sampling is wanted.
		Temperature: math.SmallestNonzeroFloat32,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("kimi: response contained no choices")
	}

	message := resp.Choices[0].Message

	calls := make([]FunctionCall, 0, len(message.ToolCalls))
	for _, call := range message.ToolCalls {
		args := map[string]any{}
		if raw := call.Function.Arguments; raw != "" {
			// Tolerate malformed argument payloads: treat as empty object.
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{}
			}
		}
		calls = append(calls, FunctionCall{
			Name:   call.Function.Name,
			Args:   args,
			CallID: call.ID,
		})
	}

	return &ModelTurn{
		Text:  message.Content,
		Calls: calls,
		// The received message already carries content and the serialized
		// tool_calls array with their ids; append it to history as-is.
		Payload: message,
	}, nil
}

// toOpenAITools converts neutral declarations to the OpenAI tool format.
func toOpenAITools(decls []tools.Declaration) []openai.Tool {
	result := make([]openai.Tool, 0, len(decls))
	for _, decl := range decls {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			},
		})
	}
	return result
}
