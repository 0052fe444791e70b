// Package agent implements the reasoning loop and the LLM provider
// runtimes behind it.
//
// Two provider dialects are supported: Google-style content parts (Gemini)
// and OpenAI-style chat messages with tool_calls (Kimi / Moonshot). Both
// hide behind the Runtime interface, which owns the provider-native
// history representation and normalizes model responses into ModelTurn
// values. The loop never branches on the provider; only the runtimes do.
package agent

import (
	"context"
	"fmt"

	"github.com/warp-terra/repoagent/internal/config"
	"github.com/warp-terra/repoagent/internal/tools"
)

// FunctionCall is the normalized record of one model-requested tool
// invocation.
type FunctionCall struct {
	Name string
	Args map[string]any
	// CallID is the provider-assigned id for OpenAI-style providers and
	// empty for Google-style ones.
	CallID string
}

// ToolOutcome pairs a function call with the tool's string result.
type ToolOutcome struct {
	Call   FunctionCall
	Result string
}

// ModelTurn is one normalized model response: the assistant text, zero or
// more tool calls, and the provider-native assistant payload to append to
// history verbatim.
type ModelTurn struct {
	Text    string
	Calls   []FunctionCall
	Payload any
}

// History is the provider-native conversation history. Each runtime
// produces and consumes its own concrete implementation; callers treat it
// as opaque.
type History interface {
	// Len returns the number of messages.
	Len() int

	// Clear drops all messages.
	Clear()

	// DropTrailingUser removes the last message if it is a user message,
	// reporting whether anything was removed. Used to roll back a failed
	// turn so the next one is not poisoned.
	DropTrailingUser() bool
}

// Runtime abstracts one LLM provider dialect behind a normalized contract.
type Runtime interface {
	// Provider returns the canonical provider name.
	Provider() string

	// ModelID returns the model identifier requests are sent to.
	ModelID() string

	// NeedsCallIDs reports whether tool results must carry the call id the
	// assistant supplied (OpenAI-style dialects).
	NeedsCallIDs() bool

	// NewHistory creates an empty provider-native history.
	NewHistory() History

	// AppendUser appends a user message.
	AppendUser(history History, text string)

	// AppendAssistant appends the assistant payload of a model turn
	// verbatim.
	AppendAssistant(history History, turn *ModelTurn)

	// AppendAssistantText appends a plain assistant text message, used for
	// locally synthesized answers.
	AppendAssistantText(history History, text string)

	// AppendToolResults appends tool execution results in the provider's
	// native shape.
	AppendToolResults(history History, results []ToolOutcome)

	// Invoke sends the history and tool declarations to the model and
	// returns the normalized response.
	Invoke(ctx context.Context, history History, decls []tools.Declaration) (*ModelTurn, error)
}

// NewRuntime builds the runtime selected by the process configuration.
func NewRuntime(ctx context.Context) (Runtime, error) {
	provider, err := config.Provider()
	if err != nil {
		return nil, err
	}
	modelID, err := config.ModelID(provider)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.APIKey(provider)
	if err != nil {
		return nil, err
	}

	switch provider {
	case config.ProviderGemini:
		return NewGeminiRuntime(ctx, apiKey, modelID)
	case config.ProviderKimi:
		return NewKimiRuntime(apiKey, config.KimiBaseURL(), modelID), nil
	}
	return nil, fmt.Errorf("不支持的模型厂商：%s", provider)
}
