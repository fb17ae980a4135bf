// Package model defines the contract the engine expects from an underlying
// generative model session: structured (schema-constrained) generation,
// optional streaming of partial chunks, and declarative tool exposure. The
// engine drives this capability; it never implements model semantics.
package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/converse/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider
// branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string of arguments
}

// ToolExchange pairs a completed tool call with its result so a follow-up
// request can replay the exchange to the provider.
type ToolExchange struct {
	Call   ToolCall `json:"call"`
	Result string   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ToolDefinition declaratively exposes a callable capability to the model.
// Parameters is a JSON Schema object (minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Schema declares the shape of a structured reply the session must conform to.
type Schema struct {
	Name       string         `json:"name"`
	Definition map[string]any `json:"definition"`
}

// ReplySchema is the fixed schema of a full assistant reply.
var ReplySchema = Schema{
	Name: "assistant_reply",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content":            map[string]any{"type": "string", "description": "The reply text shown to the user"},
			"tone":               map[string]any{"type": "string", "description": "Overall tone of the reply"},
			"confidence":         map[string]any{"type": "number", "description": "Model confidence between 0 and 1"},
			"category":           map[string]any{"type": "string", "description": "Topical category of the reply"},
			"topics":             map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"requires_follow_up": map[string]any{"type": "boolean"},
		},
		"required": []string{"content", "tone", "confidence", "category"},
	},
}

// TitleSchema is the lightweight schema used for lazy title synthesis.
var TitleSchema = Schema{
	Name: "conversation_title",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{"type": "string", "description": "A 3-6 word conversation title"},
		},
		"required": []string{"title"},
	},
}

// ReplyFields is the partial structured reply. Every field is optional so
// streaming providers can populate them progressively; nil means "not yet
// generated", never "empty".
type ReplyFields struct {
	Content          *string  `json:"content,omitempty"`
	Tone             *string  `json:"tone,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Category         *string  `json:"category,omitempty"`
	Topics           []string `json:"topics,omitempty"`
	RequiresFollowUp *bool    `json:"requires_follow_up,omitempty"`
}

// ParseReply decodes a completed structured reply payload into ReplyFields.
func ParseReply(raw []byte) (*ReplyFields, error) {
	var f ReplyFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decoding structured reply: %w", err)
	}
	return &f, nil
}

// ParseStructured decodes a completed payload according to the declared
// schema. Title payloads surface their text through the Content field so
// consumers read one place regardless of schema.
func ParseStructured(schema Schema, raw []byte) (*ReplyFields, error) {
	if schema.Name == TitleSchema.Name {
		var decoded struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decoding structured title: %w", err)
		}
		return &ReplyFields{Content: &decoded.Title}, nil
	}
	return ParseReply(raw)
}

// Request captures the normalized model input produced by a generation
// strategy.
type Request struct {
	Instructions  string           `json:"instructions"` // persona / system instructions
	History       []core.Message   `json:"history"`      // bounded recent window
	Input         string           `json:"input"`        // current user turn
	Tools         []ToolDefinition `json:"tools,omitempty"`
	ToolExchanges []ToolExchange   `json:"tool_exchanges,omitempty"` // completed call/result pairs for this turn
	Schema        Schema           `json:"schema"`
	Stream        bool             `json:"stream,omitempty"`
	MaxTokens     int64            `json:"max_tokens,omitempty"`
}

// Usage captures token usage statistics for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is a (partial or final) update emitted by a generating session.
// Exactly one terminal chunk with Complete=true ends a successful stream.
type Chunk struct {
	ContentDelta string       `json:"content_delta,omitempty"` // streamed text fragment
	Fields       *ReplyFields `json:"fields,omitempty"`        // structured fields known so far
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`    // model requests capability execution
	Complete     bool         `json:"complete"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
}

// Info contains metadata about a session implementation.
type Info struct {
	Name              string `json:"name"`
	Provider          string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools     bool   `json:"supports_tools"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// Session is the minimal interface required by strategies to drive generation.
// Implementations must close both channels when generation settles and honor
// context cancellation promptly.
type Session interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the session implementation.
	Info() Info
}

// Factory recreates a fresh session with the same provider configuration.
// The recovery layer uses it to execute a system restart.
type Factory func() (Session, error)
