// Package anthropic provides a model session backed by the Anthropic
// Messages API, adapting the engine's normalized Request/Chunk structures to
// the SDK with streaming and tool use support.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/converse/model"
)

// Options configures the Anthropic session adapter (model id, temperature,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Session wraps the Anthropic Messages API behind the generic model.Session
// interface.
type Session struct {
	client *anthropic.Client
	opts   Options
}

// NewSession creates a new Anthropic session using the official client.
func NewSession(optFns ...func(o *Options)) *Session {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Session{client: &client, opts: opts}
}

// NewSessionFromClient creates a new Anthropic session from an existing client.
func NewSessionFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Session {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Session{client: client, opts: opts}
}

// Info implements model.Session.
func (s *Session) Info() model.Info {
	return model.Info{Name: string(s.opts.Model), Provider: "anthropic", SupportsTools: true, SupportsStreaming: true}
}

// Generate implements unified streaming / non-streaming structured generation.
func (s *Session) Generate(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := s.buildParams(req)
		if req.Stream {
			s.handleStreaming(ctx, req.Schema, params, out, errCh)
			return
		}

		resp, err := s.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}
		emitMessage(req.Schema, resp, out, errCh)
	}()

	return out, errCh
}

// buildParams assembles the Messages API parameters from the normalized request.
func (s *Session) buildParams(req model.Request) anthropic.MessageNewParams {
	maxTokens := s.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       s.opts.Model,
		Messages:    buildMessages(req),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(s.opts.Temperature),
	}

	instructions := req.Instructions + model.SchemaInstructions(req.Schema)
	params.System = []anthropic.TextBlockParam{{Text: instructions}}

	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// buildMessages converts the normalized history, current input and completed
// tool exchanges into Anthropic message params.
func buildMessages(req model.Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		if m.IsUser {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.Input != "" {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Input)))
	}

	for _, ex := range req.ToolExchanges {
		var input any
		if ex.Call.Arguments != "" {
			if err := json.Unmarshal([]byte(ex.Call.Arguments), &input); err != nil {
				input = ex.Call.Arguments
			}
		}
		messages = append(messages, anthropic.NewAssistantMessage(
			anthropic.NewToolUseBlock(ex.Call.ID, input, ex.Call.Name),
		))
		result := ex.Result
		isError := false
		if ex.Error != "" {
			result = ex.Error
			isError = true
		}
		messages = append(messages, anthropic.NewUserMessage(
			anthropic.NewToolResultBlock(ex.Call.ID, result, isError),
		))
	}
	return messages
}

// buildTools converts engine tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tdef := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if tdef.Parameters != nil {
			if properties, ok := tdef.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			if required, ok := tdef.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []any:
					for _, r := range req {
						if str, ok := r.(string); ok {
							inputSchema.Required = append(inputSchema.Required, str)
						}
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tdef.Name,
				Description: anthropic.String(tdef.Description),
				InputSchema: inputSchema,
			},
		}
	}
	return out
}

// handleStreaming accumulates stream events into a full message while
// forwarding text deltas as best-known partial content.
func (s *Session) handleStreaming(
	ctx context.Context,
	schema model.Schema,
	params anthropic.MessageNewParams,
	out chan<- model.Chunk,
	errCh chan<- error,
) {
	stream := s.client.Messages.NewStreaming(ctx, params)
	var raw strings.Builder
	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text == "" {
					continue
				}
				raw.WriteString(deltaVariant.Text)
				chunk := model.Chunk{ContentDelta: deltaVariant.Text}
				if content, ok := model.ExtractPartialContent(raw.String()); ok {
					chunk.Fields = &model.ReplyFields{Content: &content}
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- chunk:
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}
	emitMessage(schema, &message, out, errCh)
}

// emitMessage converts a complete API message into either a tool-call chunk
// or the terminal structured chunk.
func emitMessage(schema model.Schema, msg *anthropic.Message, out chan<- model.Chunk, errCh chan<- error) {
	var text strings.Builder
	var calls []model.ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			calls = append(calls, model.ToolCall{ID: toolBlock.ID, Name: toolBlock.Name, Arguments: args})
		}
	}

	finishReason := "stop"
	if msg.StopReason != "" {
		finishReason = string(msg.StopReason)
	}
	usage := &model.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	if len(calls) > 0 {
		out <- model.Chunk{ToolCalls: calls, FinishReason: finishReason, Usage: usage}
		return
	}

	fields, err := model.ParseStructured(schema, []byte(model.StripFences(text.String())))
	if err != nil {
		errCh <- err
		return
	}
	out <- model.Chunk{Fields: fields, Complete: true, FinishReason: finishReason, Usage: usage}
}
