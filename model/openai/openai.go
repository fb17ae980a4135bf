// Package openai provides a model session backed by the OpenAI Chat
// Completions API (including streaming and function/tool calling). It adapts
// the engine's normalized Request/Chunk structures into the SDK's message
// format and back.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/converse/model"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete calls when the finish reason arrives.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI session adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Session wraps the OpenAI Chat Completions API behind the generic
// model.Session interface.
type Session struct {
	client *openai.Client
	opts   Options
}

// NewSession creates a new OpenAI session using the official client.
func NewSession(optFns ...func(o *Options)) *Session {
	client := openai.NewClient()
	return NewSessionFromClient(&client, optFns...)
}

// NewSessionFromClient creates a new OpenAI session from an existing client.
func NewSessionFromClient(client *openai.Client, optFns ...func(o *Options)) *Session {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Session{client: client, opts: opts}
}

// Info implements model.Session.
func (s *Session) Info() model.Info {
	return model.Info{Name: s.opts.Model, Provider: "openai", SupportsTools: true, SupportsStreaming: true}
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
			s.handleStreaming(ctx, req, params, out, errCh)
			return
		}
		s.handleNonStreaming(ctx, req, params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts the normalized request into OpenAI chat messages,
// replaying completed tool exchanges after the current user input.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	instructions := req.Instructions + model.SchemaInstructions(req.Schema)
	messages = append(messages, openai.SystemMessage(instructions))

	for _, m := range req.History {
		if m.IsUser {
			messages = append(messages, openai.UserMessage(m.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	if req.Input != "" {
		messages = append(messages, openai.UserMessage(req.Input))
	}

	for _, ex := range req.ToolExchanges {
		messages = append(
			messages,
			openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role: "assistant",
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID:   ex.Call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      ex.Call.Name,
						Arguments: ex.Call.Arguments,
					},
				}},
			}},
		)
		result := ex.Result
		if ex.Error != "" {
			result = fmt.Sprintf("error: %s", ex.Error)
		}
		messages = append(messages, openai.ToolMessage(result, ex.Call.ID))
	}
	return messages
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (s *Session) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               s.opts.Model,
		Temperature:         openai.Float(s.opts.Temperature),
		MaxCompletionTokens: openai.Int(s.opts.MaxCompletionTokens),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming forwards text deltas as best-known partial content and
// aggregates tool call deltas until the finish reason arrives.
func (s *Session) handleStreaming(
	ctx context.Context,
	req model.Request,
	params openai.ChatCompletionNewParams,
	out chan<- model.Chunk,
	errCh chan<- error,
) {
	stream := s.client.Chat.Completions.NewStreaming(ctx, params)
	var raw strings.Builder
	toolAgg := map[int64]*aggCall{}
	var order []int64
	var usage *model.Usage

	for stream.Next() {
		ck := stream.Current()
		if ck.Usage.TotalTokens > 0 {
			usage = &model.Usage{
				PromptTokens:     int(ck.Usage.PromptTokens),
				CompletionTokens: int(ck.Usage.CompletionTokens),
				TotalTokens:      int(ck.Usage.TotalTokens),
			}
		}
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				raw.WriteString(ch.Delta.Content)
				chunk := model.Chunk{ContentDelta: ch.Delta.Content}
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
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					ac.args += tc.Function.Arguments
				}
			}
			if ch.FinishReason != "" {
				s.emitFinal(req, ch.FinishReason, raw.String(), toolAgg, order, usage, out, errCh)
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

// emitFinal converts the accumulated stream into either a tool-call chunk or
// the terminal structured chunk.
func (s *Session) emitFinal(
	req model.Request,
	finishReason string,
	raw string,
	toolAgg map[int64]*aggCall,
	order []int64,
	usage *model.Usage,
	out chan<- model.Chunk,
	errCh chan<- error,
) {
	if len(toolAgg) > 0 {
		calls := make([]model.ToolCall, 0, len(toolAgg))
		for _, idx := range order {
			ac := toolAgg[idx]
			calls = append(calls, model.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
		}
		out <- model.Chunk{ToolCalls: calls, FinishReason: finishReason, Usage: usage}
		return
	}
	fields, err := model.ParseStructured(req.Schema, []byte(model.StripFences(raw)))
	if err != nil {
		errCh <- err
		return
	}
	out <- model.Chunk{Fields: fields, Complete: true, FinishReason: finishReason, Usage: usage}
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (s *Session) handleNonStreaming(
	ctx context.Context,
	req model.Request,
	params openai.ChatCompletionNewParams,
	out chan<- model.Chunk,
	errCh chan<- error,
) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}
	choice := resp.Choices[0]
	usage := &model.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]model.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out <- model.Chunk{ToolCalls: calls, FinishReason: choice.FinishReason, Usage: usage}
		return
	}

	fields, err := model.ParseStructured(req.Schema, []byte(model.StripFences(choice.Message.Content)))
	if err != nil {
		errCh <- err
		return
	}
	out <- model.Chunk{Fields: fields, Complete: true, FinishReason: choice.FinishReason, Usage: usage}
}
