package strategy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/model"
	"github.com/hupe1980/converse/taxonomy"
)

// buildRequest assembles the normalized model request for one round. In
// simplified (fallback) mode the history window and token budget are halved.
func buildRequest(input string, genCtx GenContext, stream bool, exchanges []model.ToolExchange) model.Request {
	history := genCtx.History
	maxTokens := genCtx.MaxTokens
	if genCtx.Simplified {
		if len(history) > 1 {
			history = history[len(history)/2:]
		}
		if maxTokens > 0 {
			maxTokens /= 2
		} else {
			maxTokens = 1024
		}
	}
	req := model.Request{
		Instructions:  genCtx.Persona.Instructions,
		History:       history,
		Input:         input,
		Schema:        model.ReplySchema,
		Stream:        stream,
		MaxTokens:     maxTokens,
		ToolExchanges: exchanges,
	}
	if genCtx.Capabilities != nil {
		req.Tools = genCtx.Capabilities.Definitions()
	}
	return req
}

// drive runs the generation loop: invoke the session, merge chunks, execute
// any requested capability calls with a bounded timeout, and re-invoke with
// the replayed exchanges until the structured reply completes.
func drive(
	ctx context.Context,
	session model.Session,
	logger logging.Logger,
	input string,
	genCtx GenContext,
	stream bool,
	onPartial OnPartial,
) (*core.Message, error) {
	const op = "strategy.generate"
	started := time.Now()

	if genCtx.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, genCtx.Timeout)
		defer cancel()
	}

	var exchanges []model.ToolExchange
	for round := 0; round < maxToolRounds; round++ {
		acc := &PartialReply{}
		pendingCalls, err := consume(ctx, session, buildRequest(input, genCtx, stream, exchanges), acc, onPartial)
		if err != nil {
			return nil, taxonomy.Wrap(err, op)
		}

		if len(pendingCalls) == 0 {
			msg, err := acc.Finalize(op, started)
			if err != nil {
				return nil, err
			}
			logger.Debug("generation completed", "rounds", round+1, "tokens", msg.Metadata.TokenCount)
			return msg, nil
		}

		for _, call := range pendingCalls {
			exchanges = append(exchanges, executeCall(ctx, genCtx, logger, call))
		}
	}
	return nil, taxonomy.New(taxonomy.KindDecodingFailure, op, "capability call budget exhausted without a final reply")
}

// consume drains one Generate invocation, merging chunks into acc and
// returning any capability calls the model requested.
func consume(
	ctx context.Context,
	session model.Session,
	req model.Request,
	acc *PartialReply,
	onPartial OnPartial,
) ([]model.ToolCall, error) {
	chunks, errs := session.Generate(ctx, req)
	var pending []model.ToolCall
	lastContent := ""

	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			acc.Merge(c)
			if len(c.ToolCalls) > 0 {
				pending = append(pending, c.ToolCalls...)
			}
			if onPartial != nil {
				if content := acc.BestContent(); content != "" && content != lastContent {
					lastContent = content
					onPartial(content)
				}
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return pending, nil
}

// executeCall runs one capability call against the enabled set, bounding it
// by a budget derived from the generation timeout. Failures are replayed to
// the model as error results rather than aborting the turn.
func executeCall(ctx context.Context, genCtx GenContext, logger logging.Logger, call model.ToolCall) model.ToolExchange {
	ex := model.ToolExchange{Call: call}
	if genCtx.Capabilities == nil {
		ex.Error = "no capabilities are enabled"
		return ex
	}

	callCtx := ctx
	if genCtx.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, genCtx.Timeout/2)
		defer cancel()
	}

	start := time.Now()
	result, err := genCtx.Capabilities.Invoke(callCtx, call)
	if err != nil {
		logger.Warn("capability call failed", "capability", call.Name, "duration", time.Since(start), "error", err.Error())
		ex.Error = err.Error()
		return ex
	}
	logger.Debug("capability call completed", "capability", call.Name, "duration", time.Since(start))
	ex.Result = result
	return ex
}

// GenerateTitle issues a lightweight structured-title request for a session,
// deriving a 3-6 word title from the first user message.
func GenerateTitle(ctx context.Context, session model.Session, firstMessage string) (string, error) {
	const op = "strategy.title"
	req := model.Request{
		Instructions: "Summarize the user's message as a conversation title of 3 to 6 words.",
		Input:        firstMessage,
		Schema:       model.TitleSchema,
		MaxTokens:    64,
	}
	chunks, errs := session.Generate(ctx, req)

	var raw strings.Builder
	var title string
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			raw.WriteString(c.ContentDelta)
			if c.Fields != nil && c.Fields.Content != nil {
				title = *c.Fields.Content
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return "", taxonomy.Wrap(err, op)
			}
		}
	}

	if title == "" {
		var decoded struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal([]byte(model.StripFences(raw.String())), &decoded); err == nil {
			title = decoded.Title
		}
	}
	title = clampTitle(title)
	if title == "" {
		return "", taxonomy.New(taxonomy.KindDecodingFailure, op, "title synthesis produced no usable text")
	}
	return title, nil
}

// clampTitle trims a synthesized title to at most six words.
func clampTitle(title string) string {
	words := strings.Fields(strings.TrimSpace(title))
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
