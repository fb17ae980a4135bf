package strategy

import (
	"strings"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/model"
	"github.com/hupe1980/converse/taxonomy"
)

// PartialReply accumulates streamed chunks into the structured reply. Fields
// merge monotonically: a populated field is never un-set, though a newer
// non-nil value may refine it. Raw content deltas are kept as a fallback for
// display until the structured content field arrives.
type PartialReply struct {
	raw      strings.Builder
	fields   model.ReplyFields
	usage    *model.Usage
	complete bool
}

// Merge folds one chunk into the accumulator.
func (p *PartialReply) Merge(c model.Chunk) {
	if c.ContentDelta != "" {
		p.raw.WriteString(c.ContentDelta)
	}
	if c.Fields != nil {
		if c.Fields.Content != nil {
			p.fields.Content = c.Fields.Content
		}
		if c.Fields.Tone != nil {
			p.fields.Tone = c.Fields.Tone
		}
		if c.Fields.Confidence != nil {
			p.fields.Confidence = c.Fields.Confidence
		}
		if c.Fields.Category != nil {
			p.fields.Category = c.Fields.Category
		}
		if len(c.Fields.Topics) > 0 {
			p.fields.Topics = c.Fields.Topics
		}
		if c.Fields.RequiresFollowUp != nil {
			p.fields.RequiresFollowUp = c.Fields.RequiresFollowUp
		}
	}
	if c.Usage != nil {
		p.usage = c.Usage
	}
	if c.Complete {
		p.complete = true
	}
}

// BestContent returns the best-known textual content: the structured content
// field when populated, else the concatenated raw deltas.
func (p *PartialReply) BestContent() string {
	if p.fields.Content != nil {
		return *p.fields.Content
	}
	return p.raw.String()
}

// Complete reports whether the terminal signal has been received.
func (p *PartialReply) Complete() bool { return p.complete }

// Finalize converts the accumulator into a persisted-ready assistant
// message. A stream that ended without the terminal signal or without all
// required schema fields is a decoding failure; a completed stream with
// empty content is an empty-reply failure (retryable, never a valid reply).
func (p *PartialReply) Finalize(op string, started time.Time) (*core.Message, error) {
	if !p.complete {
		return nil, taxonomy.New(taxonomy.KindDecodingFailure, op, "stream ended before the structured reply completed")
	}
	if p.fields.Content == nil || p.fields.Tone == nil || p.fields.Confidence == nil || p.fields.Category == nil {
		return nil, taxonomy.New(taxonomy.KindDecodingFailure, op, "structured reply is missing required fields")
	}
	content := strings.TrimSpace(*p.fields.Content)
	if content == "" {
		return nil, taxonomy.New(taxonomy.KindEmptyReply, op, "completed generation produced empty reply content")
	}

	confidence := *p.fields.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	md := &core.Metadata{
		ProcessingTime: time.Since(started),
		Confidence:     confidence,
		Tone:           *p.fields.Tone,
		Category:       *p.fields.Category,
		Topics:         p.fields.Topics,
	}
	if p.fields.RequiresFollowUp != nil {
		md.RequiresFollowUp = *p.fields.RequiresFollowUp
	}
	if p.usage != nil {
		md.TokenCount = p.usage.TotalTokens
	}
	msg := core.NewAssistantMessage(content, md)
	return &msg, nil
}
