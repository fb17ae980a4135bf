// Package testutil provides small builders shared by package tests.
package testutil

import (
	"fmt"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/model"
)

// Session builds a session with n alternating user/assistant messages,
// starting with a user turn.
func Session(persona core.Persona, n int) *core.Session {
	s := core.NewSession(persona)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			s.Append(core.NewUserMessage(fmt.Sprintf("user turn %d", i/2+1)))
		} else {
			s.Append(core.NewAssistantMessage(fmt.Sprintf("assistant turn %d", i/2+1), nil))
		}
	}
	return s
}

// MessageAt builds a user message with an explicit timestamp, for ordering
// and retention tests.
func MessageAt(content string, at time.Time) core.Message {
	msg := core.NewUserMessage(content)
	msg.Timestamp = at
	return msg
}

// ReplyChunks scripts a terminal chunk carrying a complete structured reply,
// optionally preceded by per-word content deltas.
func ReplyChunks(content string, streamed bool) []model.Chunk {
	var chunks []model.Chunk
	if streamed {
		for _, r := range content {
			chunks = append(chunks, model.Chunk{ContentDelta: string(r)})
		}
	}
	confidence := 0.9
	tone := "friendly"
	category := "general"
	final := content
	chunks = append(chunks, model.Chunk{
		Fields: &model.ReplyFields{
			Content:    &final,
			Tone:       &tone,
			Confidence: &confidence,
			Category:   &category,
		},
		Complete:     true,
		FinishReason: "stop",
		Usage:        &model.Usage{PromptTokens: 10, CompletionTokens: len(content), TotalTokens: 10 + len(content)},
	})
	return chunks
}
