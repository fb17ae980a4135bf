// Package strategy implements the response generation strategies driving a
// model session: an atomic variant requesting one fully-formed structured
// reply and a streaming variant merging partial chunks into a monotonically
// completing accumulator. Tool invocation is transparent here; the model
// session decides when to call an enabled capability and the strategy only
// replays results with a per-call timeout applied.
package strategy

import (
	"context"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/model"
	"github.com/hupe1980/converse/tool"
)

// maxToolRounds bounds model/capability round trips per turn.
const maxToolRounds = 4

// GenContext bundles everything a strategy needs for one generation turn.
type GenContext struct {
	Persona      core.Persona
	History      []core.Message // recent window, already bounded by max context length
	Capabilities *tool.CapabilitySet
	MaxTokens    int64
	Timeout      time.Duration // overall generation budget; also bounds tool calls
	Simplified   bool          // fallback mode: reduced window and token budget
}

// OnPartial receives the best-known textual content after each merged chunk.
type OnPartial func(content string)

// Strategy drives a model session to produce a structured assistant reply.
type Strategy interface {
	Name() string
	Generate(ctx context.Context, input string, genCtx GenContext, onPartial OnPartial) (*core.Message, error)
}

// Options configures strategy construction.
type Options struct {
	Logger logging.Logger
}

// Atomic issues one request for a fully-formed structured reply and returns
// once the complete object is received. onPartial is never invoked.
type Atomic struct {
	session model.Session
	logger  logging.Logger
}

// NewAtomic creates an atomic strategy over the given session.
func NewAtomic(session model.Session, optFns ...func(o *Options)) *Atomic {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Atomic{session: session, logger: opts.Logger}
}

// Name implements Strategy.
func (a *Atomic) Name() string { return "atomic" }

// Generate implements Strategy.
func (a *Atomic) Generate(ctx context.Context, input string, genCtx GenContext, _ OnPartial) (*core.Message, error) {
	return drive(ctx, a.session, a.logger, input, genCtx, false, nil)
}

// SwapSession replaces the underlying model session (used after a system
// restart recovery).
func (a *Atomic) SwapSession(s model.Session) { a.session = s }

// Streaming opens a sequence of partial updates, merging each into the
// accumulator and invoking onPartial with the best-known content, resolving
// when the session signals completion.
type Streaming struct {
	session model.Session
	logger  logging.Logger
}

// NewStreaming creates a streaming strategy over the given session.
func NewStreaming(session model.Session, optFns ...func(o *Options)) *Streaming {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Streaming{session: session, logger: opts.Logger}
}

// Name implements Strategy.
func (s *Streaming) Name() string { return "streaming" }

// Generate implements Strategy.
func (s *Streaming) Generate(ctx context.Context, input string, genCtx GenContext, onPartial OnPartial) (*core.Message, error) {
	return drive(ctx, s.session, s.logger, input, genCtx, true, onPartial)
}

// SwapSession replaces the underlying model session (used after a system
// restart recovery).
func (s *Streaming) SwapSession(sess model.Session) { s.session = sess }
