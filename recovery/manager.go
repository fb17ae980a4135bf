package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/taxonomy"
)

// RunOptions modifies how a wrapped operation executes on a given attempt.
type RunOptions struct {
	// Simplified requests a reduced context window and token budget.
	Simplified bool
}

// Operation is the unit of work the manager protects, typically a strategy
// generation bound to a session.
type Operation func(ctx context.Context, opts RunOptions) (*core.Message, error)

// Options configures a Manager.
type Options struct {
	// MaxRetries bounds ActionRetry attempts after the initial failure.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; each subsequent retry
	// doubles it.
	BaseBackoff time.Duration
	// Restart discards and recreates the model session graph with the same
	// persona and capability set. Required for ActionSystemRestart; when nil
	// restarts degrade to user intervention.
	Restart func(ctx context.Context) error
	// OnProgress is invoked before each retry attempt with (attempt, max),
	// letting callers display "recovering... (attempt n/3)".
	OnProgress func(attempt, max int)
	// DegradedReply overrides the canned reply synthesized in degraded mode.
	DegradedReply func(kind taxonomy.Kind) *core.Message
	// Logger receives recovery diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager executes operations under the engine's recovery policy. It is safe
// for concurrent use, though the engine drives at most one generation at a
// time per coordinator.
type Manager struct {
	maxRetries    int
	baseBackoff   time.Duration
	restart       func(ctx context.Context) error
	onProgress    func(attempt, max int)
	degradedReply func(kind taxonomy.Kind) *core.Message
	logger        logging.Logger

	mu         sync.Mutex
	retryCount int
	terminal   bool
}

// NewManager constructs a Manager with the default policy (3 retries, 1s
// base backoff).
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		MaxRetries:  3,
		BaseBackoff: time.Second,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	m := &Manager{
		maxRetries:    opts.MaxRetries,
		baseBackoff:   opts.BaseBackoff,
		restart:       opts.Restart,
		onProgress:    opts.OnProgress,
		degradedReply: opts.DegradedReply,
		logger:        opts.Logger,
	}
	if m.degradedReply == nil {
		m.degradedReply = defaultDegradedReply
	}
	return m
}

// RetryCount returns the current attempt counter. It resets to zero on any
// successful operation.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Terminal reports whether repeated restart failure has escalated to a
// terminal condition. Once terminal, no further automatic recovery runs
// until Reset (an explicit user-initiated new session).
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Reset clears the attempt counter and terminal flag.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
	m.terminal = false
}

// Execute runs op, classifying any failure and executing the mapped recovery
// action. On success the attempt counter resets to zero.
func (m *Manager) Execute(ctx context.Context, opName string, op Operation) (*core.Message, error) {
	if m.Terminal() {
		return nil, taxonomy.New(taxonomy.KindSessionInitFailed, opName,
			"model session could not be recreated; start a new conversation")
	}

	msg, err := op(ctx, RunOptions{})
	if err == nil {
		m.succeed()
		return msg, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ee := taxonomy.Wrap(err, opName)
	action := ActionFor(ee.Kind)
	m.logger.Warn("operation failed, executing recovery",
		"op", opName, "kind", string(ee.Kind), "action", action.String(), "error", ee.Message)

	switch action {
	case ActionRetry:
		return m.executeRetry(ctx, opName, op, ee)
	case ActionFallbackStrategy:
		return m.executeFallback(ctx, opName, op, ee)
	case ActionDegradedMode:
		m.succeed()
		return m.degradedReply(ee.Kind), nil
	case ActionSystemRestart:
		return m.executeRestart(ctx, opName, op, ee)
	default: // ActionUserIntervention
		return nil, ee
	}
}

// executeRetry re-invokes op up to MaxRetries times with exponential backoff
// (1s, 2s, 4s for the default policy; the original attempt has no pre-delay).
func (m *Manager) executeRetry(ctx context.Context, opName string, op Operation, lastErr *taxonomy.EngineError) (*core.Message, error) {
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		m.setRetryCount(attempt)
		if m.onProgress != nil {
			m.onProgress(attempt, m.maxRetries)
		}

		delay := m.baseBackoff << (attempt - 1)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}

		msg, err := op(ctx, RunOptions{})
		if err == nil {
			m.succeed()
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = taxonomy.Wrap(err, opName)
		m.logger.Warn("retry attempt failed",
			"op", opName, "attempt", attempt, "max", m.maxRetries, "kind", string(lastErr.Kind))

		// A failure that is no longer retryable stops the loop early.
		if ActionFor(lastErr.Kind) != ActionRetry {
			break
		}
	}
	return nil, lastErr
}

// executeFallback retries once with a simplified request before giving up.
func (m *Manager) executeFallback(ctx context.Context, opName string, op Operation, lastErr *taxonomy.EngineError) (*core.Message, error) {
	m.setRetryCount(1)
	if m.onProgress != nil {
		m.onProgress(1, 1)
	}

	msg, err := op(ctx, RunOptions{Simplified: true})
	if err == nil {
		m.succeed()
		return msg, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.logger.Warn("fallback attempt failed", "op", opName, "error", err.Error())
	return nil, taxonomy.Wrap(err, opName)
}

// executeRestart rebuilds the model session graph then retries once. The
// rebuild itself gets a second attempt; only repeated failure escalates to
// the terminal condition.
func (m *Manager) executeRestart(ctx context.Context, opName string, op Operation, lastErr *taxonomy.EngineError) (*core.Message, error) {
	if m.restart == nil {
		return nil, lastErr
	}

	m.setRetryCount(1)
	if m.onProgress != nil {
		m.onProgress(1, 1)
	}

	if err := m.restart(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("model session restart failed, retrying", "op", opName, "error", err.Error())
		if err = m.restart(ctx); err != nil {
			m.escalate()
			m.logger.Error("model session restart failed", "op", opName, "error", err.Error())
			return nil, taxonomy.New(taxonomy.KindSessionInitFailed, opName,
				"model session could not be recreated; start a new conversation")
		}
	}

	msg, err := op(ctx, RunOptions{})
	if err == nil {
		m.succeed()
		return msg, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, taxonomy.Wrap(err, opName)
}

func (m *Manager) succeed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
}

func (m *Manager) setRetryCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = n
}

func (m *Manager) escalate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminal = true
}

// sleepCtx waits for d or until ctx is cancelled, so cancelling a
// conversation also aborts a pending retry.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// defaultDegradedReply synthesizes the safe canned reply used in degraded
// mode, flagged with low confidence so callers can render it accordingly.
func defaultDegradedReply(kind taxonomy.Kind) *core.Message {
	msg := core.NewAssistantMessage(
		"I can't generate a full response right now. "+kind.Suggestion(),
		&core.Metadata{Confidence: 0.1, Tone: "apologetic", Category: "system"},
	)
	return &msg
}
