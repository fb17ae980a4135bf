// Package coordinator implements the top-level conversation façade. It owns
// the state machine and the current session, accepts external requests,
// invokes the generation strategy through the recovery manager, and commits
// results through the persistence gateway. Callers interact only with the
// coordinator's public operations plus its event subscription; state
// machine, strategies and recovery are never touched directly.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/model"
	"github.com/hupe1980/converse/recovery"
	"github.com/hupe1980/converse/store"
	"github.com/hupe1980/converse/strategy"
	"github.com/hupe1980/converse/taxonomy"
	"github.com/hupe1980/converse/tool"
)

// ErrNoActiveSession is returned by operations that require a current session.
var ErrNoActiveSession = errors.New("no active session")

// Options holds dependency and configuration overrides passed to New.
type Options struct {
	// Capabilities is the managed set of external tools exposed to
	// generations. Defaults to an empty set.
	Capabilities *tool.CapabilitySet
	// GenerationTimeout bounds one full generation turn including tool calls.
	GenerationTimeout time.Duration
	// EventBufferSize sets per-subscriber channel buffering.
	EventBufferSize int
	// RecoveryOptions tunes the recovery manager (retries, backoff).
	RecoveryOptions []func(o *recovery.Options)
	// Logger receives engine diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Coordinator is the single-writer conversation engine façade. All mutation
// enters through its public operations; the state machine's one-outstanding-
// transition invariant is the sole mutual exclusion for generation turns.
type Coordinator struct {
	machine      *core.StateMachine
	gateway      store.Gateway
	manager      *recovery.Manager
	capabilities *tool.CapabilitySet
	factory      model.Factory
	logger       logging.Logger
	events       *publisher

	genTimeout time.Duration

	mu           sync.Mutex
	modelSession model.Session
	atomic       *strategy.Atomic
	streaming    *strategy.Streaming
	settings     core.Settings
	current      *core.Session
	persisted    bool // current session exists in the gateway
	genCancel    context.CancelFunc
	genDone      chan struct{}
}

// New constructs a Coordinator. The factory is invoked once for the initial
// model session and again on every system restart recovery.
func New(gateway store.Gateway, factory model.Factory, optFns ...func(o *Options)) (*Coordinator, error) {
	opts := Options{
		GenerationTimeout: 60 * time.Second,
		EventBufferSize:   64,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capabilities == nil {
		opts.Capabilities = tool.NewCapabilitySet(nil)
	}

	session, err := factory()
	if err != nil {
		return nil, taxonomy.Wrap(fmt.Errorf("session init failed: %w", err), "coordinator.new")
	}

	settings, err := gateway.LoadSettings(context.Background())
	if err != nil {
		opts.Logger.Warn("loading settings failed, using defaults", "error", err.Error())
		settings = core.DefaultSettings()
	}

	c := &Coordinator{
		machine:      core.NewStateMachine(),
		gateway:      gateway,
		capabilities: opts.Capabilities,
		factory:      factory,
		logger:       opts.Logger,
		events:       newPublisher(opts.EventBufferSize, opts.Logger),
		genTimeout:   opts.GenerationTimeout,
		modelSession: session,
		atomic:       strategy.NewAtomic(session, func(o *strategy.Options) { o.Logger = opts.Logger }),
		streaming:    strategy.NewStreaming(session, func(o *strategy.Options) { o.Logger = opts.Logger }),
		settings:     settings,
	}

	recoveryOpts := append([]func(o *recovery.Options){func(o *recovery.Options) {
		o.Logger = opts.Logger
		o.Restart = c.restartModelSession
		o.OnProgress = func(attempt, max int) {
			c.events.publish(Event{Type: EventRecoveryProgress, Attempt: attempt, MaxAttempts: max})
		}
	}}, opts.RecoveryOptions...)
	c.manager = recovery.NewManager(recoveryOpts...)

	return c, nil
}

// Subscribe returns an ordered state/partial-content event stream and an
// unsubscribe func.
func (c *Coordinator) Subscribe() (<-chan Event, func()) { return c.events.subscribe() }

// State returns the current conversation state and error detail.
func (c *Coordinator) State() (core.State, string) { return c.machine.Current() }

// RetryCount exposes the recovery manager's current attempt counter.
func (c *Coordinator) RetryCount() int { return c.manager.RetryCount() }

// Settings returns the active settings.
func (c *Coordinator) Settings() core.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings persists new settings and applies them to subsequent turns.
func (c *Coordinator) UpdateSettings(ctx context.Context, settings core.Settings) error {
	if err := c.gateway.SaveSettings(ctx, settings); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return nil
}

// CurrentSession returns a snapshot of the in-memory current session, or nil.
func (c *Coordinator) CurrentSession() *core.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current.Snapshot()
}

// SendMessage accepts one user turn. It is rejected with core.ErrBusy when
// the state machine is not Active/VoiceListening. On acceptance the user
// message is appended and persisted immediately, the machine moves to
// Thinking, and generation proceeds on a background goroutine; completion,
// partial content and failures are delivered through the event stream.
// The returned channel closes when the turn settles.
func (c *Coordinator) SendMessage(ctx context.Context, text string) (<-chan struct{}, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message text is empty")
	}

	change, err := c.machine.BeginTurn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current == nil {
		c.current = core.NewSession(c.settings.Persona)
		c.persisted = false
	}
	sess := c.current
	userMsg := core.NewUserMessage(text)
	sess.Append(userMsg)
	if err := c.persistCurrentLocked(ctx, &userMsg); err != nil {
		// The turn never started; undo the claim.
		sess.RemoveMessage(userMsg.ID)
		c.mu.Unlock()
		c.machine.Transition(core.StateActive, "")
		return nil, err
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.genCancel = cancel
	c.genDone = done
	streamingEnabled := c.settings.StreamingEnabled
	c.mu.Unlock()

	c.publishState(change)
	c.events.publish(Event{Type: EventMessageAppended, Message: &userMsg, SessionID: sess.ID})

	go c.runGeneration(genCtx, done, sess, text, streamingEnabled)
	return done, nil
}

// runGeneration executes one turn under recovery and commits the outcome.
func (c *Coordinator) runGeneration(ctx context.Context, done chan struct{}, sess *core.Session, input string, streamingEnabled bool) {
	defer close(done)
	defer c.clearTurnHandles(done)

	var streamedOnce sync.Once
	onPartial := func(content string) {
		streamedOnce.Do(func() {
			if change, err := c.machine.Transition(core.StateStreaming, ""); err == nil {
				c.publishState(change)
			}
		})
		c.events.publish(Event{Type: EventPartialContent, Content: content, SessionID: sess.ID})
	}

	op := func(ctx context.Context, opts recovery.RunOptions) (*core.Message, error) {
		gen := c.buildGenContext(sess, opts.Simplified)
		if streamingEnabled {
			return c.streaming.Generate(ctx, input, gen, onPartial)
		}
		return c.atomic.Generate(ctx, input, gen, nil)
	}

	msg, err := c.manager.Execute(ctx, "coordinator.send_message", op)
	if ctx.Err() != nil {
		// Cancelled turn: discard any partial result, never persist it.
		c.settleCancelled(sess)
		return
	}
	if err != nil {
		c.settleFailed(sess, err)
		return
	}
	c.settleCompleted(ctx, sess, msg)
}

// clearTurnHandles releases the cancel handles installed by SendMessage.
// A settling turn may race the acceptance of the next one (the machine
// returns to Active before the goroutine's defers run), so the handles are
// cleared only if they still belong to this turn.
func (c *Coordinator) clearTurnHandles(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genDone != done {
		return
	}
	c.genCancel = nil
	c.genDone = nil
}

/// buildGenContext assembles the per-turn generation context: persona, a
// window bounded by MaxContextLength (excluding the just-appended user
// turn), the capability set and budgets.
func (c *Coordinator) buildGenContext(sess *core.Session, simplified bool) strategy.GenContext {
	c.mu.Lock()
	maxCtx := c.settings.MaxContextLength
	persona := sess.Persona
	c.mu.Unlock()

	history := sess.RecentWindow(maxCtx + 1)
	if n := len(history); n > 0 && history[n-1].IsUser {
		history = history[:n-1]
	}
	if len(history) > maxCtx {
		history = history[len(history)-maxCtx:]
	}
	return strategy.GenContext{
		Persona:      persona,
		History:      history,
		Capabilities: c.capabilities,
		Timeout:      c.genTimeout,
		Simplified:   simplified,
	}
}

func (c *Coordinator) settleCompleted(ctx context.Context, sess *core.Session, msg *core.Message) {
	sess.Append(*msg)

	c.mu.Lock()
	err := c.persistCurrentLocked(ctx, msg)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("persisting assistant message failed", "session_id", sess.ID, "error", err.Error())
		c.settleFailed(sess, err)
		return
	}

	if change, terr := c.machine.Transition(core.StateActive, ""); terr == nil {
		c.publishState(change)
	}
	c.events.publish(Event{Type: EventMessageAppended, Message: msg, SessionID: sess.ID})
}

func (c *Coordinator) settleCancelled(sess *core.Session) {
	c.logger.Info("generation cancelled, partial discarded", "session_id", sess.ID)
	if change, err := c.machine.Transition(core.StateActive, ""); err == nil {
		c.publishState(change)
	}
}

func (c *Coordinator) settleFailed(sess *core.Session, err error) {
	ee := taxonomy.Wrap(err, "coordinator.send_message")
	detail := ee.Suggestion
	if !ee.Kind.UserFacing() {
		c.logger.Error("generation failed", "session_id", sess.ID, "kind", string(ee.Kind), "error", ee.Message)
		detail = "Something went wrong generating a reply. Please try again."
	}
	if change, terr := c.machine.Transition(core.StateError, detail); terr == nil {
		c.publishState(change)
	}
}

// persistCurrentLocked commits the current session. A session not yet in
// the gateway is saved whole; afterwards single messages are appended so
// LastModified bumps atomically with the insert. Callers hold c.mu.
func (c *Coordinator) persistCurrentLocked(ctx context.Context, msg *core.Message) error {
	if !c.settings.AutoSaveConversations {
		return nil
	}
	if !c.persisted {
		if err := c.gateway.SaveSession(ctx, c.current); err != nil {
			return err
		}
		c.persisted = true
		return nil
	}
	if msg != nil {
		return c.gateway.AddMessage(ctx, c.current.ID, *msg)
	}
	return c.gateway.SaveSession(ctx, c.current)
}

// DismissError acknowledges a surfaced error, returning to Active.
func (c *Coordinator) DismissError() error {
	if state, _ := c.machine.Current(); state != core.StateError {
		return fmt.Errorf("no error to dismiss in state %s", state)
	}
	change, err := c.machine.Transition(core.StateActive, "")
	if err != nil {
		return err
	}
	c.publishState(change)
	return nil
}

// StartVoiceTurn opens voice capture. Rejected while a generation is in
// flight so listening and generating stay mutually exclusive.
func (c *Coordinator) StartVoiceTurn() error {
	change, err := c.machine.Transition(core.StateVoiceListening, "")
	if err != nil {
		return core.ErrBusy
	}
	c.publishState(change)
	return nil
}

// StopVoiceTurn closes voice capture.
func (c *Coordinator) StopVoiceTurn() error {
	if state, _ := c.machine.Current(); state != core.StateVoiceListening {
		return fmt.Errorf("not listening in state %s", state)
	}
	change, err := c.machine.Transition(core.StateActive, "")
	if err != nil {
		return err
	}
	c.publishState(change)
	return nil
}

// ChangePersona switches the persona for the current session and persists
// it as the default for new sessions.
func (c *Coordinator) ChangePersona(ctx context.Context, p core.Persona) error {
	c.mu.Lock()
	c.settings.Persona = p
	settings := c.settings
	if c.current != nil {
		c.current.SetPersona(p)
	}
	c.mu.Unlock()
	return c.gateway.SaveSettings(ctx, settings)
}

// StartNewSession cancels any in-flight generation, finalizes and persists
// the previous session's title, then resets in-memory state to a fresh
// session. It also clears a terminal recovery condition.
func (c *Coordinator) StartNewSession(ctx context.Context) error {
	c.CancelGeneration()
	c.finalizeCurrent(ctx)

	c.mu.Lock()
	c.current = core.NewSession(c.settings.Persona)
	c.persisted = false
	sessionID := c.current.ID
	c.mu.Unlock()

	c.manager.Reset()
	if state, _ := c.machine.Current(); state == core.StateError {
		if change, err := c.machine.Transition(core.StateActive, ""); err == nil {
			c.publishState(change)
		}
	}
	c.events.publish(Event{Type: EventSessionChanged, SessionID: sessionID})
	return nil
}

// finalizeCurrent synthesizes the lazy title for the outgoing session (once,
// from its first user message) and persists the session. Title synthesis
// failure is non-fatal: the session keeps its placeholder title.
func (c *Coordinator) finalizeCurrent(ctx context.Context) {
	c.mu.Lock()
	sess := c.current
	persisted := c.persisted
	session := c.modelSession
	autosave := c.settings.AutoSaveConversations
	c.mu.Unlock()

	if sess == nil || sess.Len() == 0 {
		return
	}
	if sess.Title == "" {
		if first, ok := sess.FirstUserMessage(); ok {
			titleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			title, err := strategy.GenerateTitle(titleCtx, session, first.Content)
			cancel()
			if err != nil {
				c.logger.Warn("title synthesis failed", "session_id", sess.ID, "error", err.Error())
			} else {
				sess.SetTitle(title)
			}
		}
	}
	if persisted || autosave {
		if err := c.gateway.SaveSession(ctx, sess); err != nil {
			c.logger.Error("persisting finalized session failed", "session_id", sess.ID, "error", err.Error())
		}
	}
}

// LoadSession cancels any in-flight generation, finalizes the outgoing
// session and switches to the stored one.
func (c *Coordinator) LoadSession(ctx context.Context, id string) error {
	c.CancelGeneration()
	c.finalizeCurrent(ctx)

	sess, err := c.gateway.LoadSession(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.current = sess
	c.persisted = true
	c.mu.Unlock()

	c.events.publish(Event{Type: EventSessionChanged, SessionID: id})
	return nil
}

// LoadSessions lists stored sessions sorted by LastModified descending.
func (c *Coordinator) LoadSessions(ctx context.Context) ([]*core.Session, error) {
	return c.gateway.LoadSessions(ctx)
}

// DeleteSession removes a stored session. Deleting the active session
// cancels its in-flight generation; the cancelled turn's partial reply is
// never persisted.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	isCurrent := c.current != nil && c.current.ID == id
	c.mu.Unlock()

	if isCurrent {
		c.CancelGeneration()
	}
	if err := c.gateway.DeleteSession(ctx, id); err != nil {
		return err
	}
	if isCurrent {
		c.mu.Lock()
		c.current = nil
		c.persisted = false
		c.mu.Unlock()
		c.events.publish(Event{Type: EventSessionChanged, SessionID: ""})
	}
	return nil
}

// AddReaction adds a reaction symbol to a message in the current session.
func (c *Coordinator) AddReaction(ctx context.Context, messageID, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ErrNoActiveSession
	}
	if !c.current.AddReaction(messageID, symbol) {
		return nil
	}
	return c.persistCurrentLocked(ctx, nil)
}

// DeleteMessage removes a message from the current session and the gateway.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID string) error {
	c.mu.Lock()
	if c.current != nil {
		c.current.RemoveMessage(messageID)
	}
	c.mu.Unlock()
	return c.gateway.DeleteMessage(ctx, messageID)
}

// CleanupOlderThan removes sessions inactive beyond the retention window.
func (c *Coordinator) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	return c.gateway.CleanupOlderThan(ctx, days)
}

// ExportAll serializes the full store snapshot.
func (c *Coordinator) ExportAll(ctx context.Context) ([]byte, error) {
	return c.gateway.ExportAll(ctx)
}

// ImportAll restores a store snapshot.
func (c *Coordinator) ImportAll(ctx context.Context, data []byte) error {
	return c.gateway.ImportAll(ctx, data)
}

// ClearAllData cancels any in-flight generation and wipes sessions,
// messages and settings.
func (c *Coordinator) ClearAllData(ctx context.Context) error {
	c.CancelGeneration()
	if err := c.gateway.ClearAll(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = nil
	c.persisted = false
	c.settings = core.DefaultSettings()
	c.mu.Unlock()
	c.manager.Reset()
	c.events.publish(Event{Type: EventSessionChanged, SessionID: ""})
	return nil
}

// CancelGeneration aborts the in-flight generation turn, if any, including
// a pending recovery backoff and outstanding tool-call timers, and waits
// for the turn to settle. The partial result is discarded.
func (c *Coordinator) CancelGeneration() {
	c.mu.Lock()
	cancel := c.genCancel
	done := c.genDone
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

// Close shuts the coordinator down: cancels work and closes event streams.
// The gateway is not closed; its lifetime belongs to the caller.
func (c *Coordinator) Close() error {
	c.CancelGeneration()
	c.events.close()
	return nil
}

// restartModelSession discards the model session graph and rebuilds it with
// the same persona and capability set, swapping it into both strategies.
func (c *Coordinator) restartModelSession(_ context.Context) error {
	session, err := c.factory()
	if err != nil {
		return fmt.Errorf("session init failed: %w", err)
	}
	c.mu.Lock()
	c.modelSession = session
	c.atomic.SwapSession(session)
	c.streaming.SwapSession(session)
	c.mu.Unlock()
	c.logger.Info("model session restarted", "provider", session.Info().Provider)
	return nil
}

func (c *Coordinator) publishState(change core.StateChange) {
	c.events.publish(Event{Type: EventStateChanged, State: change.To, Detail: change.Detail})
}
