package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/converse/logging"
	"github.com/hupe1980/converse/model"
)

// DefaultCallTimeout bounds a single capability call when no explicit
// timeout is configured, so a stalled capability cannot block the
// conversation state machine indefinitely.
const DefaultCallTimeout = 15 * time.Second

// CapabilitySet manages the enabled/disabled capabilities a generation may
// invoke, plus the per-call timeout. It is safe for concurrent use. The set
// only holds the Capability interface, never concrete implementations.
type CapabilitySet struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	disabled     map[string]bool
	callTimeout  time.Duration
	logger       logging.Logger
}

// SetOptions configures a CapabilitySet.
type SetOptions struct {
	// CallTimeout bounds each capability invocation.
	CallTimeout time.Duration
	// Logger receives per-call diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// NewCapabilitySet constructs a set containing the given capabilities, all
// enabled.
func NewCapabilitySet(capabilities []Capability, optFns ...func(o *SetOptions)) *CapabilitySet {
	opts := SetOptions{CallTimeout: DefaultCallTimeout, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &CapabilitySet{
		capabilities: make(map[string]Capability, len(capabilities)),
		disabled:     make(map[string]bool),
		callTimeout:  opts.CallTimeout,
		logger:       opts.Logger,
	}
	for _, c := range capabilities {
		s.capabilities[c.Name()] = c
	}
	return s
}

// Register adds (or replaces) a capability, enabled.
func (s *CapabilitySet) Register(c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[c.Name()] = c
	delete(s.disabled, c.Name())
}

// Enable marks a capability as invocable. Unknown names are ignored.
func (s *CapabilitySet) Enable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disabled, name)
}

// Disable keeps a capability registered but hides it from generations.
func (s *CapabilitySet) Disable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[name] = true
}

// Enabled reports whether the named capability is registered and enabled.
func (s *CapabilitySet) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.capabilities[name]
	return ok && !s.disabled[name]
}

// CallTimeout returns the configured per-call timeout.
func (s *CapabilitySet) CallTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callTimeout
}

// SetCallTimeout adjusts the per-call timeout; non-positive values restore
// the default.
func (s *CapabilitySet) SetCallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		d = DefaultCallTimeout
	}
	s.callTimeout = d
}

// Definitions returns tool declarations for all enabled capabilities,
// suitable for a model request.
func (s *CapabilitySet) Definitions() []model.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(s.capabilities))
	for name, c := range s.capabilities {
		if s.disabled[name] {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        c.Name(),
			Description: c.Description(),
			Parameters:  c.Parameters(),
		})
	}
	return defs
}

// Invoke executes a model-requested call against the enabled set, applying
// the per-call timeout. The result is serialized to a string for replay to
// the model session.
func (s *CapabilitySet) Invoke(ctx context.Context, call model.ToolCall) (string, error) {
	s.mu.RLock()
	c, ok := s.capabilities[call.Name]
	disabled := s.disabled[call.Name]
	timeout := s.callTimeout
	s.mu.RUnlock()

	if !ok {
		return "", NewCapabilityError(call.Name, "capability not registered", "UNKNOWN")
	}
	if disabled {
		return "", NewCapabilityError(call.Name, "capability is disabled", "DISABLED")
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", &CapabilityError{
				Capability: call.Name,
				Message:    fmt.Sprintf("invalid argument payload: %v", err),
				Code:       "VALIDATION_ERROR",
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Call(callCtx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := callCtx.Err()
		s.logger.Warn("capability call aborted", "capability", call.Name, "error", err.Error())
		if err == context.DeadlineExceeded {
			return "", NewCapabilityError(call.Name, "call exceeded timeout", "TIMEOUT")
		}
		return "", err
	case out := <-done:
		if out.err != nil {
			s.logger.Error("capability call failed", "capability", call.Name, "duration", time.Since(start), "error", out.err.Error())
			return "", out.err
		}
		s.logger.Debug("capability call completed", "capability", call.Name, "duration", time.Since(start))
		return marshalResult(out.result), nil
	}
}

func marshalResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(b)
	}
}
