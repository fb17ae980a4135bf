package model

import (
	"context"
	"fmt"
	"sync"
)

// Script describes the outcome of a single MockSession.Generate call.
// Err, when set, is emitted after Chunks (a failure mid-stream). A zero
// Script falls back to the echo behavior.
type Script struct {
	Chunks []Chunk
	Err    error
}

// MockSession is a lightweight in-memory Session useful for tests and
// examples. Calls consume queued Scripts in order; when the queue is empty
// the session echoes the input, streaming per-rune deltas when requested.
type MockSession struct {
	mu       sync.Mutex
	info     Info
	scripts  []Script
	requests []Request
}

// NewMockSession constructs a MockSession with tool and streaming support
// advertised.
func NewMockSession() *MockSession {
	return &MockSession{
		info: Info{Name: "mock", Provider: "mock", SupportsTools: true, SupportsStreaming: true},
	}
}

// Enqueue appends scripted outcomes consumed by subsequent Generate calls.
func (m *MockSession) Enqueue(scripts ...Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
}

// Requests returns a copy of all requests received so far.
func (m *MockSession) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// CallCount returns the number of Generate invocations.
func (m *MockSession) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Generate implements Session; pops the next script or echoes the input.
func (m *MockSession) Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	var script *Script
	if len(m.scripts) > 0 {
		s := m.scripts[0]
		m.scripts = m.scripts[1:]
		script = &s
	}
	m.mu.Unlock()

	out := make(chan Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if script != nil {
			for _, c := range script.Chunks {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- c:
				}
			}
			if script.Err != nil {
				errCh <- script.Err
			}
			return
		}

		full := fmt.Sprintf("Mock reply to: %s", req.Input)
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- Chunk{ContentDelta: string(r)}:
				}
			}
		}
		tone := "neutral"
		conf := 0.9
		category := "general"
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case out <- Chunk{
			Fields:       &ReplyFields{Content: &full, Tone: &tone, Confidence: &conf, Category: &category},
			Complete:     true,
			FinishReason: "stop",
			Usage:        &Usage{PromptTokens: len(req.Input), CompletionTokens: len(full), TotalTokens: len(req.Input) + len(full)},
		}:
		}
	}()

	return out, errCh
}

// Info implements Session.
func (m *MockSession) Info() Info { return m.info }
