package coordinator

import (
	"sync"
	"time"

	"github.com/hupe1980/converse/core"
	"github.com/hupe1980/converse/logging"
)

// EventType discriminates coordinator events.
type EventType int

const (
	// EventStateChanged reports a conversation state transition.
	EventStateChanged EventType = iota
	// EventPartialContent republishes best-known streamed content.
	EventPartialContent
	// EventMessageAppended reports a message committed to the session.
	EventMessageAppended
	// EventRecoveryProgress reports "recovering... (attempt n/max)".
	EventRecoveryProgress
	// EventSessionChanged reports the active session switching.
	EventSessionChanged
)

// Event is the single subscription payload published by the coordinator.
// Fields are populated according to Type.
type Event struct {
	Type        EventType
	State       core.State
	Detail      string
	Content     string
	Message     *core.Message
	Attempt     int
	MaxAttempts int
	SessionID   string
	At          time.Time
}

// publisher fans events out to subscribers over ordered buffered channels.
// A subscriber that falls behind has events dropped (with a warning) rather
// than stalling the conversation.
type publisher struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	closed  bool
	logger  logging.Logger
}

func newPublisher(bufSize int, logger logging.Logger) *publisher {
	return &publisher{subs: make(map[int]chan Event), bufSize: bufSize, logger: logger}
}

// subscribe returns an ordered event channel and an unsubscribe func. The
// channel is closed on unsubscribe or coordinator shutdown.
func (p *publisher) subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, p.bufSize)
	if p.closed {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sub, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(sub)
		}
	}
}

func (p *publisher) publish(ev Event) {
	ev.At = time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("dropping event for slow subscriber", "type", ev.Type)
		}
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
