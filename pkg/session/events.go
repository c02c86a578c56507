package session

import (
	"fmt"
	"time"

	"github.com/james-see/pedalconf/pkg/protocol"
)

// EventKind classifies controller events
type EventKind int

const (
	// EventConnected follows a successful initial read
	EventConnected EventKind = iota
	// EventStateReplaced carries a freshly decoded board state
	EventStateReplaced
	// EventWriteAccepted reports a command the transport accepted
	EventWriteAccepted
	// EventError reports a failed read, write or decode
	EventError
	// EventDisconnected reports link loss; the store keeps its last values
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventStateReplaced:
		return "state"
	case EventWriteAccepted:
		return "write"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to watchers in the order the controller produced it
type Event struct {
	Kind  EventKind
	Op    string
	State protocol.BoardState
	Err   error
	Time  time.Time
}

// String renders the event as a log line
func (e Event) String() string {
	switch e.Kind {
	case EventError, EventDisconnected:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
	case EventStateReplaced, EventConnected:
		return fmt.Sprintf("%s: bank %d", e.Kind, e.State.Bank+1)
	case EventWriteAccepted:
		return fmt.Sprintf("%s: %s accepted", e.Kind, e.Op)
	}
	return e.Kind.String()
}

// Watch returns a channel receiving every event from now on. Events are
// dropped, with a warning logged, when the channel's buffer is full.
// Call the returned function to stop watching.
func (c *Controller) Watch(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	c.watchMu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	return ch, func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
}

func (c *Controller) emit(ev Event) {
	ev.Time = time.Now()

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for id, ch := range c.watchers {
		select {
		case ch <- ev:
		default:
			c.log.Warn().Int("watcher", id).Str("event", ev.Kind.String()).Msg("event buffer full, dropping event")
		}
	}
}
