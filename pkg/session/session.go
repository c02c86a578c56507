// Package session keeps the cached pedalboard configuration in step with the
// firmware: read on connect, write on save or bank switch, then reconcile by a
// timed re-read (v1) or by the firmware's notification (v2).
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/james-see/pedalconf/pkg/protocol"
)

// Common errors
var (
	// ErrTransportFailure matches every *TransportError
	ErrTransportFailure = errors.New("transport failure")
	// ErrDisconnected reports a lost or closed link
	ErrDisconnected = errors.New("disconnected")
	// ErrNotConnected is returned for operations issued before Connect
	ErrNotConnected = errors.New("not connected")
	// ErrBusy is returned when a save or bank switch is issued while the
	// previous one has not been reconciled yet
	ErrBusy = errors.New("a write is still outstanding")
	// ErrInvalidBank is returned for banks the firmware would ignore
	ErrInvalidBank = errors.New("invalid bank")
)

// TransportError wraps a failed read, write or subscribe
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrTransportFailure and the underlying cause
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransportFailure, e.Err}
}

// Transport is the link to the firmware's configuration characteristic(s)
type Transport interface {
	// ReadOnce reads the current configuration packet
	ReadOnce(ctx context.Context) ([]byte, error)
	// Write sends one command and returns once the link accepted it
	Write(ctx context.Context, cmd []byte) error
	Close() error
}

// Notifier is implemented by transports that can push configuration packets
type Notifier interface {
	// Subscribe registers handler for pushed packets. The returned cancel
	// function unsubscribes.
	Subscribe(handler func(data []byte)) (cancel func(), err error)
}

// DisconnectNotifier is implemented by transports that report link loss
type DisconnectNotifier interface {
	OnDisconnect(handler func(err error))
}

// Mode is the reconciliation strategy after a write
type Mode int

const (
	// ModePolled re-reads after a fixed delay. This is a best effort: the
	// firmware does not acknowledge persistence, so a slow flash write can
	// still be missed by the re-read.
	ModePolled Mode = iota
	// ModeNotify waits for the firmware to push the new configuration
	ModeNotify
)

func (m Mode) String() string {
	switch m {
	case ModePolled:
		return "polled"
	case ModeNotify:
		return "notify"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the controller's position in the read/write/notify exchange
type State int

const (
	StateDisconnected State = iota
	StateIdle
	StateReading
	StateWriting
	StateAwaitingRead
	StateAwaitingNotification
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateAwaitingRead:
		return "awaiting-read"
	case StateAwaitingNotification:
		return "awaiting-notification"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultRereadDelay is how long polled mode waits before re-reading
const DefaultRereadDelay = 500 * time.Millisecond

// Options configures a Controller
type Options struct {
	// Version selects the codec. VersionAuto detects it from the first read.
	Version protocol.Version
	// Codec overrides Version, e.g. for a custom index map
	Codec protocol.Codec
	// RereadDelay is the polled-mode delay before the re-read
	RereadDelay time.Duration
	// ReadTimeout bounds the timed re-read; zero means no limit
	ReadTimeout time.Duration
	Logger      *zerolog.Logger
}

// Status is a point-in-time view of the controller
type Status struct {
	Connected bool             `json:"connected"`
	Version   protocol.Version `json:"version"`
	Mode      string           `json:"mode"`
	State     string           `json:"state"`
	Pending   bool             `json:"pending"`
}
