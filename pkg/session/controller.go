package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/store"
)

// Controller owns the connection to one pedalboard and the store mirroring it.
//
// Only one transport operation is in flight at a time, and a save or bank
// switch is refused with ErrBusy until the previous one has been reconciled
// (re-read in polled mode, notification in notify mode, or an explicit
// Refresh). Nothing is retried automatically.
type Controller struct {
	transport Transport
	store     *store.Store
	opts      Options
	log       zerolog.Logger

	// opMu serializes transport calls
	opMu sync.Mutex

	mu          sync.Mutex
	codec       protocol.Codec
	mode        Mode
	state       State
	connected   bool
	pending     bool
	// writeSeq identifies the write holding the slot; sent is set once it
	// has gone out to the transport
	writeSeq    uint64
	sent        bool
	idle        chan struct{}
	unsubscribe func()
	timer       *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	initErr     error

	// applyMu orders notification handling against disconnects
	applyMu sync.Mutex

	watchMu   sync.Mutex
	watchers  map[int]chan Event
	nextWatch int
}

// New creates a controller for transport, mirroring into st
func New(transport Transport, st *store.Store, opts Options) *Controller {
	if opts.RereadDelay <= 0 {
		opts.RereadDelay = DefaultRereadDelay
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "session").Logger()
	}

	c := &Controller{
		transport: transport,
		store:     st,
		opts:      opts,
		log:       log,
		codec:     opts.Codec,
		state:     StateDisconnected,
		watchers:  make(map[int]chan Event),
	}
	if c.codec == nil && opts.Version != protocol.VersionAuto {
		c.codec, c.initErr = protocol.ForVersion(opts.Version)
	}

	if dn, ok := transport.(DisconnectNotifier); ok {
		dn.OnDisconnect(c.HandleDisconnect)
	}
	return c
}

// Store returns the store this controller mirrors into
func (c *Controller) Store() *store.Store {
	return c.store
}

// Status returns the current connection status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Connected: c.connected,
		Mode:      c.mode.String(),
		State:     c.state.String(),
		Pending:   c.pending,
	}
	if c.codec != nil {
		st.Version = c.codec.Version()
	}
	return st
}

// Codec returns the codec in use, or nil before an auto-detecting Connect.
// An explicit Version is never replaced by detection.
func (c *Controller) Codec() protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Pending reports whether a write is waiting to be reconciled. UIs should
// disable save and bank actions while it is true.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// WaitIdle blocks until no write is pending or ctx is done
func (c *Controller) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	if !c.pending {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect performs the initial read. In notify mode it subscribes first so
// no change made after the read is missed.
func (c *Controller) Connect(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	codec := c.codec
	c.state = StateReading
	c.mu.Unlock()

	notifier, canNotify := c.transport.(Notifier)
	subscribed := false
	subscribe := func() error {
		cancel, err := notifier.Subscribe(c.handleNotification)
		if err != nil {
			return &TransportError{Op: "subscribe", Err: err}
		}
		c.mu.Lock()
		c.unsubscribe = cancel
		c.mu.Unlock()
		subscribed = true
		return nil
	}
	fail := func(err error) error {
		c.mu.Lock()
		if c.unsubscribe != nil {
			c.unsubscribe()
			c.unsubscribe = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("connect failed")
		c.emit(Event{Kind: EventError, Op: "connect", Err: err})
		return err
	}

	if codec != nil && codec.Version() == protocol.V2 && canNotify {
		if err := subscribe(); err != nil {
			return fail(err)
		}
	}

	data, err := c.transport.ReadOnce(ctx)
	if err != nil {
		return fail(&TransportError{Op: "read", Err: err})
	}
	c.log.Debug().Int("bytes", len(data)).Msg("initial read")

	if codec == nil {
		v, err := protocol.DetectVersion(data)
		if err != nil {
			return fail(err)
		}
		if codec, err = protocol.ForVersion(v); err != nil {
			return fail(err)
		}
		c.log.Info().Str("version", v.String()).Msg("detected protocol version")
	}

	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()

	if codec.Version() == protocol.V2 && canNotify && !subscribed {
		if err := subscribe(); err != nil {
			return fail(err)
		}
	}

	mode := ModePolled
	if subscribed {
		mode = ModeNotify
	} else if codec.Version() == protocol.V2 {
		c.log.Warn().Msg("transport cannot notify, falling back to polled re-reads")
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.connected = true
	c.mode = mode
	c.state = StateIdle
	c.ctx, c.cancel = connCtx, cancel
	c.mu.Unlock()

	c.log.Info().Str("version", codec.Version().String()).Str("mode", mode.String()).Msg("connected")

	// A malformed first packet leaves the link up but the store untouched
	state, err := codec.Decode(data)
	if err != nil {
		c.log.Error().Err(err).Msg("initial packet rejected")
		c.emit(Event{Kind: EventConnected})
		c.emit(Event{Kind: EventError, Op: "decode", Err: err})
		return err
	}
	c.store.ReplaceAll(state)
	c.emit(Event{Kind: EventConnected, State: state})
	c.emit(Event{Kind: EventStateReplaced, Op: "read", State: state})
	return nil
}

// Refresh re-reads the configuration. It also settles a pending write whose
// notification never arrived.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.readLocked(ctx, "refresh")
}

// Save merges edit into button uiIndex and writes it to the firmware. The
// store is only updated once the transport accepts the write.
func (c *Controller) Save(ctx context.Context, uiIndex int, edit store.Edit) error {
	codec, seq, err := c.beginWrite()
	if err != nil {
		return err
	}

	if !codec.HasVelocity() {
		edit = edit.WithoutVelocity()
	}
	cfg, err := c.store.Merge(uiIndex, edit)
	if err != nil {
		c.endWrite(seq, StateIdle)
		return err
	}
	cmd, err := codec.EncodeSave(uiIndex, cfg)
	if err != nil {
		c.endWrite(seq, StateIdle)
		return err
	}

	c.log.Info().Int("button", uiIndex+1).Str("config", cfg.Label()).Int("channel", cfg.Channel).Msg("saving button")
	if err := c.write(ctx, seq, "save", cmd); err != nil {
		return err
	}

	if _, err := c.store.ApplyEdit(uiIndex, edit); err != nil {
		c.endWrite(seq, StateIdle)
		return err
	}
	c.emit(Event{Kind: EventWriteAccepted, Op: "save", State: c.store.Snapshot()})
	c.awaitReconcile(seq)
	return nil
}

// SwitchBank asks the firmware to switch to bank (0-based)
func (c *Controller) SwitchBank(ctx context.Context, bank int) error {
	if bank < 0 || bank >= protocol.NumBanks {
		return fmt.Errorf("%w: %d (want 0-%d)", ErrInvalidBank, bank, protocol.NumBanks-1)
	}

	codec, seq, err := c.beginWrite()
	if err != nil {
		return err
	}

	c.log.Info().Int("bank", bank+1).Msg("switching bank")
	if err := c.write(ctx, seq, "bank", codec.EncodeBankSwitch(bank)); err != nil {
		return err
	}

	c.emit(Event{Kind: EventWriteAccepted, Op: "bank", State: c.store.Snapshot()})
	c.awaitReconcile(seq)
	return nil
}

// Disconnect closes the transport. The store keeps its last values.
func (c *Controller) Disconnect() error {
	err := c.transport.Close()
	c.HandleDisconnect(nil)
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// HandleDisconnect tears down connection state after link loss. Transports
// implementing DisconnectNotifier call it automatically.
func (c *Controller) HandleDisconnect(cause error) {
	c.applyMu.Lock()
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.applyMu.Unlock()
		return
	}
	c.connected = false
	c.state = StateDisconnected
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.clearPendingLocked()
	c.mu.Unlock()

	err := ErrDisconnected
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	}
	c.log.Warn().AnErr("cause", cause).Msg("disconnected")
	c.emit(Event{Kind: EventDisconnected, Err: err, State: c.store.Snapshot()})
	c.applyMu.Unlock()

	// outside applyMu: a transport may wait for its running callback
	if unsubscribe != nil {
		unsubscribe()
	}
}

// beginWrite reserves the single write slot
func (c *Controller) beginWrite() (protocol.Codec, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, 0, ErrNotConnected
	}
	if c.pending {
		return nil, 0, ErrBusy
	}
	c.writeSeq++
	c.pending = true
	c.sent = false
	c.idle = make(chan struct{})
	c.state = StateWriting
	return c.codec, c.writeSeq, nil
}

// endWrite releases the write slot if write seq still holds it
func (c *Controller) endWrite(seq uint64, next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeSeq != seq {
		return
	}
	c.clearPendingLocked()
	if c.connected {
		c.state = next
	}
}

func (c *Controller) clearPendingLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.pending {
		c.pending = false
		c.sent = false
		close(c.idle)
	}
}

// write sends cmd, releasing the write slot if the transport rejects it
func (c *Controller) write(ctx context.Context, seq uint64, op string, cmd []byte) error {
	c.opMu.Lock()
	c.mu.Lock()
	if c.writeSeq == seq {
		c.sent = true
	}
	c.mu.Unlock()
	c.log.Debug().Str("op", op).Str("cmd", protocol.FormatHex(cmd)).Msg("write")
	err := c.transport.Write(ctx, cmd)
	c.opMu.Unlock()

	if err != nil {
		terr := &TransportError{Op: op, Err: err}
		c.endWrite(seq, StateIdle)
		c.log.Error().Err(err).Str("op", op).Msg("write failed")
		c.emit(Event{Kind: EventError, Op: op, Err: terr})
		return terr
	}
	return nil
}

// awaitReconcile schedules the re-read (polled) or waits for the next
// notification (notify)
func (c *Controller) awaitReconcile(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || !c.pending || c.writeSeq != seq {
		return
	}
	if c.mode == ModeNotify {
		c.state = StateAwaitingNotification
		return
	}

	c.state = StateAwaitingRead
	ctx := c.ctx
	c.timer = time.AfterFunc(c.opts.RereadDelay, func() {
		if c.opts.ReadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.opts.ReadTimeout)
			defer cancel()
		}
		c.reread(ctx, seq)
	})
}

// reread is the polled-mode re-read for write seq. A timer that fires after
// its write was settled some other way does nothing.
func (c *Controller) reread(ctx context.Context, seq uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	stale := !c.pending || c.writeSeq != seq
	c.mu.Unlock()
	if stale {
		c.log.Debug().Uint64("write", seq).Msg("skipping re-read for settled write")
		return
	}
	_ = c.readLocked(ctx, "reread")
}

// readLocked fetches and decodes a packet, replacing the store on success.
// Any outcome settles a write that was pending when the read started.
// Callers hold opMu.
func (c *Controller) readLocked(ctx context.Context, op string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	codec := c.codec
	seq := c.writeSeq
	c.state = StateReading
	c.mu.Unlock()

	data, err := c.transport.ReadOnce(ctx)
	if err != nil {
		terr := &TransportError{Op: op, Err: err}
		c.endWrite(seq, StateIdle)
		c.log.Error().Err(err).Str("op", op).Msg("read failed")
		c.emit(Event{Kind: EventError, Op: op, Err: terr})
		return terr
	}

	state, err := codec.Decode(data)
	if err != nil {
		c.endWrite(seq, StateIdle)
		c.log.Error().Err(err).Str("op", op).Msg("packet rejected")
		c.emit(Event{Kind: EventError, Op: op, Err: err})
		return err
	}

	c.store.ReplaceAll(state)
	c.endWrite(seq, StateIdle)
	c.log.Debug().Str("op", op).Int("bank", state.Bank).Msg("state replaced")
	c.emit(Event{Kind: EventStateReplaced, Op: op, State: state})
	return nil
}

// handleNotification decodes a pushed packet. It runs on the transport's
// goroutine. Packets arriving after the link dropped are ignored.
func (c *Controller) handleNotification(data []byte) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	// the subscription is live from Connect until HandleDisconnect
	c.mu.Lock()
	live, codec := c.unsubscribe != nil, c.codec
	c.mu.Unlock()
	if !live || codec == nil {
		c.log.Debug().Msg("ignoring notification after disconnect")
		return
	}

	state, err := codec.Decode(data)
	if err != nil {
		c.log.Error().Err(err).Msg("notification rejected")
		c.emit(Event{Kind: EventError, Op: "notify", Err: err})
		return
	}

	c.store.ReplaceAll(state)
	c.mu.Lock()
	// a notification only settles a write that has reached the firmware
	if c.pending && c.sent {
		c.clearPendingLocked()
	}
	if c.connected && !c.pending {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.log.Debug().Int("bank", state.Bank).Msg("notification applied")
	c.emit(Event{Kind: EventStateReplaced, Op: "notify", State: state})
}

// IsTransportFailure reports whether err came from the transport
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}
