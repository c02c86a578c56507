// Package sim provides an in-memory pedalboard that speaks the configuration
// protocol, for tests, demos and offline work
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/james-see/pedalconf/pkg/protocol"
)

// Common errors
var (
	ErrNotConnected = errors.New("sim: not connected")
	ErrNoNotify     = errors.New("sim: characteristic does not support notifications")
)

// defaultBanks mirrors the firmware's factory banks
var defaultBanks = [protocol.NumBanks][protocol.NumButtons]int{
	{60, 62, 64, 65}, // C4 D4 E4 F4
	{67, 69, 71, 72}, // G4 A4 B4 C5
	{48, 52, 55, 59}, // C3 E3 G3 B3
	{60, 61, 62, 63},
}

// Firmware simulates the pedalboard's configuration service
type Firmware struct {
	mu          sync.Mutex
	codec       protocol.Codec
	log         zerolog.Logger
	banks       [protocol.NumBanks][protocol.NumButtons]protocol.ButtonConfig
	bank        int
	connected   bool
	writes      [][]byte
	subscribers map[int]*subscriber
	nextSub     int
	onDrop      []func(error)

	notifyDelay  time.Duration
	readErr      error
	writeErr     error
	dropNotify   bool
	truncateRead int
}

// notifyQueueSize bounds undelivered notifications per subscriber. A full
// queue drops the newest packet, as a congested BLE link would.
const notifyQueueSize = 64

type notification struct {
	data []byte
	at   time.Time
}

// subscriber delivers notifications to one handler in the order the
// firmware produced them
type subscriber struct {
	handler func([]byte)
	queue   chan notification
	done    chan struct{}
}

func newSubscriber(handler func([]byte)) *subscriber {
	s := &subscriber{
		handler: handler,
		queue:   make(chan notification, notifyQueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) run() {
	for n := range s.queue {
		if wait := time.Until(n.at); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-s.done:
				t.Stop()
				return
			}
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.handler(n.data)
	}
}

// stop ends delivery; callers hold Firmware.mu so no send races the close
func (s *subscriber) stop() {
	close(s.done)
	close(s.queue)
}

// Option configures a Firmware
type Option func(*Firmware)

// WithNotifyDelay delays each notification, as a flash write would
func WithNotifyDelay(d time.Duration) Option {
	return func(f *Firmware) { f.notifyDelay = d }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(f *Firmware) { f.log = l.With().Str("component", "sim").Logger() }
}

// WithBank sets the initially active bank
func WithBank(bank int) Option {
	return func(f *Firmware) { f.bank = bank }
}

// New creates a connected simulator speaking version v
func New(v protocol.Version, opts ...Option) (*Firmware, error) {
	codec, err := protocol.ForVersion(v)
	if err != nil {
		return nil, err
	}

	f := &Firmware{
		codec:       codec,
		log:         zerolog.Nop(),
		connected:   true,
		subscribers: make(map[int]*subscriber),
	}
	for b := range f.banks {
		for i := range f.banks[b] {
			cfg := protocol.ButtonConfig{
				Type:     protocol.ButtonMomentary,
				MidiType: protocol.MidiNote,
				Value:    defaultBanks[b][i],
				Channel:  1,
				Enabled:  1,
			}
			if codec.HasVelocity() {
				cfg.Velocity = protocol.IntPtr(protocol.DefaultVelocity)
			}
			f.banks[b][i] = cfg
		}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Version returns the protocol version the simulator speaks
func (f *Firmware) Version() protocol.Version {
	return f.codec.Version()
}

// ReadOnce returns the configuration packet for the active bank
func (f *Firmware) ReadOnce(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil, ErrNotConnected
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	data := f.packetLocked()
	if f.truncateRead > 0 && f.truncateRead < len(data) {
		data = data[:f.truncateRead]
	}
	return data, nil
}

// Write applies a command. Malformed commands are accepted by the link and
// ignored by the firmware, as the real device does.
func (f *Firmware) Write(ctx context.Context, cmd []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, append([]byte(nil), cmd...))

	parsed, err := f.codec.DecodeCommand(cmd)
	if err != nil {
		f.mu.Unlock()
		f.log.Debug().Err(err).Str("cmd", protocol.FormatHex(cmd)).Msg("ignoring command")
		return nil
	}

	changed := f.applyLocked(parsed)
	if changed {
		f.notifyLocked()
	}
	f.mu.Unlock()

	f.log.Debug().Str("cmd", parsed.String()).Bool("changed", changed).Msg("command applied")
	return nil
}

func (f *Firmware) applyLocked(cmd protocol.Command) bool {
	switch cmd.Op {
	case protocol.OpSetButton:
		cfg := cmd.Config
		if !f.codec.HasVelocity() {
			cfg.Velocity = nil
		}
		f.banks[f.bank][cmd.FirmwareIndex] = cfg
		return true
	case protocol.OpSwitchBank:
		if cmd.Bank < 0 || cmd.Bank >= protocol.NumBanks {
			return false
		}
		f.bank = cmd.Bank
		return true
	}
	return false
}

// Subscribe registers for notifications. Only v2 firmware notifies.
func (f *Firmware) Subscribe(handler func([]byte)) (func(), error) {
	if !f.codec.HasVelocity() {
		return nil, ErrNoNotify
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	id := f.nextSub
	f.nextSub++
	f.subscribers[id] = newSubscriber(handler)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			sub.stop()
		}
	}, nil
}

// OnDisconnect registers a link loss handler
func (f *Firmware) OnDisconnect(handler func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDrop = append(f.onDrop, handler)
}

// Close disconnects the host
func (f *Firmware) Close() error {
	f.drop(nil)
	return nil
}

// Drop simulates an unexpected link loss
func (f *Firmware) Drop(cause error) {
	f.drop(cause)
}

func (f *Firmware) drop(cause error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	for id, sub := range f.subscribers {
		delete(f.subscribers, id)
		sub.stop()
	}
	handlers := append([]func(error){}, f.onDrop...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(cause)
	}
}

// Reconnect makes the link available again
func (f *Firmware) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
}

// NextBank simulates the long press on the last button, which cycles banks
// on the device itself
func (f *Firmware) NextBank() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bank = (f.bank + 1) % protocol.NumBanks
	f.notifyLocked()
}

// State returns the active bank's configuration
func (f *Firmware) State() protocol.BoardState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

// Writes returns every command received so far
func (f *Firmware) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// FailReads makes reads fail with err until called with nil
func (f *Firmware) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailWrites makes writes fail with err until called with nil
func (f *Firmware) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// DropNotifications makes the firmware apply writes without notifying
func (f *Firmware) DropNotifications(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropNotify = drop
}

// TruncateReads cuts read packets to n bytes; zero restores full packets
func (f *Firmware) TruncateReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncateRead = n
}

func (f *Firmware) stateLocked() protocol.BoardState {
	state := protocol.BoardState{Bank: f.bank}
	m := f.codec.IndexMap()
	for fw, cfg := range f.banks[f.bank] {
		ui, _ := m.ToUI(fw)
		state.Buttons[ui] = cfg.Clone()
	}
	return state
}

func (f *Firmware) packetLocked() []byte {
	return f.codec.EncodeState(f.stateLocked())
}

// notifyLocked queues the current packet for every subscriber, to arrive
// after notifyDelay
func (f *Firmware) notifyLocked() {
	if f.dropNotify || len(f.subscribers) == 0 {
		return
	}
	n := notification{data: f.packetLocked(), at: time.Now().Add(f.notifyDelay)}
	for id, sub := range f.subscribers {
		select {
		case sub.queue <- n:
		default:
			f.log.Warn().Int("subscriber", id).Msg("notification queue full, dropping")
		}
	}
}
