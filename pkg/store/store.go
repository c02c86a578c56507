// Package store holds the in-memory copy of the pedalboard configuration
package store

import (
	"fmt"
	"sync"

	"github.com/james-see/pedalconf/pkg/protocol"
)

// Edit is a partial update from the edit form. Nil fields are left alone.
// Enabled is not editable; the firmware sets it when a button is saved.
type Edit struct {
	Type     *protocol.ButtonType `json:"type,omitempty"`
	MidiType *protocol.MidiType   `json:"midiType,omitempty"`
	Value    *int                 `json:"value,omitempty"`
	Channel  *int                 `json:"channel,omitempty"`
	Velocity *int                 `json:"velocity,omitempty"`
}

// IsEmpty reports whether the edit changes nothing
func (e Edit) IsEmpty() bool {
	return e.Type == nil && e.MidiType == nil && e.Value == nil && e.Channel == nil && e.Velocity == nil
}

// WithoutVelocity drops the velocity field, for protocols that cannot carry it
func (e Edit) WithoutVelocity() Edit {
	e.Velocity = nil
	return e
}

// Apply returns cfg with the edit merged in
func (e Edit) Apply(cfg protocol.ButtonConfig) protocol.ButtonConfig {
	cfg = cfg.Clone()
	if e.Type != nil {
		cfg.Type = *e.Type
	}
	if e.MidiType != nil {
		cfg.MidiType = *e.MidiType
	}
	if e.Value != nil {
		cfg.Value = *e.Value
	}
	if e.Channel != nil {
		cfg.Channel = *e.Channel
	}
	if e.Velocity != nil {
		cfg.Velocity = protocol.IntPtr(*e.Velocity)
	}
	return cfg
}

// Store is the cached board state. It is replaced wholesale on every decoded
// packet and edited in place when a save is accepted. Readers always get
// copies, so a caller can never observe a half-replaced state.
type Store struct {
	mu    sync.RWMutex
	state protocol.BoardState
	// generation counts ReplaceAll calls
	generation uint64
}

// New creates a store holding the placeholder defaults
func New() *Store {
	return &Store{state: protocol.DefaultBoardState()}
}

// ReplaceAll swaps in a freshly decoded state
func (s *Store) ReplaceAll(state protocol.BoardState) {
	state = state.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.generation++
}

// Get returns the cached config for a UI index
func (s *Store) Get(uiIndex int) (protocol.ButtonConfig, error) {
	if err := checkIndex(uiIndex); err != nil {
		return protocol.ButtonConfig{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Buttons[uiIndex].Clone(), nil
}

// Merge previews an edit against the cached config without storing it
func (s *Store) Merge(uiIndex int, edit Edit) (protocol.ButtonConfig, error) {
	cur, err := s.Get(uiIndex)
	if err != nil {
		return protocol.ButtonConfig{}, err
	}
	return edit.Apply(cur), nil
}

// ApplyEdit merges an edit into the cached entry and returns the result.
// Enabled and any nil edit fields keep their cached values.
func (s *Store) ApplyEdit(uiIndex int, edit Edit) (protocol.ButtonConfig, error) {
	if err := checkIndex(uiIndex); err != nil {
		return protocol.ButtonConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Buttons[uiIndex] = edit.Apply(s.state.Buttons[uiIndex])
	return s.state.Buttons[uiIndex].Clone(), nil
}

// CurrentBank returns the bank last reported by the firmware
func (s *Store) CurrentBank() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Bank
}

// Snapshot returns a copy of the whole state
func (s *Store) Snapshot() protocol.BoardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Generation returns how many times the state has been replaced
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func checkIndex(uiIndex int) error {
	if uiIndex < 0 || uiIndex >= protocol.NumButtons {
		return fmt.Errorf("%w: ui index %d", protocol.ErrInvalidIndex, uiIndex)
	}
	return nil
}
