// Package protocol provides the configuration packet format spoken by the
// MIDI pedalboard firmware over BLE
package protocol

import (
	"fmt"
	"strings"
)

// Board geometry
const (
	NumButtons = 4 // Buttons per bank
	NumBanks   = 4 // Banks held by the firmware
)

// Command opcodes (first byte of every write)
const (
	OpSetButton  = 1
	OpSwitchBank = 2
)

// DefaultVelocity is what v1 firmware plays, since v1 records carry no velocity
const DefaultVelocity = 127

// ButtonType is the button behaviour category
type ButtonType int

const (
	ButtonMomentary ButtonType = 0
	ButtonToggle    ButtonType = 1
)

// String returns the button type name
func (t ButtonType) String() string {
	switch t {
	case ButtonMomentary:
		return "momentary"
	case ButtonToggle:
		return "toggle"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseButtonType parses "momentary" or "toggle" (case-insensitive)
func ParseButtonType(s string) (ButtonType, error) {
	switch strings.ToLower(s) {
	case "momentary":
		return ButtonMomentary, nil
	case "toggle":
		return ButtonToggle, nil
	}
	return 0, fmt.Errorf("unknown button type %q (want momentary or toggle)", s)
}

// MidiType is the kind of MIDI message a button sends
type MidiType int

const (
	MidiNote MidiType = 0
	MidiCC   MidiType = 1
	MidiPC   MidiType = 2
)

// String returns the short label used on the pedal row
func (m MidiType) String() string {
	switch m {
	case MidiNote:
		return "NOTE"
	case MidiCC:
		return "CC"
	case MidiPC:
		return "PC"
	default:
		return fmt.Sprintf("MIDI(%d)", int(m))
	}
}

// ParseMidiType parses "note", "cc" or "pc" (case-insensitive)
func ParseMidiType(s string) (MidiType, error) {
	switch strings.ToLower(s) {
	case "note":
		return MidiNote, nil
	case "cc":
		return MidiCC, nil
	case "pc":
		return MidiPC, nil
	}
	return 0, fmt.Errorf("unknown midi type %q (want note, cc or pc)", s)
}

// ButtonConfig is one pedal button's assignment.
// Fields hold whatever the firmware reported; nothing here is range checked.
type ButtonConfig struct {
	Type     ButtonType `json:"type" yaml:"type"`
	MidiType MidiType   `json:"midiType" yaml:"midiType"`
	// Note, CC or PC number (0-127)
	Value int `json:"value" yaml:"value"`
	// MIDI channel (1-16)
	Channel int `json:"channel" yaml:"channel"`
	// Velocity is nil for v1 packets, which do not carry it
	Velocity *int `json:"velocity,omitempty" yaml:"velocity,omitempty"`
	Enabled  int  `json:"enabled" yaml:"enabled"`
}

// Clone returns a copy that shares no memory with b
func (b ButtonConfig) Clone() ButtonConfig {
	if b.Velocity != nil {
		v := *b.Velocity
		b.Velocity = &v
	}
	return b
}

// EffectiveVelocity returns the velocity the firmware plays with
func (b ButtonConfig) EffectiveVelocity() int {
	if b.Velocity == nil {
		return DefaultVelocity
	}
	return *b.Velocity
}

// Label renders the button the way the pedal row shows it, e.g. "NOTE 60"
func (b ButtonConfig) Label() string {
	return fmt.Sprintf("%s %d", b.MidiType, b.Value)
}

// Validate checks the nominal field ranges. The codec never calls this;
// it is for callers building a save command from user input.
func (b ButtonConfig) Validate() error {
	if b.Type != ButtonMomentary && b.Type != ButtonToggle {
		return fmt.Errorf("button type %d out of range (0-1)", b.Type)
	}
	if b.MidiType < MidiNote || b.MidiType > MidiPC {
		return fmt.Errorf("midi type %d out of range (0-2)", b.MidiType)
	}
	if b.Value < 0 || b.Value > 127 {
		return fmt.Errorf("value %d out of range (0-127)", b.Value)
	}
	if b.Channel < 1 || b.Channel > 16 {
		return fmt.Errorf("channel %d out of range (1-16)", b.Channel)
	}
	if b.Velocity != nil && (*b.Velocity < 0 || *b.Velocity > 127) {
		return fmt.Errorf("velocity %d out of range (0-127)", *b.Velocity)
	}
	return nil
}

// BoardState is the bank plus four button configurations, in UI order
type BoardState struct {
	Bank    int                      `json:"bank" yaml:"bank"`
	Buttons [NumButtons]ButtonConfig `json:"buttons" yaml:"buttons"`
}

// Clone returns a deep copy of s
func (s BoardState) Clone() BoardState {
	for i := range s.Buttons {
		s.Buttons[i] = s.Buttons[i].Clone()
	}
	return s
}

// DefaultBoardState returns the placeholder state shown before the first read
func DefaultBoardState() BoardState {
	var s BoardState
	for i := range s.Buttons {
		s.Buttons[i] = ButtonConfig{
			Type:     ButtonMomentary,
			MidiType: MidiNote,
			Value:    60 + i,
			Channel:  1,
			Enabled:  1,
		}
	}
	return s
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
