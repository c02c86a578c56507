package protocol

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// releaseVelocity is the note-off velocity the firmware sends on release
const releaseVelocity = 0x40

// midiChannel converts the wire channel (1-16) to a 0-based MIDI channel.
// The firmware treats 0 as channel 1.
func (b ButtonConfig) midiChannel() (uint8, error) {
	switch {
	case b.Channel == 0:
		return 0, nil
	case b.Channel >= 1 && b.Channel <= 16:
		return uint8(b.Channel - 1), nil
	default:
		return 0, fmt.Errorf("channel %d out of range (1-16)", b.Channel)
	}
}

// Messages returns the MIDI the pedal sends for this button when it is
// pressed (on=true) or released/toggled off (on=false). A disabled button
// sends nothing.
//
// Momentary: press sends note on, CC 127 or PC; release sends note off for
// notes only. Toggle: on sends note on, CC 127 or PC; off sends note off or
// CC 0, and nothing for PC.
func (b ButtonConfig) Messages(on bool) ([]midi.Message, error) {
	if b.Enabled == 0 {
		return nil, nil
	}
	if b.Value < 0 || b.Value > 127 {
		return nil, fmt.Errorf("value %d out of range (0-127)", b.Value)
	}

	ch, err := b.midiChannel()
	if err != nil {
		return nil, err
	}
	val := uint8(b.Value)
	vel := uint8(b.EffectiveVelocity() & 0x7F)

	if on {
		switch b.MidiType {
		case MidiNote:
			return []midi.Message{midi.NoteOn(ch, val, vel)}, nil
		case MidiCC:
			return []midi.Message{midi.ControlChange(ch, val, 127)}, nil
		case MidiPC:
			return []midi.Message{midi.ProgramChange(ch, val)}, nil
		}
		return nil, fmt.Errorf("midi type %d out of range (0-2)", b.MidiType)
	}

	switch b.MidiType {
	case MidiNote:
		if b.Type == ButtonToggle {
			return []midi.Message{midi.NoteOffVelocity(ch, val, vel)}, nil
		}
		return []midi.Message{midi.NoteOffVelocity(ch, val, releaseVelocity)}, nil
	case MidiCC:
		if b.Type == ButtonToggle {
			return []midi.Message{midi.ControlChange(ch, val, 0)}, nil
		}
		return nil, nil
	case MidiPC:
		return nil, nil
	}
	return nil, fmt.Errorf("midi type %d out of range (0-2)", b.MidiType)
}

// Describe renders the press message, e.g. "NoteOn channel: 0 key: 60 velocity: 127"
func (b ButtonConfig) Describe() string {
	msgs, err := b.Messages(true)
	if err != nil {
		return "invalid: " + err.Error()
	}
	if len(msgs) == 0 {
		return "disabled"
	}
	return msgs[0].String()
}
