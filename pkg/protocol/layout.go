package protocol

import "fmt"

// Record field offsets. Enabled is always the last byte of a record and
// velocity (v2) sits between channel and enabled.
const (
	fieldType     = 0
	fieldMidiType = 1
	fieldValue    = 2
	fieldChannel  = 3
	fieldVelocity = 4
)

// layout implements Codec for one record width.
//
// Packet:  [bank, rec(fw 0), rec(fw 1), rec(fw 2), rec(fw 3)]
// v1 rec:  [type, midiType, value, channel, enabled]
// v2 rec:  [type, midiType, value, channel, velocity, enabled]
// Save:    [1, fwIndex, type, midiType, value, channel (, velocity)]
// Bank:    [2, bank, 0, 0, 0, 0 (, 0)]
type layout struct {
	version     Version
	recordSize  int
	hasVelocity bool
	indexMap    IndexMap
}

func (l *layout) Version() Version   { return l.version }
func (l *layout) HasVelocity() bool  { return l.hasVelocity }
func (l *layout) IndexMap() IndexMap { return l.indexMap }

// PacketSize returns the bank byte plus four records
func (l *layout) PacketSize() int {
	return 1 + NumButtons*l.recordSize
}

// CommandSize returns opcode, index and four fields, plus velocity on v2
func (l *layout) CommandSize() int {
	if l.hasVelocity {
		return 7
	}
	return 6
}

func (l *layout) recordOffset(fwIndex int) int {
	return 1 + fwIndex*l.recordSize
}

// Decode parses a configuration packet into UI-ordered board state.
// Field values are passed through as reported, without range checks.
func (l *layout) Decode(data []byte) (BoardState, error) {
	if len(data) < l.PacketSize() {
		return BoardState{}, fmt.Errorf("%w: got %d bytes, %s needs at least %d",
			ErrInvalidLength, len(data), l.version, l.PacketSize())
	}

	state := BoardState{Bank: int(data[0])}
	for ui := 0; ui < NumButtons; ui++ {
		off := l.recordOffset(l.indexMap[ui])
		rec := data[off : off+l.recordSize]

		cfg := ButtonConfig{
			Type:     ButtonType(rec[fieldType]),
			MidiType: MidiType(rec[fieldMidiType]),
			Value:    int(rec[fieldValue]),
			Channel:  int(rec[fieldChannel]),
			Enabled:  int(rec[l.recordSize-1]),
		}
		if l.hasVelocity {
			cfg.Velocity = IntPtr(int(rec[fieldVelocity]))
		}
		state.Buttons[ui] = cfg
	}

	return state, nil
}

// EncodeState builds the configuration packet the firmware would serve for
// state. Missing v2 velocities are written as DefaultVelocity.
func (l *layout) EncodeState(state BoardState) []byte {
	data := make([]byte, l.PacketSize())
	data[0] = byte(state.Bank)

	for ui, cfg := range state.Buttons {
		off := l.recordOffset(l.indexMap[ui])
		rec := data[off : off+l.recordSize]

		rec[fieldType] = byte(cfg.Type)
		rec[fieldMidiType] = byte(cfg.MidiType)
		rec[fieldValue] = byte(cfg.Value)
		rec[fieldChannel] = byte(cfg.Channel)
		if l.hasVelocity {
			rec[fieldVelocity] = byte(cfg.EffectiveVelocity())
		}
		rec[l.recordSize-1] = byte(cfg.Enabled)
	}

	return data
}

// EncodeSave builds a set-button command. Field values are truncated to a
// byte each; range checks are the caller's job (see ButtonConfig.Validate).
func (l *layout) EncodeSave(uiIndex int, cfg ButtonConfig) ([]byte, error) {
	fw, err := l.indexMap.ToFirmware(uiIndex)
	if err != nil {
		return nil, err
	}

	cmd := []byte{
		OpSetButton,
		byte(fw),
		byte(cfg.Type),
		byte(cfg.MidiType),
		byte(cfg.Value),
		byte(cfg.Channel),
	}
	if l.hasVelocity {
		cmd = append(cmd, byte(cfg.EffectiveVelocity()))
	}
	return cmd, nil
}

// EncodeBankSwitch builds a bank switch command. The zero padding carries no
// meaning but the firmware expects the full command length.
func (l *layout) EncodeBankSwitch(bank int) []byte {
	cmd := make([]byte, l.CommandSize())
	cmd[0] = OpSwitchBank
	cmd[1] = byte(bank)
	return cmd
}
