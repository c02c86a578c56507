package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Command is a host-to-firmware write, as the firmware interprets it
type Command struct {
	Op int
	// FirmwareIndex is the logical button index (OpSetButton only)
	FirmwareIndex int
	// Config is the new button assignment (OpSetButton only). The firmware
	// always enables a button it saves.
	Config ButtonConfig
	// Bank is the bank to switch to (OpSwitchBank only)
	Bank int
}

// String describes the command for logs
func (c Command) String() string {
	switch c.Op {
	case OpSetButton:
		return fmt.Sprintf("set button fw=%d %s ch=%d type=%s", c.FirmwareIndex, c.Config.Label(), c.Config.Channel, c.Config.Type)
	case OpSwitchBank:
		return fmt.Sprintf("switch bank %d", c.Bank)
	default:
		return fmt.Sprintf("op %d", c.Op)
	}
}

// DecodeCommand parses a command the way the firmware does: writes shorter
// than CommandSize are rejected, as are set-button commands whose index is
// out of range.
func (l *layout) DecodeCommand(data []byte) (Command, error) {
	if len(data) < l.CommandSize() {
		return Command{}, fmt.Errorf("%w: command of %d bytes, %s needs %d",
			ErrInvalidLength, len(data), l.version, l.CommandSize())
	}

	cmd := Command{Op: int(data[0])}
	switch cmd.Op {
	case OpSetButton:
		cmd.FirmwareIndex = int(data[1])
		if cmd.FirmwareIndex >= NumButtons {
			return Command{}, fmt.Errorf("%w: firmware index %d", ErrInvalidIndex, cmd.FirmwareIndex)
		}
		cmd.Config = ButtonConfig{
			Type:     ButtonType(data[2]),
			MidiType: MidiType(data[3]),
			Value:    int(data[4]),
			Channel:  int(data[5]),
			Enabled:  1,
		}
		if l.hasVelocity {
			cmd.Config.Velocity = IntPtr(int(data[6]))
		}
	case OpSwitchBank:
		cmd.Bank = int(data[1])
	default:
		return Command{}, fmt.Errorf("%w: opcode %d", ErrUnknownCommand, cmd.Op)
	}

	return cmd, nil
}

// ParseHex parses a hex dump such as "02 00 00 3c", "02:00:00:3c" or "0200003c"
func ParseHex(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", ",", "", "\n", "", "\t", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}

// FormatHex renders data as space separated hex bytes
func FormatHex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
