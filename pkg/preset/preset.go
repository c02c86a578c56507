// Package preset saves a bank's button assignments to YAML and replays them
// onto a pedalboard
package preset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/store"
)

// ErrInvalidPreset is returned for presets that fail validation
var ErrInvalidPreset = errors.New("invalid preset")

// Preset is one bank of button assignments. Bank and button numbers are
// 1-based, as shown on the pedal.
type Preset struct {
	Name     string   `yaml:"name,omitempty"`
	Protocol string   `yaml:"protocol,omitempty"`
	Bank     int      `yaml:"bank"`
	Buttons  []Button `yaml:"buttons"`
}

// Button is one button's assignment
type Button struct {
	Button   int    `yaml:"button"`
	Type     string `yaml:"type"`
	Midi     string `yaml:"midi"`
	Value    int    `yaml:"value"`
	Channel  int    `yaml:"channel"`
	Velocity *int   `yaml:"velocity,omitempty"`
}

// FromState builds a preset from a board state
func FromState(name string, v protocol.Version, state protocol.BoardState) Preset {
	p := Preset{
		Name:    name,
		Bank:    state.Bank + 1,
		Buttons: make([]Button, 0, protocol.NumButtons),
	}
	if v != protocol.VersionAuto {
		p.Protocol = v.String()
	}
	for i, b := range state.Buttons {
		btn := Button{
			Button:  i + 1,
			Type:    b.Type.String(),
			Midi:    b.MidiType.String(),
			Value:   b.Value,
			Channel: b.Channel,
		}
		if b.Velocity != nil {
			btn.Velocity = protocol.IntPtr(*b.Velocity)
		}
		p.Buttons = append(p.Buttons, btn)
	}
	return p
}

// Edit converts the button to a store edit
func (b Button) Edit() (store.Edit, error) {
	bt, err := protocol.ParseButtonType(b.Type)
	if err != nil {
		return store.Edit{}, err
	}
	mt, err := protocol.ParseMidiType(b.Midi)
	if err != nil {
		return store.Edit{}, err
	}
	value, channel := b.Value, b.Channel
	edit := store.Edit{
		Type:     &bt,
		MidiType: &mt,
		Value:    &value,
		Channel:  &channel,
	}
	if b.Velocity != nil {
		edit.Velocity = protocol.IntPtr(*b.Velocity)
	}
	return edit, nil
}

// Validate checks ranges and that every button appears at most once
func (p Preset) Validate() error {
	if p.Bank < 1 || p.Bank > protocol.NumBanks {
		return fmt.Errorf("%w: bank %d out of range (1-%d)", ErrInvalidPreset, p.Bank, protocol.NumBanks)
	}
	if p.Protocol != "" {
		if _, err := protocol.ParseVersion(p.Protocol); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPreset, err)
		}
	}

	seen := make(map[int]bool)
	for _, b := range p.Buttons {
		if b.Button < 1 || b.Button > protocol.NumButtons {
			return fmt.Errorf("%w: button %d out of range (1-%d)", ErrInvalidPreset, b.Button, protocol.NumButtons)
		}
		if seen[b.Button] {
			return fmt.Errorf("%w: button %d listed twice", ErrInvalidPreset, b.Button)
		}
		seen[b.Button] = true

		edit, err := b.Edit()
		if err != nil {
			return fmt.Errorf("%w: button %d: %v", ErrInvalidPreset, b.Button, err)
		}
		cfg := edit.Apply(protocol.ButtonConfig{})
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%w: button %d: %v", ErrInvalidPreset, b.Button, err)
		}
	}
	return nil
}

// Encode writes p as YAML
func Encode(w io.Writer, p Preset) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("failed to encode preset: %w", err)
	}
	return enc.Close()
}

// Decode reads and validates a YAML preset
func Decode(r io.Reader) (Preset, error) {
	var p Preset
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Preset{}, fmt.Errorf("failed to decode preset: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Preset{}, err
	}
	return p, nil
}

// Save writes p to path
func Save(path string, p Preset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create preset file: %w", err)
	}
	if err := Encode(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a preset from path
func Load(path string) (Preset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Preset{}, fmt.Errorf("failed to open preset file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Controller is the part of session.Controller a preset is applied through
type Controller interface {
	Store() *store.Store
	SwitchBank(ctx context.Context, bank int) error
	Save(ctx context.Context, uiIndex int, edit store.Edit) error
	WaitIdle(ctx context.Context) error
}

// Apply switches to the preset's bank if needed and saves each button in
// turn, waiting for every write to be reconciled before sending the next.
// progress, if non-nil, is called after each button.
func Apply(ctx context.Context, c Controller, p Preset, progress func(button int)) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if bank := p.Bank - 1; c.Store().CurrentBank() != bank {
		if err := c.SwitchBank(ctx, bank); err != nil {
			return fmt.Errorf("switch to bank %d: %w", p.Bank, err)
		}
		if err := c.WaitIdle(ctx); err != nil {
			return err
		}
		if got := c.Store().CurrentBank(); got != bank {
			return fmt.Errorf("board reports bank %d after switching to bank %d", got+1, p.Bank)
		}
	}

	for _, b := range p.Buttons {
		edit, err := b.Edit()
		if err != nil {
			return err
		}
		if err := c.Save(ctx, b.Button-1, edit); err != nil {
			return fmt.Errorf("save button %d: %w", b.Button, err)
		}
		if err := c.WaitIdle(ctx); err != nil {
			return err
		}
		if progress != nil {
			progress(b.Button)
		}
	}
	return nil
}
