// Package audition renders a bank's button assignments to a Standard MIDI
// File, so a setup can be checked against a synth without the pedalboard
package audition

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/james-see/pedalconf/pkg/protocol"
)

// Options controls timing of the rendered presses
type Options struct {
	Tempo           float64
	TicksPerQuarter uint16
	// Hold is how long each button is held, in quarter notes
	Hold float64
	// Gap is the pause after each release, in quarter notes
	Gap float64
}

// DefaultOptions holds each button for one beat with one beat between presses
func DefaultOptions() Options {
	return Options{
		Tempo:           120.0,
		TicksPerQuarter: 480,
		Hold:            1,
		Gap:             1,
	}
}

// ErrNothingToPlay is returned when every button is disabled
var ErrNothingToPlay = errors.New("no enabled buttons")

// Render presses and releases each enabled button in order. Toggle buttons
// are pressed twice, once to turn on and once to turn off.
func Render(state protocol.BoardState, opts Options) ([]byte, error) {
	if opts.Tempo <= 0 {
		opts.Tempo = 120.0
	}
	if opts.TicksPerQuarter == 0 {
		opts.TicksPerQuarter = 480
	}
	hold := uint32(opts.Hold * float64(opts.TicksPerQuarter))
	gap := uint32(opts.Gap * float64(opts.TicksPerQuarter))
	if hold == 0 {
		hold = 1
	}

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(opts.TicksPerQuarter)

	var track smf.Track
	track.Add(0, smf.MetaTrackSequenceName(fmt.Sprintf("Bank %d", state.Bank+1)))
	track.Add(0, smf.MetaTempo(opts.Tempo))
	track.Add(0, smf.MetaMeter(4, 4))

	var delta uint32
	played := 0
	for i, b := range state.Buttons {
		if b.Enabled == 0 {
			continue
		}
		presses := 1
		if b.Type == protocol.ButtonToggle {
			presses = 2
		}

		track.Add(delta, smf.MetaMarker(fmt.Sprintf("Button %d: %s", i+1, b.Label())))
		delta = 0
		for p := 0; p < presses; p++ {
			// a toggle's second press turns it off
			press, err := b.Messages(p == 0)
			if err != nil {
				return nil, fmt.Errorf("button %d: %w", i+1, err)
			}
			for _, msg := range press {
				track.Add(delta, msg)
				delta = 0
			}
			delta += hold

			if b.Type == protocol.ButtonMomentary {
				off, err := b.Messages(false)
				if err != nil {
					return nil, fmt.Errorf("button %d: %w", i+1, err)
				}
				for _, msg := range off {
					track.Add(delta, msg)
					delta = 0
				}
			}
			delta += gap
		}
		played++
	}
	if played == 0 {
		return nil, ErrNothingToPlay
	}

	track.Close(delta)
	if err := s.Add(track); err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write MIDI: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders state to filename
func WriteFile(filename string, state protocol.BoardState, opts Options) error {
	data, err := Render(state, opts)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
