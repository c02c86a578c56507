// Package board wires a transport, a store and a session controller
// together from command line settings
package board

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/session"
	"github.com/james-see/pedalconf/pkg/store"
	"github.com/james-see/pedalconf/pkg/transport/ble"
	"github.com/james-see/pedalconf/pkg/transport/sim"
)

// Options selects the pedalboard to talk to
type Options struct {
	// Protocol is "v1", "v2" or "auto"
	Protocol string
	// Simulate uses the in-memory firmware instead of Bluetooth. With
	// Protocol "auto" the simulator speaks v2.
	Simulate    bool
	BLE         ble.Config
	RereadDelay time.Duration
	Timeout     time.Duration
}

// DefaultOptions returns options for the stock firmware
func DefaultOptions() Options {
	return Options{
		Protocol:    "auto",
		BLE:         ble.DefaultConfig(),
		RereadDelay: session.DefaultRereadDelay,
		Timeout:     10 * time.Second,
	}
}

// Board is a connected pedalboard
type Board struct {
	Controller *session.Controller
	// Sim is set when Options.Simulate was used
	Sim *sim.Firmware
}

// Open connects to the pedalboard and performs the initial read
func Open(ctx context.Context, opts Options, log zerolog.Logger) (*Board, error) {
	version, err := protocol.ParseVersion(opts.Protocol)
	if err != nil {
		return nil, err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b := &Board{}
	var transport session.Transport
	if opts.Simulate {
		simVersion := version
		if simVersion == protocol.VersionAuto {
			simVersion = protocol.V2
		}
		fw, err := sim.New(simVersion, sim.WithLogger(log), sim.WithNotifyDelay(50*time.Millisecond))
		if err != nil {
			return nil, err
		}
		b.Sim = fw
		transport = fw
		log.Info().Str("version", simVersion.String()).Msg("using simulated pedalboard")
	} else {
		t, err := ble.Dial(ctx, opts.BLE, log)
		if err != nil {
			return nil, fmt.Errorf("failed to reach %q: %w", opts.BLE.DeviceName, err)
		}
		transport = t
	}

	b.Controller = session.New(transport, store.New(), session.Options{
		Version:     version,
		RereadDelay: opts.RereadDelay,
		ReadTimeout: opts.Timeout,
		Logger:      &log,
	})
	if err := b.Controller.Connect(ctx); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return b, nil
}

// Close disconnects from the pedalboard
func (b *Board) Close() error {
	return b.Controller.Disconnect()
}

// NewLogger returns a console logger at the named level ("debug", "info",
// "warn", "error" or "disabled")
func NewLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
