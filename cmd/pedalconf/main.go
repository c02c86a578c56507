// Package main is the entry point for the pedalconf CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/james-see/pedalconf/pkg/api"
	"github.com/james-see/pedalconf/pkg/audition"
	"github.com/james-see/pedalconf/pkg/board"
	"github.com/james-see/pedalconf/pkg/preset"
	"github.com/james-see/pedalconf/pkg/protocol"
	"github.com/james-see/pedalconf/pkg/session"
	"github.com/james-see/pedalconf/pkg/store"
	"github.com/james-see/pedalconf/pkg/tui"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	opts       = board.DefaultOptions()
	logLevel   string
	serverPort int
	presetName string
	asCommand  bool

	auditionTempo float64

	saveType     string
	saveMidi     string
	saveValue    int
	saveChannel  int
	saveVelocity int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pedalconf",
	Short: "Configure a BLE MIDI pedalboard",
	Long: `pedalconf reads and edits the button assignments of a Bluetooth LE MIDI
pedalboard: the MIDI message each button sends, its channel and velocity,
and the active bank.

Both firmware protocols are supported: v1 (polled re-read after each write)
and v2 (per-button velocity, change notifications).

Examples:
  pedalconf read
  pedalconf save 2 --midi cc --value 64 --type toggle
  pedalconf bank 3
  pedalconf export bank1.yaml
  pedalconf import live.yaml
  pedalconf audition bank1.mid
  pedalconf decode "00 00 00 3c 01 01 ..." --protocol v1
  pedalconf tui
  pedalconf serve --port 8080 --simulate`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read and print the current bank",
	Args:  cobra.NoArgs,
	RunE:  runRead,
}

var saveCmd = &cobra.Command{
	Use:   "save <button>",
	Short: "Change one button (1-4)",
	Long:  `Changes the given fields of one button. Fields not given keep their current value.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSave,
}

var bankCmd = &cobra.Command{
	Use:   "bank <bank>",
	Short: "Switch the active bank (1-4)",
	Args:  cobra.ExactArgs(1),
	RunE:  runBank,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a captured packet or command offline",
	Long: `Decodes hex bytes captured from the configuration characteristic.
With --protocol auto the version is picked from the packet length.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var exportCmd = &cobra.Command{
	Use:   "export [file.yaml]",
	Short: "Export the current bank as a YAML preset",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Apply a YAML preset",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var auditionCmd = &cobra.Command{
	Use:   "audition <out.mid>",
	Short: "Render the current bank to a MIDI file",
	Long:  `Writes a MIDI file that presses and releases each enabled button in turn, sending what the pedal would send.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAudition,
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch interactive terminal UI",
	Args:  cobra.NoArgs,
	RunE:  runTUI,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.Protocol, "protocol", opts.Protocol, "Firmware protocol (v1, v2, auto)")
	pf.BoolVar(&opts.Simulate, "simulate", false, "Use a simulated pedalboard instead of Bluetooth")
	pf.StringVar(&opts.BLE.DeviceName, "device-name", opts.BLE.DeviceName, "Advertised name to connect to")
	pf.StringVar(&opts.BLE.Address, "address", "", "Device address to connect to (overrides --device-name)")
	pf.StringVar(&opts.BLE.DataCharUUID, "data-char", "", "Separate data characteristic UUID (v2 firmware)")
	pf.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Timeout for connecting and for each operation")
	pf.DurationVar(&opts.RereadDelay, "reread-delay", opts.RereadDelay, "Delay before re-reading after a write (v1)")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error, disabled)")

	// save command
	saveCmd.Flags().StringVar(&saveType, "type", "", "Button type (momentary, toggle)")
	saveCmd.Flags().StringVar(&saveMidi, "midi", "", "MIDI message (note, cc, pc)")
	saveCmd.Flags().IntVar(&saveValue, "value", 0, "Note, CC or program number (0-127)")
	saveCmd.Flags().IntVar(&saveChannel, "channel", 0, "MIDI channel (1-16)")
	saveCmd.Flags().IntVar(&saveVelocity, "velocity", 0, "Note velocity (0-127, v2 only)")

	// decode command
	decodeCmd.Flags().BoolVar(&asCommand, "command", false, "Decode as a write command instead of a configuration packet")

	// export command
	exportCmd.Flags().StringVar(&presetName, "name", "", "Preset name")

	// audition command
	auditionCmd.Flags().Float64Var(&auditionTempo, "tempo", 120, "Tempo in BPM")

	// serve command
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Server port")

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(bankCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(auditionCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(serveCmd)
}

func newLogger() (zerolog.Logger, error) {
	return board.NewLogger(os.Stderr, logLevel)
}

func openBoard(ctx context.Context, log zerolog.Logger) (*board.Board, error) {
	return board.Open(ctx, opts, log)
}

// withBoard connects, runs fn and disconnects
func withBoard(cmd *cobra.Command, fn func(ctx context.Context, b *board.Board) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBoard(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("disconnect")
		}
	}()
	return fn(ctx, b)
}

// settle waits for the write just issued to be reconciled with the firmware
func settle(ctx context.Context, ctrl *session.Controller) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := ctrl.WaitIdle(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.New("pedalboard did not confirm the change; run read to check")
		}
		return err
	}
	return nil
}

func parseNumber(arg, what string, max int) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > max {
		return 0, fmt.Errorf("%s must be 1-%d, got %q", what, max, arg)
	}
	return n - 1, nil
}

func printState(ctrl *session.Controller) {
	st := ctrl.Status()
	state := ctrl.Store().Snapshot()

	fmt.Printf("Protocol %s (%s), bank %d\n", st.Version, st.Mode, state.Bank+1)
	for i, b := range state.Buttons {
		velocity := "-"
		if b.Velocity != nil {
			velocity = strconv.Itoa(*b.Velocity)
		}
		enabled := ""
		if b.Enabled == 0 {
			enabled = " (disabled)"
		}
		fmt.Printf("  %d  %-10s %-8s ch %-2d vel %-3s %s%s\n",
			i+1, b.Type, b.Label(), b.Channel, velocity, b.Describe(), enabled)
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		printState(b.Controller)
		return nil
	})
}

func saveEdit(cmd *cobra.Command) (store.Edit, error) {
	var edit store.Edit
	flags := cmd.Flags()
	if flags.Changed("type") {
		t, err := protocol.ParseButtonType(saveType)
		if err != nil {
			return edit, err
		}
		edit.Type = &t
	}
	if flags.Changed("midi") {
		m, err := protocol.ParseMidiType(saveMidi)
		if err != nil {
			return edit, err
		}
		edit.MidiType = &m
	}
	if flags.Changed("value") {
		edit.Value = &saveValue
	}
	if flags.Changed("channel") {
		edit.Channel = &saveChannel
	}
	if flags.Changed("velocity") {
		edit.Velocity = &saveVelocity
	}
	if edit.IsEmpty() {
		return edit, errors.New("nothing to change: give at least one of --type, --midi, --value, --channel, --velocity")
	}
	return edit, nil
}

func runSave(cmd *cobra.Command, args []string) error {
	button, err := parseNumber(args[0], "button", protocol.NumButtons)
	if err != nil {
		return err
	}
	edit, err := saveEdit(cmd)
	if err != nil {
		return err
	}

	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		ctrl := b.Controller
		cfg, err := ctrl.Store().Merge(button, edit)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if edit.Velocity != nil && !ctrl.Codec().HasVelocity() {
			fmt.Fprintln(os.Stderr, "Note: v1 firmware has no velocity setting; --velocity ignored")
		}

		if err := ctrl.Save(ctx, button, edit); err != nil {
			return err
		}
		if err := settle(ctx, ctrl); err != nil {
			return err
		}
		fmt.Printf("Saved button %d\n", button+1)
		printState(ctrl)
		return nil
	})
}

func runBank(cmd *cobra.Command, args []string) error {
	bank, err := parseNumber(args[0], "bank", protocol.NumBanks)
	if err != nil {
		return err
	}

	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		ctrl := b.Controller
		if err := ctrl.SwitchBank(ctx, bank); err != nil {
			return err
		}
		if err := settle(ctx, ctrl); err != nil {
			return err
		}
		printState(ctrl)
		return nil
	})
}

func runDecode(cmd *cobra.Command, args []string) error {
	data, err := protocol.ParseHex(strings.Join(args, " "))
	if err != nil {
		return err
	}

	v, err := protocol.ParseVersion(opts.Protocol)
	if err != nil {
		return err
	}
	if v == protocol.VersionAuto {
		if asCommand {
			return errors.New("decoding a command needs --protocol v1 or v2")
		}
		if v, err = protocol.DetectVersion(data); err != nil {
			return err
		}
	}
	codec := protocol.MustCodec(v)

	if asCommand {
		c, err := codec.DecodeCommand(data)
		if err != nil {
			return err
		}
		fmt.Println(c)
		return nil
	}

	state, err := codec.Decode(data)
	if err != nil {
		return err
	}
	if len(data) > codec.PacketSize() {
		fmt.Fprintf(os.Stderr, "Note: ignoring %d trailing bytes\n", len(data)-codec.PacketSize())
	}
	fmt.Printf("Protocol %s, bank %d\n", v, state.Bank+1)
	for i, b := range state.Buttons {
		fmt.Printf("  %d  %-10s %-8s ch %-2d vel %-3d enabled %d\n",
			i+1, b.Type, b.Label(), b.Channel, b.EffectiveVelocity(), b.Enabled)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		ctrl := b.Controller
		p := preset.FromState(presetName, ctrl.Codec().Version(), ctrl.Store().Snapshot())
		if len(args) == 0 {
			return preset.Encode(os.Stdout, p)
		}
		if err := preset.Save(args[0], p); err != nil {
			return err
		}
		fmt.Printf("Exported bank %d -> %s\n", p.Bank, args[0])
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	p, err := preset.Load(args[0])
	if err != nil {
		return err
	}

	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		ctrl := b.Controller
		if p.Protocol != "" && p.Protocol != ctrl.Codec().Version().String() {
			fmt.Fprintf(os.Stderr, "Note: preset was exported from %s firmware, board speaks %s\n", p.Protocol, ctrl.Codec().Version())
		}

		// one timeout per write plus the bank switch
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout*time.Duration(len(p.Buttons)+1))
		defer cancel()
		err := preset.Apply(ctx, ctrl, p, func(button int) {
			fmt.Printf("Saved button %d\n", button)
		})
		if err != nil {
			return err
		}
		printState(ctrl)
		return nil
	})
}

func runAudition(cmd *cobra.Command, args []string) error {
	return withBoard(cmd, func(ctx context.Context, b *board.Board) error {
		aopts := audition.DefaultOptions()
		aopts.Tempo = auditionTempo
		state := b.Controller.Store().Snapshot()
		if err := audition.WriteFile(args[0], state, aopts); err != nil {
			return err
		}
		fmt.Printf("Rendered bank %d -> %s\n", state.Bank+1, args[0])
		return nil
	})
}

func runTUI(cmd *cobra.Command, args []string) error {
	// log lines would tear the alternate screen
	b, err := openBoard(cmd.Context(), zerolog.Nop())
	if err != nil {
		return err
	}
	defer b.Close()
	return tui.Run(b.Controller)
}

func runServe(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	b, err := openBoard(cmd.Context(), log)
	if err != nil {
		return err
	}
	defer b.Close()

	fmt.Printf("Starting API server on port %d...\n", serverPort)
	fmt.Printf("Swagger docs available at http://localhost:%d/swagger/index.html\n", serverPort)
	return api.StartServer(serverPort, b.Controller, log)
}
