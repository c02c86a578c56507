// Package ble connects to the pedalboard's GATT configuration service
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"
)

// Identifiers advertised by the pedalboard firmware
const (
	DefaultDeviceName      = "MIDI Pedalboard Config"
	DefaultServiceUUID     = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	DefaultCommandCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	DefaultScanTimeout     = 10 * time.Second

	// readBufferSize covers the largest configuration packet with room to
	// spare; a read larger than this is truncated by the adapter
	readBufferSize = 64
)

// Common errors
var (
	ErrDeviceNotFound = errors.New("ble: device not found")
	ErrServiceMissing = errors.New("ble: configuration service not found")
	ErrCharMissing    = errors.New("ble: characteristic not found")
	ErrClosed         = errors.New("ble: transport closed")
)

// Config selects the device and characteristics
type Config struct {
	// DeviceName matches the advertised local name
	DeviceName string
	// Address, if set, matches the device address instead of the name
	Address         string
	ServiceUUID     string
	CommandCharUUID string
	// DataCharUUID carries reads and notifications. Empty means the command
	// characteristic is used for both.
	DataCharUUID string
	ScanTimeout  time.Duration
}

// DefaultConfig returns the identifiers the firmware ships with
func DefaultConfig() Config {
	return Config{
		DeviceName:      DefaultDeviceName,
		ServiceUUID:     DefaultServiceUUID,
		CommandCharUUID: DefaultCommandCharUUID,
		ScanTimeout:     DefaultScanTimeout,
	}
}

// uuids holds the parsed identifiers
type uuids struct {
	service bluetooth.UUID
	command bluetooth.UUID
	data    bluetooth.UUID
	shared  bool
}

func (c Config) parse() (uuids, error) {
	var u uuids
	var err error

	if u.service, err = parseUUID(c.ServiceUUID); err != nil {
		return u, fmt.Errorf("service uuid: %w", err)
	}
	if u.command, err = parseUUID(c.CommandCharUUID); err != nil {
		return u, fmt.Errorf("command characteristic uuid: %w", err)
	}
	if c.DataCharUUID == "" {
		u.data, u.shared = u.command, true
		return u, nil
	}
	if u.data, err = parseUUID(c.DataCharUUID); err != nil {
		return u, fmt.Errorf("data characteristic uuid: %w", err)
	}
	u.shared = u.data == u.command
	return u, nil
}

func parseUUID(raw string) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(strings.ToLower(strings.TrimSpace(raw)))
}

// matches reports whether an advertisement belongs to the configured device
func (c Config) matches(name, address string) bool {
	if c.Address != "" {
		return strings.EqualFold(c.Address, address)
	}
	return name != "" && name == c.DeviceName
}

// Transport is a connected pedalboard
type Transport struct {
	adapter  *bluetooth.Adapter
	device   bluetooth.Device
	address  string
	cmdChar  bluetooth.DeviceCharacteristic
	dataChar bluetooth.DeviceCharacteristic
	log      zerolog.Logger

	mu       sync.Mutex
	closed   bool
	handlers []func(error)
}

// Dial scans for the configured device, connects and discovers the
// configuration characteristics
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Transport, error) {
	ids, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	log = log.With().Str("component", "ble").Logger()

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	t := &Transport{adapter: adapter, log: log}
	adapter.SetConnectHandler(t.connectHandler)

	result, err := t.scan(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.address = result.Address.String()
	log.Info().Str("address", t.address).Str("name", result.LocalName()).Int16("rssi", result.RSSI).Msg("found device")

	var device bluetooth.Device
	err = do(ctx, func() error {
		var err error
		device, err = adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.address, err)
	}
	t.device = device

	if err := t.discover(ctx, ids); err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	log.Info().Bool("shared_char", ids.shared).Msg("connected")
	return t, nil
}

func (t *Transport) scan(ctx context.Context, cfg Config) (bluetooth.ScanResult, error) {
	var found bluetooth.ScanResult
	var ok bool

	ctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = t.adapter.StopScan()
	})
	defer stop()

	t.log.Debug().Str("name", cfg.DeviceName).Str("address", cfg.Address).Msg("scanning")
	err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ok || !cfg.matches(result.LocalName(), result.Address.String()) {
			return
		}
		found, ok = result, true
		_ = adapter.StopScan()
	})
	if err != nil {
		return found, fmt.Errorf("scan: %w", err)
	}
	if !ok {
		if errors.Is(ctx.Err(), context.Canceled) {
			return found, ctx.Err()
		}
		return found, ErrDeviceNotFound
	}
	return found, nil
}

func (t *Transport) discover(ctx context.Context, ids uuids) error {
	var services []bluetooth.DeviceService
	err := do(ctx, func() error {
		var err error
		services, err = t.device.DiscoverServices([]bluetooth.UUID{ids.service})
		return err
	})
	if err != nil {
		return fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return ErrServiceMissing
	}

	want := []bluetooth.UUID{ids.command}
	if !ids.shared {
		want = append(want, ids.data)
	}
	var chars []bluetooth.DeviceCharacteristic
	err = do(ctx, func() error {
		var err error
		chars, err = services[0].DiscoverCharacteristics(want)
		return err
	})
	if err != nil {
		return fmt.Errorf("discover characteristics: %w", err)
	}

	var haveCmd, haveData bool
	for _, c := range chars {
		switch c.UUID() {
		case ids.command:
			t.cmdChar, haveCmd = c, true
			if ids.shared {
				t.dataChar, haveData = c, true
			}
		case ids.data:
			t.dataChar, haveData = c, true
		}
	}
	if !haveCmd {
		return fmt.Errorf("%w: %s", ErrCharMissing, ids.command.String())
	}
	if !haveData {
		return fmt.Errorf("%w: %s", ErrCharMissing, ids.data.String())
	}
	return nil
}

// ReadOnce reads the configuration packet from the data characteristic
func (t *Transport) ReadOnce(ctx context.Context) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	var n int
	err := do(ctx, func() error {
		var err error
		n, err = t.dataChar.Read(buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.log.Debug().Int("bytes", n).Msg("read")
	return buf[:n], nil
}

// Write sends one command with response
func (t *Transport) Write(ctx context.Context, cmd []byte) error {
	if err := t.check(); err != nil {
		return err
	}

	return do(ctx, func() error {
		_, err := t.cmdChar.Write(cmd)
		return err
	})
}

// Subscribe enables notifications on the data characteristic
func (t *Transport) Subscribe(handler func([]byte)) (func(), error) {
	if err := t.check(); err != nil {
		return nil, err
	}

	err := t.dataChar.EnableNotifications(func(buf []byte) {
		// the adapter may reuse buf after the callback returns
		handler(append([]byte(nil), buf...))
	})
	if err != nil {
		return nil, fmt.Errorf("enable notifications: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := t.dataChar.EnableNotifications(nil); err != nil {
				t.log.Debug().Err(err).Msg("disable notifications")
			}
		})
	}, nil
}

// OnDisconnect registers a link loss handler
func (t *Transport) OnDisconnect(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

// Close disconnects from the device
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.device.Disconnect()
}

func (t *Transport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Transport) connectHandler(device bluetooth.Device, connected bool) {
	if connected || device.Address.String() != t.address {
		return
	}

	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	handlers := append([]func(error){}, t.handlers...)
	t.mu.Unlock()

	if wasClosed {
		return
	}
	t.log.Warn().Str("address", t.address).Msg("link lost")
	for _, h := range handlers {
		h(errors.New("link lost"))
	}
}

// do runs a blocking adapter call, returning early if ctx is done. The call
// itself keeps running in the background until the adapter gives up.
func do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
