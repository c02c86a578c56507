package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrInvalidLength  = errors.New("invalid packet length")
	ErrInvalidIndex   = errors.New("invalid button index")
	ErrUnknownVersion = errors.New("unknown protocol version")
	ErrUnknownCommand = errors.New("unknown command")
)

// Version identifies a firmware protocol revision
type Version int

const (
	// VersionAuto defers the choice to DetectVersion on the first read
	VersionAuto Version = 0
	// V1 uses 5-byte records, 6-byte commands and polled reads
	V1 Version = 1
	// V2 adds velocity: 6-byte records, 7-byte commands, notifications
	V2 Version = 2
)

// String returns "v1", "v2" or "auto"
func (v Version) String() string {
	switch v {
	case VersionAuto:
		return "auto"
	case V1, V2:
		return fmt.Sprintf("v%d", int(v))
	default:
		return fmt.Sprintf("version(%d)", int(v))
	}
}

// ParseVersion parses "v1", "v2", "1", "2" or "auto"
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return VersionAuto, nil
	case "1", "v1":
		return V1, nil
	case "2", "v2":
		return V2, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownVersion, s)
}

// Codec translates between raw characteristic bytes and board state for
// one protocol version. Implementations are stateless.
type Codec interface {
	Version() Version
	// PacketSize is the minimum length of a configuration packet
	PacketSize() int
	// CommandSize is the exact length of every command this version writes
	CommandSize() int
	HasVelocity() bool
	IndexMap() IndexMap

	Decode(data []byte) (BoardState, error)
	EncodeState(state BoardState) []byte
	EncodeSave(uiIndex int, cfg ButtonConfig) ([]byte, error)
	EncodeBankSwitch(bank int) []byte
	DecodeCommand(data []byte) (Command, error)
}

// ForVersion returns the codec for v using LogicalMap
func ForVersion(v Version) (Codec, error) {
	return NewCodec(v, LogicalMap)
}

// NewCodec returns the codec for v using a custom index map
func NewCodec(v Version, m IndexMap) (Codec, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	switch v {
	case V1:
		return &layout{version: V1, recordSize: 5, hasVelocity: false, indexMap: m}, nil
	case V2:
		return &layout{version: V2, recordSize: 6, hasVelocity: true, indexMap: m}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, v)
	}
}

// MustCodec is ForVersion that panics on an unknown version
func MustCodec(v Version) Codec {
	c, err := ForVersion(v)
	if err != nil {
		panic(err)
	}
	return c
}

// DetectVersion picks a version from the length of a configuration packet.
// A packet long enough for v2 is taken as v2.
func DetectVersion(data []byte) (Version, error) {
	switch {
	case len(data) >= 1+NumButtons*6:
		return V2, nil
	case len(data) >= 1+NumButtons*5:
		return V1, nil
	default:
		return VersionAuto, fmt.Errorf("%w: got %d bytes, need at least %d", ErrInvalidLength, len(data), 1+NumButtons*5)
	}
}
