package jtag

import (
	"errors"
	"fmt"
)

// Signal identifies one of the four JTAG lines driven or sampled by a
// PinDriver.
type Signal uint8

const (
	SignalTCK Signal = iota
	SignalTMS
	SignalTDI
	SignalTDO
)

// String returns the conventional JTAG name for the signal.
func (s Signal) String() string {
	switch s {
	case SignalTCK:
		return "TCK"
	case SignalTMS:
		return "TMS"
	case SignalTDI:
		return "TDI"
	case SignalTDO:
		return "TDO"
	}
	return fmt.Sprintf("Signal(%d)", uint8(s))
}

// PinDriver abstracts a physical or virtual set of JTAG lines: three outputs
// (TCK, TMS, TDI) and one input (TDO). Implementations configure direction
// and initial levels at construction time. Set and Get are the bit-bang hot
// path and do not return errors; drivers latch the first line-level failure,
// which Err surfaces after the fact.
//
// PinDriver implementations are not required to be safe for concurrent use.
// The server drives all transfers from a single goroutine.
type PinDriver interface {
	// Set drives an output line to the given logic level.
	Set(sig Signal, level bool)

	// Get samples an input line. Only SignalTDO is meaningful.
	Get(sig Signal) bool

	// Err reports the first line-level error seen by Set or Get, if any.
	Err() error

	// Close releases the underlying lines. Safe to call once.
	Close() error
}

// ErrNotImplemented lets backends signal that a requested capability is not
// available without relying on fmt.Errorf each time.
var ErrNotImplemented = errors.New("jtag: not implemented")

// ValidateShiftBuffers checks that the TMS and TDI buffers can hold the
// requested bit length and returns the number of bytes that length occupies.
// A zero bit length is valid and requires no buffer space.
func ValidateShiftBuffers(tms, tdi []byte, bits int) (int, error) {
	if bits < 0 {
		return 0, fmt.Errorf("jtag: bits must be non-negative, got %d", bits)
	}
	required := (bits + 7) / 8
	if len(tms) < required {
		return 0, fmt.Errorf("jtag: tms buffer too short, need %d bytes", required)
	}
	if len(tdi) < required {
		return 0, fmt.Errorf("jtag: tdi buffer too short, need %d bytes", required)
	}
	return required, nil
}
