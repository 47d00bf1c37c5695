// Package rate translates a requested sample rate into the one-byte
// clock divider the device expects, and the command byte that frames it
// on the wire. It is a pure function package: it has no knowledge of USB.
package rate

import (
	"errors"
	"fmt"
)

// FirmwareGeneration distinguishes the two divider encodings in the wild.
// Unlike the original driver (which tracked this as a single process-wide
// flag), it is carried per device so mixed-generation fleets work.
type FirmwareGeneration int

const (
	Legacy FirmwareGeneration = iota
	New
)

// ErrSampleRate is returned for any rate outside the supported set.
var ErrSampleRate = errors.New("unsupported sample rate")

// cmdLegacy and cmdNew are the bulk-OUT command bytes that prefix the
// divider in the 2-byte rate-setting packet.
const (
	cmdLegacy byte = 0x01
	cmdNew    byte = 0xD5
)

// newDividers is the new-firmware lookup table from the device protocol.
var newDividers = map[uint64]byte{
	24_000_000: 0xE0,
	16_000_000: 0xD5,
	12_000_000: 0xE2,
	8_000_000:  0xD4,
	4_000_000:  0xDA,
	2_000_000:  0xE6,
	1_000_000:  0x8E,
	500_000:    0xFE,
	250_000:    0x9E,
	200_000:    0x4E,
}

// Supported lists the sample rates this driver can configure, in
// ascending order.
var Supported = []uint64{
	200_000, 250_000, 500_000,
	1_000_000, 2_000_000, 4_000_000, 8_000_000, 12_000_000, 16_000_000, 24_000_000,
}

// IsSupported reports whether hz is one of the exact supported rates.
func IsSupported(hz uint64) bool {
	_, ok := newDividers[hz]
	return ok
}

// Divider computes the one-byte clock divider for hz under the given
// firmware generation.
func Divider(hz uint64, gen FirmwareGeneration) (byte, error) {
	if !IsSupported(hz) {
		return 0, fmt.Errorf("%d Hz: %w", hz, ErrSampleRate)
	}
	if gen == New {
		return newDividers[hz], nil
	}
	// Legacy encoding: divider = floor(48 / rate_MHz) - 1, computed in
	// integer arithmetic since 48,000,000 is an exact multiple of every
	// supported rate.
	return byte(48_000_000/hz - 1), nil
}

// Command returns the bulk-OUT command byte that precedes the divider.
func Command(gen FirmwareGeneration) byte {
	if gen == New {
		return cmdNew
	}
	return cmdLegacy
}

// Packet builds the 2-byte payload written to bulk OUT endpoint 1.
func Packet(hz uint64, gen FirmwareGeneration) ([]byte, error) {
	div, err := Divider(hz, gen)
	if err != nil {
		return nil, err
	}
	return []byte{Command(gen), div}, nil
}
