//go:build mips || mipsle
// +build mips mipsle

package usbio

import "errors"

// ErrUnsupportedPlatform is returned by NewGousb on platforms where gousb's
// cgo dependency on libusb cannot be built.
var ErrUnsupportedPlatform = errors.New("usbio: gousb unsupported on this platform")

// Gousb is a stub on mips/mipsle; every method fails.
type Gousb struct{}

func NewGousb() *Gousb { return &Gousb{} }

func (g *Gousb) ListCandidates() ([]Descriptor, error) { return nil, ErrUnsupportedPlatform }
func (g *Gousb) Open(d Descriptor) (Device, error)      { return nil, ErrUnsupportedPlatform }
func (g *Gousb) Close() error                           { return nil }
