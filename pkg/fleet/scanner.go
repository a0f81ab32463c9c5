package fleet

import (
	"github.com/itohio/rfatt/pkg/attenuator"
)

// Scanner lists the serial ports visible to the system.
type Scanner interface {
	Ports() ([]attenuator.PortInfo, error)
}

// SystemScanner enumerates the OS serial ports.
type SystemScanner struct{}

// Ports implements Scanner.
func (SystemScanner) Ports() ([]attenuator.PortInfo, error) {
	return attenuator.Ports()
}

// StaticScanner reports a fixed port list.
type StaticScanner []attenuator.PortInfo

// Ports implements Scanner.
func (s StaticScanner) Ports() ([]attenuator.PortInfo, error) {
	out := make([]attenuator.PortInfo, len(s))
	copy(out, s)
	return out, nil
}

var (
	_ Scanner = SystemScanner{}
	_ Scanner = StaticScanner(nil)
)
