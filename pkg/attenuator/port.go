package attenuator

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the byte transport a Channel talks through.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the named port at the given baud rate.
type Opener func(name string, baudRate int) (Port, error)

type serialPort = serial.Port

// OpenSerial opens a serial port with 8N1 framing.
func OpenSerial(name string, baudRate int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}

// PortInfo describes a serial port visible to the OS.
type PortInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	SerialNumber string `json:"serial_number"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	IsUSB        bool   `json:"is_usb"`
}

// Ports returns the serial ports visible to the OS, sorted by name. USB
// descriptor details are filled in when the platform exposes them.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, lerr := serial.GetPortsList()
		if lerr != nil {
			return nil, fmt.Errorf("failed to list serial ports: %w", lerr)
		}
		result := make([]PortInfo, 0, len(names))
		for _, name := range names {
			result = append(result, PortInfo{Name: name, Description: name})
		}
		sortPorts(result)
		return result, nil
	}

	result := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Product
		if desc == "" {
			desc = d.Name
		}
		result = append(result, PortInfo{
			Name:         d.Name,
			Description:  desc,
			SerialNumber: d.SerialNumber,
			VID:          d.VID,
			PID:          d.PID,
			IsUSB:        d.IsUSB,
		})
	}
	sortPorts(result)
	return result, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}

// BaudRateFor picks the line rate from the port name: USB and ACM devices run
// at 115200, everything else at 9600.
func BaudRateFor(port string) int {
	upper := strings.ToUpper(port)
	if strings.Contains(upper, "USB") || strings.Contains(upper, "ACM") {
		return FastBaudRate
	}
	return DefaultBaudRate
}
