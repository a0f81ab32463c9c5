package attenuator

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/rfatt/pkg/config"
)

// ErrPortClosed is returned by a Mock after Close.
var ErrPortClosed = errors.New("port closed")

// Mock simulates an attenuator on the far side of a serial port. It speaks the
// same protocol as the hardware: att-XXX.XX sets, READ queries.
type Mock struct {
	cfg config.MockPort

	mu      sync.Mutex
	open    bool
	value   float64
	pending []byte
	out     bytes.Buffer
	history []string
}

// NewMock creates a simulated attenuator.
func NewMock(cfg *config.MockPort) *Mock {
	if cfg == nil {
		cfg = &config.MockPort{Name: "/dev/ttyACM0", SerialNumber: "MOCK0001"}
	}
	return &Mock{cfg: *cfg, open: true}
}

// Name returns the simulated port name.
func (m *Mock) Name() string {
	return m.cfg.Name
}

// SerialNumber returns the simulated USB serial number.
func (m *Mock) SerialNumber() string {
	return m.cfg.SerialNumber
}

// Value returns the attenuation the simulated device is set to.
func (m *Mock) Value() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Commands returns the commands received so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// IsOpen reports whether the port is open.
func (m *Mock) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *Mock) reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.pending = nil
	m.out.Reset()
}

// Write feeds bytes to the simulated device. Complete CRLF-terminated lines
// are executed immediately.
func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, ErrPortClosed
	}

	m.pending = append(m.pending, p...)
	for {
		i := bytes.IndexByte(m.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(m.pending[:i]))
		m.pending = m.pending[i+1:]
		if line != "" {
			m.execute(line)
		}
	}
	return len(p), nil
}

func (m *Mock) execute(line string) {
	m.history = append(m.history, line)

	switch {
	case strings.EqualFold(line, ReadCommand):
		fmt.Fprintf(&m.out, "ATT %06.2f\r\n", m.value)
	case strings.HasPrefix(strings.ToLower(line), "att-"):
		v, err := strconv.ParseFloat(line[4:], 64)
		if err != nil || v < 0 || v > 90 {
			m.out.WriteString("ERR\r\n")
			return
		}
		m.value = v
		fmt.Fprintf(&m.out, "ATT %06.2f OK\r\n", v)
	default:
		m.out.WriteString("ERR\r\n")
	}
}

// Read returns pending reply bytes. With nothing pending it returns 0, nil
// like a serial port whose read timeout expired.
func (m *Mock) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return 0, ErrPortClosed
	}
	if m.out.Len() == 0 {
		return 0, nil
	}
	return m.out.Read(p)
}

// SetReadTimeout is a no-op.
func (m *Mock) SetReadTimeout(time.Duration) error {
	return nil
}

// ResetInputBuffer discards pending reply bytes.
func (m *Mock) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out.Reset()
	return nil
}

// Close closes the simulated port.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// MockOpener returns an Opener serving the given mocks by port name.
func MockOpener(mocks ...*Mock) Opener {
	byName := make(map[string]*Mock, len(mocks))
	for _, m := range mocks {
		byName[m.Name()] = m
	}
	return func(name string, _ int) (Port, error) {
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("failed to open serial port %s: no such device", name)
		}
		m.reopen()
		return m, nil
	}
}

// MockPorts describes the mocks the way Ports describes real hardware.
func MockPorts(mocks ...*Mock) []PortInfo {
	result := make([]PortInfo, 0, len(mocks))
	for _, m := range mocks {
		result = append(result, PortInfo{
			Name:         m.Name(),
			Description:  "Simulated attenuator",
			SerialNumber: m.SerialNumber(),
			IsUSB:        true,
		})
	}
	sortPorts(result)
	return result
}
