package attenuator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaudRate is used for ports that are not USB/ACM devices.
	DefaultBaudRate = 9600
	// FastBaudRate is used for USB and ACM ports.
	FastBaudRate = 115200
	// DefaultSettle is the wait between writing a command and draining the reply.
	DefaultSettle = 500 * time.Millisecond
	// DefaultDrainPoll is the read timeout used while draining the reply.
	DefaultDrainPoll = 100 * time.Millisecond

	maxResponseSize = 4096
)

var (
	// ErrNotConnected is returned when a command is sent to a closed channel.
	ErrNotConnected = errors.New("attenuator not connected")
	// ErrTransport wraps failures of the underlying port.
	ErrTransport = errors.New("attenuator transport failure")
	// ErrTimeout is returned when the port reports a deadline failure.
	ErrTimeout = errors.New("attenuator timed out")
)

// Options configures a Channel. Zero values select the defaults.
type Options struct {
	BaudRate  int
	Settle    time.Duration
	DrainPoll time.Duration
	Open      Opener
}

// Channel is the session with one attenuator. Exchanges on a channel are
// serialized; distinct channels are independent.
type Channel struct {
	port string
	opts Options

	// ioMu serializes exchanges and guards conn.
	ioMu sync.Mutex
	conn Port

	mu        sync.RWMutex
	connected bool
	lastRaw   float64
}

// New creates a channel for port. The port is not opened until Connect.
func New(port string, opts Options) *Channel {
	if opts.BaudRate == 0 {
		opts.BaudRate = BaudRateFor(port)
	}
	if opts.Settle == 0 {
		opts.Settle = DefaultSettle
	}
	if opts.DrainPoll == 0 {
		opts.DrainPoll = DefaultDrainPoll
	}
	if opts.Open == nil {
		opts.Open = OpenSerial
	}

	return &Channel{
		port: port,
		opts: opts,
	}
}

// Port returns the port identifier.
func (c *Channel) Port() string {
	return c.port
}

// BaudRate returns the line rate used when opening the port.
func (c *Channel) BaudRate() int {
	return c.opts.BaudRate
}

// Connect opens the port. It reports failure instead of returning an error.
func (c *Channel) Connect() bool {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.conn != nil {
		return true
	}

	conn, err := c.opts.Open(c.port, c.BaudRate())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"port": c.port,
			"baud": c.BaudRate(),
		}).Warnf("failed to connect attenuator: %v", err)
		return false
	}

	c.conn = conn
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"port": c.port,
		"baud": c.BaudRate(),
	}).Info("attenuator connected")
	return true
}

// Disconnect closes the port. Calling it on a closed channel is a no-op. The
// channel is marked disconnected even if closing the port fails.
func (c *Channel) Disconnect() error {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: failed to close %s: %w", ErrTransport, c.port, err)
	}
	logrus.WithField("port", c.port).Info("attenuator disconnected")
	return nil
}

// IsConnected returns whether the port is open.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastRawAttenuation returns the last value successfully set on the device.
func (c *Channel) LastRawAttenuation() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRaw
}

// Send writes command terminated by CRLF, waits for the settle interval and
// returns whatever the device sent back.
func (c *Channel) Send(command string) (Response, error) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if c.conn == nil {
		return Response{}, ErrNotConnected
	}

	// Stale bytes from an earlier exchange must not be taken as this reply.
	if err := c.conn.ResetInputBuffer(); err != nil {
		return Response{}, transportError("reset input", err)
	}

	if _, err := c.conn.Write([]byte(command + "\r\n")); err != nil {
		return Response{}, transportError("write", err)
	}

	time.Sleep(c.opts.Settle)

	raw, err := c.drain()
	if err != nil {
		return Response{}, err
	}

	resp := classify(raw)
	logrus.WithFields(logrus.Fields{
		"port":     c.port,
		"command":  command,
		"response": resp.Text,
		"kind":     resp.Kind.String(),
	}).Debug("attenuator exchange")
	return resp, nil
}

// drain reads until the port has nothing more to give within one poll
// interval or the response limit is reached.
func (c *Channel) drain() ([]byte, error) {
	if err := c.conn.SetReadTimeout(c.opts.DrainPoll); err != nil {
		return nil, transportError("set read timeout", err)
	}

	var out []byte
	buf := make([]byte, 256)
	for len(out) < maxResponseSize {
		n, err := c.conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, transportError("read", err)
		}
		if n == 0 {
			break
		}
	}
	if len(out) > maxResponseSize {
		out = out[:maxResponseSize]
	}
	return out, nil
}

// SetRawAttenuation writes value to the device without compensation. Any
// completed exchange counts as success; the reply content is not checked.
func (c *Channel) SetRawAttenuation(value float64) bool {
	resp, err := c.Send(FormatSetCommand(value))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"port":  c.port,
			"value": value,
		}).Errorf("failed to set attenuation: %v", err)
		return false
	}

	c.mu.Lock()
	c.lastRaw = value
	c.mu.Unlock()

	if resp.Kind != Ack {
		logrus.WithFields(logrus.Fields{
			"port":     c.port,
			"value":    value,
			"kind":     resp.Kind.String(),
			"response": resp.Text,
		}).Debug("set acknowledged without a well-formed reply")
	}
	return true
}

// ReadRawAttenuation queries the device. The device reply is not parsed; when
// it answers at all the last value set is returned.
func (c *Channel) ReadRawAttenuation() (float64, bool) {
	resp, err := c.Send(ReadCommand)
	if err != nil {
		logrus.WithField("port", c.port).Errorf("failed to read attenuation: %v", err)
		return 0, false
	}
	if resp.Kind == NoResponse {
		logrus.WithField("port", c.port).Warn("no response to read")
		return 0, false
	}
	return c.LastRawAttenuation(), true
}

func transportError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
