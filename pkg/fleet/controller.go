// Package fleet coordinates a set of compensated attenuators addressed by
// logical device id.
package fleet

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/calibration"
	"github.com/itohio/rfatt/pkg/compensation"
)

const (
	// DefaultFrequency is the operating frequency (MHz) before one is set.
	DefaultFrequency = 1000.0
	// DefaultSource is the calibration file used when nothing else matches.
	DefaultSource = "1.json"
	// DefaultPortFilter restricts scans to CDC ACM devices.
	DefaultPortFilter = "ACM"

	unknownSerial = "unknown"
)

var (
	// ErrUnknownDevice is returned for ids that are not registered.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrOutOfRange is returned for attenuation values outside the
	// device's current range.
	ErrOutOfRange = errors.New("attenuation out of range")
	// ErrDeviceFailed is returned when the device did not complete the
	// exchange.
	ErrDeviceFailed = errors.New("device did not respond")
)

var (
	acmPattern = regexp.MustCompile(`ACM(\d+)`)
	comPattern = regexp.MustCompile(`(?i)COM(\d+)`)
)

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	CalibrationDir string
	DefaultSource  string
	MappingFile    string
	Frequency      float64
	PortFilter     string
	Scanner        Scanner
	NewDevice      func(port string) attenuator.Device
}

// device is everything registered under one id. Keeping it in one struct
// ties the id→binding, id→port and id→serial associations together.
type device struct {
	binding *compensation.Binding
	table   *calibration.Table
	port    string
	serial  string
}

// Controller owns the connected attenuators. All registration changes and
// frequency changes happen under a single writer lock; batch operations run
// devices concurrently under the reader lock.
type Controller struct {
	opts    Options
	mapping *SerialMapping

	mu        sync.RWMutex
	devices   map[string]*device
	frequency float64
	scanned   []attenuator.PortInfo

	cbMu      sync.RWMutex
	callbacks []func(Event)
}

// New creates a controller. A serial mapping file that cannot be read is
// logged and treated as empty.
func New(opts Options) *Controller {
	if opts.DefaultSource == "" {
		opts.DefaultSource = DefaultSource
	}
	if opts.Frequency <= 0 {
		opts.Frequency = DefaultFrequency
	}
	if opts.Scanner == nil {
		opts.Scanner = SystemScanner{}
	}
	if opts.NewDevice == nil {
		opts.NewDevice = func(port string) attenuator.Device {
			return attenuator.New(port, attenuator.Options{})
		}
	}

	mapping, err := NewSerialMapping(opts.MappingFile)
	if err != nil {
		logrus.Warnf("failed to load serial mapping, starting empty: %v", err)
	}

	return &Controller{
		opts:      opts,
		mapping:   mapping,
		devices:   make(map[string]*device),
		frequency: opts.Frequency,
	}
}

// ScanPorts enumerates the system serial ports, keeps those whose name
// contains the port filter and remembers their descriptors for identity
// resolution. A failed scan is logged and yields no ports.
func (c *Controller) ScanPorts() []string {
	ports, err := c.opts.Scanner.Ports()
	if err != nil {
		logrus.Errorf("failed to scan serial ports: %v", err)
		return []string{}
	}

	filtered := make([]attenuator.PortInfo, 0, len(ports))
	for _, p := range ports {
		if c.opts.PortFilter != "" && !strings.Contains(p.Name, c.opts.PortFilter) {
			continue
		}
		if p.SerialNumber == "" {
			p.SerialNumber = unknownSerial
		}
		logrus.WithFields(logrus.Fields{
			"port":   p.Name,
			"serial": p.SerialNumber,
		}).Info("found serial device")
		filtered = append(filtered, p)
	}

	c.mu.Lock()
	c.scanned = filtered
	c.mu.Unlock()

	names := make([]string, len(filtered))
	for i, p := range filtered {
		names[i] = p.Name
	}
	logrus.Infof("found %d serial devices: %v", len(names), names)
	return names
}

// AvailablePorts returns the port names found by the last scan.
func (c *Controller) AvailablePorts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.scanned))
	for i, p := range c.scanned {
		names[i] = p.Name
	}
	return names
}

// ScannedPorts returns the descriptors found by the last scan.
func (c *Controller) ScannedPorts() []attenuator.PortInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]attenuator.PortInfo, len(c.scanned))
	copy(out, c.scanned)
	return out
}

// Connect opens port and registers it under id, or under att_<n> when id is
// empty. A device already registered under id is disconnected and replaced.
// The device is registered only if it connects.
func (c *Controller) Connect(port, id string) bool {
	ok, events := c.connect(port, id)
	c.emit(events...)
	return ok
}

func (c *Controller) connect(port, id string) (bool, []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == "" {
		id = c.nextID()
	}

	var events []Event
	if prev, exists := c.devices[id]; exists {
		err := prev.binding.Device().Disconnect()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"device": id,
				"port":   prev.port,
			}).Errorf("failed to disconnect replaced device: %v", err)
		}
		delete(c.devices, id)
		events = append(events, Event{Kind: EventDisconnect, DeviceID: id, Port: prev.port, OK: err == nil})
	}

	dev := c.opts.NewDevice(port)
	if !dev.Connect() {
		logrus.WithFields(logrus.Fields{
			"device": id,
			"port":   port,
		}).Error("failed to connect attenuator")
		return false, append(events, Event{Kind: EventConnect, DeviceID: id, Port: port})
	}

	serial := c.serialFor(port)
	source := c.resolveSource(port, serial)
	table := calibration.New(source)

	c.devices[id] = &device{
		binding: compensation.New(id, dev, table, c.frequency),
		table:   table,
		port:    port,
		serial:  serial,
	}

	logrus.WithFields(logrus.Fields{
		"device": id,
		"port":   port,
		"serial": serial,
		"source": source,
	}).Info("attenuator registered")

	return true, append(events, Event{Kind: EventConnect, DeviceID: id, Port: port, OK: true})
}

// nextID must be called with c.mu held.
func (c *Controller) nextID() string {
	for n := len(c.devices) + 1; ; n++ {
		id := fmt.Sprintf("att_%d", n)
		if _, taken := c.devices[id]; !taken {
			return id
		}
	}
}

// serialFor must be called with c.mu held.
func (c *Controller) serialFor(port string) string {
	for _, p := range c.scanned {
		if p.Name == port {
			return p.SerialNumber
		}
	}

	ports, err := c.opts.Scanner.Ports()
	if err != nil {
		logrus.WithField("port", port).Warnf("failed to query serial number: %v", err)
		return unknownSerial
	}
	for _, p := range ports {
		if p.Name == port && p.SerialNumber != "" {
			return p.SerialNumber
		}
	}
	return unknownSerial
}

// resolveSource picks the calibration file for a device: the persisted
// serial mapping, then the port-position convention, then the default.
// The first two are used only if the file exists.
func (c *Controller) resolveSource(port, serial string) string {
	if serial != "" && serial != unknownSerial {
		if name, ok := c.mapping.Get(serial); ok {
			path := c.sourcePath(name)
			if fileExists(path) {
				logrus.WithFields(logrus.Fields{"serial": serial, "source": path}).Debug("using serial mapping")
				return path
			}
			logrus.WithFields(logrus.Fields{"serial": serial, "source": path}).Warn("mapped calibration file not found, falling back to port convention")
		}
	}

	if name := PortSource(port); name != "" {
		path := c.sourcePath(name)
		if fileExists(path) {
			return path
		}
		logrus.WithFields(logrus.Fields{"port": port, "source": path}).Warn("calibration file for port not found, using default")
	} else {
		logrus.WithField("port", port).Warn("unrecognized port name, using default calibration")
	}

	return c.sourcePath(c.opts.DefaultSource)
}

// sourcePath resolves bare file names against the calibration directory.
func (c *Controller) sourcePath(name string) string {
	if name == "" || filepath.IsAbs(name) || filepath.Base(name) != name {
		return name
	}
	return filepath.Join(c.opts.CalibrationDir, name)
}

// PortSource returns the calibration file name implied by a port name:
// ACMn uses n+1.json and COMn uses n.json. Other names yield "".
func PortSource(port string) string {
	if m := acmPattern.FindStringSubmatch(port); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return fmt.Sprintf("%d.json", n+1)
		}
	}
	if m := comPattern.FindStringSubmatch(port); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return fmt.Sprintf("%d.json", n)
		}
	}
	return ""
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DisconnectAll disconnects every device, continuing past failures, then
// clears the registry. The returned error joins every failure.
func (c *Controller) DisconnectAll() error {
	c.mu.Lock()
	var (
		errs   []error
		events []Event
	)
	for _, id := range c.sortedIDs() {
		d := c.devices[id]
		err := d.binding.Device().Disconnect()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"device": id,
				"port":   d.port,
			}).Errorf("failed to disconnect attenuator: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		} else {
			logrus.WithField("device", id).Info("attenuator disconnected")
		}
		events = append(events, Event{Kind: EventDisconnect, DeviceID: id, Port: d.port, OK: err == nil})
	}
	c.devices = make(map[string]*device)
	c.mu.Unlock()

	c.emit(events...)
	return errors.Join(errs...)
}

// sortedIDs must be called with c.mu held.
func (c *Controller) sortedIDs() []string {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fanOut runs fn for every device concurrently. A panicking device is
// recovered and reported through onPanic.
func (c *Controller) fanOut(fn func(id string, b *compensation.Binding), onPanic func(id string)) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var wg sync.WaitGroup
	for id, d := range c.devices {
		wg.Add(1)
		go func(id string, b *compensation.Binding) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("device", id).Errorf("panic while talking to attenuator: %v", r)
					onPanic(id)
				}
			}()
			fn(id, b)
		}(id, d.binding)
	}
	wg.Wait()
}

// SetAll sets display on every device. Each device succeeds or fails on its
// own.
func (c *Controller) SetAll(display float64) map[string]bool {
	var mu sync.Mutex
	results := make(map[string]bool)

	logrus.WithFields(logrus.Fields{
		"value":     display,
		"frequency": c.Frequency(),
	}).Info("setting attenuation on all devices")

	c.fanOut(func(id string, b *compensation.Binding) {
		ok := b.SetDisplayAttenuation(display)
		if !ok {
			logrus.WithField("device", id).Error("failed to set attenuation")
		}
		mu.Lock()
		results[id] = ok
		mu.Unlock()
	}, func(id string) {
		mu.Lock()
		results[id] = false
		mu.Unlock()
	})

	if len(results) == 0 {
		logrus.Warn("no attenuators connected")
	}

	events := make([]Event, 0, len(results))
	for _, id := range sortedKeys(results) {
		events = append(events, Event{Kind: EventSet, DeviceID: id, Value: display, OK: results[id]})
	}
	c.emit(events...)
	return results
}

// GetAll reads every device. A device that does not answer maps to nil.
func (c *Controller) GetAll() map[string]*float64 {
	var mu sync.Mutex
	results := make(map[string]*float64)

	c.fanOut(func(id string, b *compensation.Binding) {
		var out *float64
		if v, ok := b.GetDisplayAttenuation(); ok {
			out = &v
		}
		mu.Lock()
		results[id] = out
		mu.Unlock()
	}, func(id string) {
		mu.Lock()
		results[id] = nil
		mu.Unlock()
	})

	return results
}

func (c *Controller) binding(id string) (*compensation.Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	if !ok {
		return nil, false
	}
	return d.binding, true
}

// Has reports whether id is registered.
func (c *Controller) Has(id string) bool {
	_, ok := c.binding(id)
	return ok
}

// Set sets display on one device. It returns ErrUnknownDevice,
// ErrOutOfRange or ErrDeviceFailed.
func (c *Controller) Set(id string, display float64) error {
	b, ok := c.binding(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	if !b.InRange(display) {
		return fmt.Errorf("%w: %.2f dB not in [%.2f, %.2f]", ErrOutOfRange, display, b.MinAttenuation(), calibration.MaxAttenuation)
	}

	ok = b.SetDisplayAttenuation(display)
	c.emit(Event{Kind: EventSet, DeviceID: id, Port: b.Device().Port(), Value: display, OK: ok})
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceFailed, id)
	}
	return nil
}

// SetByID is Set reporting only success. Failures are logged.
func (c *Controller) SetByID(id string, display float64) bool {
	if err := c.Set(id, display); err != nil {
		logrus.WithField("device", id).Errorf("failed to set attenuation: %v", err)
		return false
	}
	return true
}

// GetByID reads one device. It reports false for unknown ids and devices
// that do not answer.
func (c *Controller) GetByID(id string) (float64, bool) {
	b, ok := c.binding(id)
	if !ok {
		logrus.WithField("device", id).Error("unknown device")
		return 0, false
	}

	v, ok := b.GetDisplayAttenuation()
	if !ok {
		logrus.WithField("device", id).Error("no response from attenuator")
		return 0, false
	}
	return v, true
}

// SetFrequencyAll stores frequency (MHz) as the operating frequency of the
// controller and of every device.
func (c *Controller) SetFrequencyAll(frequency float64) {
	c.mu.Lock()
	c.frequency = frequency
	for id, d := range c.devices {
		d.binding.SetFrequency(frequency)
		logrus.WithFields(logrus.Fields{
			"device":    id,
			"frequency": frequency,
		}).Debug("device frequency updated")
	}
	c.mu.Unlock()

	logrus.Infof("operating frequency set to %v MHz", frequency)
	c.emit(Event{Kind: EventFrequency, Value: frequency, OK: true})
}

// Frequency returns the operating frequency (MHz).
func (c *Controller) Frequency() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frequency
}

// FleetMinAttenuation is the largest per-device minimum attenuation at each
// device's operating frequency, so that one display value is reachable on
// every device. It is 0 with no devices.
func (c *Controller) FleetMinAttenuation() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := 0.0
	for _, d := range c.devices {
		out = math.Max(out, d.binding.MinAttenuation())
	}
	return out
}

// FleetMinAttenuationAt is FleetMinAttenuation evaluated at frequency.
func (c *Controller) FleetMinAttenuationAt(frequency float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := 0.0
	for _, d := range c.devices {
		out = math.Max(out, d.binding.MinAttenuationAt(frequency))
	}
	return out
}

// PersistSerialMapping maps serial to a calibration source and rewrites the
// mapping file.
func (c *Controller) PersistSerialMapping(serial, source string) error {
	if err := c.mapping.Put(serial, source); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"serial": serial,
		"source": source,
	}).Info("serial mapping saved")
	return nil
}

// SerialMapping returns the persisted serial to source mapping.
func (c *Controller) SerialMapping() map[string]string {
	return c.mapping.All()
}

// DeviceIDs returns the registered ids in order.
func (c *Controller) DeviceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedIDs()
}

// DeviceStatus is the state of one device without talking to it.
type DeviceStatus struct {
	DeviceID           string  `json:"device_id"`
	Port               string  `json:"port"`
	Connected          bool    `json:"connected"`
	CurrentAttenuation float64 `json:"current_attenuation"`
}

// Status reports every device. The attenuation is derived from the last
// value written.
func (c *Controller) Status() []DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(c.devices))
	for _, id := range c.sortedIDs() {
		d := c.devices[id]
		out = append(out, DeviceStatus{
			DeviceID:           id,
			Port:               d.port,
			Connected:          d.binding.Device().IsConnected(),
			CurrentAttenuation: d.binding.CurrentDisplay(),
		})
	}
	return out
}

// CompensationInfo describes the calibration state of one device.
type CompensationInfo struct {
	DeviceID         string           `json:"device_id"`
	Port             string           `json:"port"`
	SerialNumber     string           `json:"serial_number"`
	CompensationFile string           `json:"compensation_file"`
	Frequency        float64          `json:"current_frequency"`
	MinAttenuation   float64          `json:"min_attenuation"`
	InsertionLoss    float64          `json:"insertion_loss"`
	Calibration      calibration.Info `json:"calibration"`
}

// CompensationInfo reports the calibration state of id.
func (c *Controller) CompensationInfo(id string) (CompensationInfo, bool) {
	c.mu.RLock()
	d, ok := c.devices[id]
	c.mu.RUnlock()
	if !ok {
		return CompensationInfo{}, false
	}

	freq := d.binding.Frequency()
	return CompensationInfo{
		DeviceID:         id,
		Port:             d.port,
		SerialNumber:     d.serial,
		CompensationFile: d.table.Path(),
		Frequency:        freq,
		MinAttenuation:   d.binding.MinAttenuation(),
		InsertionLoss:    d.binding.InsertionLoss(freq),
		Calibration:      d.table.Info(),
	}, true
}

// DeviceSerial is the identity binding of one device.
type DeviceSerial struct {
	Port             string `json:"port"`
	SerialNumber     string `json:"serial_number"`
	CompensationFile string `json:"compensation_file"`
	IsSerialMapped   bool   `json:"is_serial_mapped"`
}

// DeviceSerials reports the identity binding of every device.
func (c *Controller) DeviceSerials() map[string]DeviceSerial {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]DeviceSerial, len(c.devices))
	for id, d := range c.devices {
		_, mapped := c.mapping.Get(d.serial)
		out[id] = DeviceSerial{
			Port:             d.port,
			SerialNumber:     d.serial,
			CompensationFile: d.table.Path(),
			IsSerialMapped:   mapped,
		}
	}
	return out
}

// InsertionLoss returns the loss (dB) at frequency for id, or for the first
// device when id is empty or unknown. A non-positive frequency selects the
// operating frequency. With no devices the loss is 0.
func (c *Controller) InsertionLoss(frequency float64, id string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if frequency <= 0 {
		frequency = c.frequency
	}
	if d, ok := c.devices[id]; ok {
		return d.binding.InsertionLoss(frequency)
	}
	ids := c.sortedIDs()
	if len(ids) == 0 {
		return 0
	}
	return c.devices[ids[0]].binding.InsertionLoss(frequency)
}

// ReloadCalibrations forces every table to re-read its source. Failures are
// logged; the affected tables fall back to the default curve.
func (c *Controller) ReloadCalibrations() {
	c.mu.RLock()
	var events []Event
	for _, id := range c.sortedIDs() {
		d := c.devices[id]
		err := d.table.Reload()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"device": id,
				"source": d.table.Path(),
			}).Warnf("calibration reload fell back to default: %v", err)
		} else {
			logrus.WithField("device", id).Info("calibration reloaded")
		}
		events = append(events, Event{Kind: EventReload, DeviceID: id, Port: d.port, OK: err == nil})
	}
	c.mu.RUnlock()

	c.emit(events...)
}

// reloadSource reloads the tables backed by path. A path that no longer
// exists (renamed away or removed) leaves the tables as they are.
func (c *Controller) reloadSource(path string) {
	if !fileExists(path) {
		logrus.WithField("source", path).Debug("calibration source gone, keeping current tables")
		return
	}

	c.mu.RLock()
	var events []Event
	for _, id := range c.sortedIDs() {
		d := c.devices[id]
		if !samePath(d.table.Path(), path) {
			continue
		}
		err := d.table.Reload()
		events = append(events, Event{Kind: EventReload, DeviceID: id, Port: d.port, OK: err == nil})
	}
	c.mu.RUnlock()

	c.emit(events...)
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
