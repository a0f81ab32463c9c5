// Package compensation pairs an attenuator with its calibration so callers can
// work in display values while the device receives compensated settings.
package compensation

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/itohio/rfatt/pkg/attenuator"
	"github.com/itohio/rfatt/pkg/calibration"
)

// Calibrator converts between display and actual attenuation at a frequency.
type Calibrator interface {
	LookupLoss(frequency float64) float64
	MinAttenuationAt(frequency float64) float64
	DisplayToActual(display, frequency float64) float64
	ActualToDisplay(actual, frequency float64) float64
}

var _ Calibrator = (*calibration.Table)(nil)

// Binding is one attenuator with its calibration and operating frequency.
type Binding struct {
	id     string
	device attenuator.Device
	cal    Calibrator

	mu        sync.RWMutex
	frequency float64
}

// New creates a binding operating at frequency (MHz).
func New(id string, device attenuator.Device, cal Calibrator, frequency float64) *Binding {
	return &Binding{
		id:        id,
		device:    device,
		cal:       cal,
		frequency: frequency,
	}
}

// ID returns the logical device id.
func (b *Binding) ID() string {
	return b.id
}

// Device returns the bound attenuator.
func (b *Binding) Device() attenuator.Device {
	return b.device
}

// Calibration returns the bound calibration.
func (b *Binding) Calibration() Calibrator {
	return b.cal
}

// SetFrequency stores the operating frequency. The value is not validated.
func (b *Binding) SetFrequency(frequency float64) {
	b.mu.Lock()
	b.frequency = frequency
	b.mu.Unlock()
}

// Frequency returns the operating frequency (MHz).
func (b *Binding) Frequency() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frequency
}

// SetDisplayAttenuation compensates display and writes it to the device.
func (b *Binding) SetDisplayAttenuation(display float64) bool {
	freq := b.Frequency()
	actual := b.cal.DisplayToActual(display, freq)

	logrus.WithFields(logrus.Fields{
		"device":    b.id,
		"port":      b.device.Port(),
		"display":   display,
		"actual":    actual,
		"frequency": freq,
	}).Debug("setting attenuation")

	return b.device.SetRawAttenuation(actual)
}

// GetDisplayAttenuation reads the device and converts the setting back to a
// display value.
func (b *Binding) GetDisplayAttenuation() (float64, bool) {
	actual, ok := b.device.ReadRawAttenuation()
	if !ok {
		return 0, false
	}
	return b.cal.ActualToDisplay(actual, b.Frequency()), true
}

// CurrentDisplay converts the last value written to the device without
// talking to it.
func (b *Binding) CurrentDisplay() float64 {
	return b.cal.ActualToDisplay(b.device.LastRawAttenuation(), b.Frequency())
}

// MinAttenuation is the smallest display value at the operating frequency.
func (b *Binding) MinAttenuation() float64 {
	return b.cal.MinAttenuationAt(b.Frequency())
}

// MinAttenuationAt is the smallest display value at frequency.
func (b *Binding) MinAttenuationAt(frequency float64) float64 {
	return b.cal.MinAttenuationAt(frequency)
}

// InsertionLoss returns the loss (dB) at frequency.
func (b *Binding) InsertionLoss(frequency float64) float64 {
	return b.cal.LookupLoss(frequency)
}

// InRange reports whether display lies in [MinAttenuation, MaxAttenuation].
func (b *Binding) InRange(display float64) bool {
	if math.IsNaN(display) {
		return false
	}
	return display >= b.MinAttenuation() && display <= calibration.MaxAttenuation
}
