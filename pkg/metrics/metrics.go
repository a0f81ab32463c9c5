// Package metrics exports fleet activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/rfatt/pkg/fleet"
)

const namespace = "rfatt"

// Collector holds the fleet metrics. Feed it with Observe.
type Collector struct {
	registry *prometheus.Registry

	devicesConnected prometheus.Gauge       // Registered and connected devices
	frequency        prometheus.Gauge       // Operating frequency (MHz)
	attenuation      *prometheus.GaugeVec   // Last display attenuation set per device (dB)
	setsTotal        *prometheus.CounterVec // Set operations by device and result
	connectsTotal    *prometheus.CounterVec // Connect attempts by result
	disconnectsTotal *prometheus.CounterVec // Disconnects by result
	reloadsTotal     *prometheus.CounterVec // Calibration reloads by device and result

	mu        sync.Mutex
	connected map[string]struct{}
}

// New creates a collector with its own registry, including the Go runtime
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		devicesConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Number of connected attenuators",
		}),
		frequency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frequency_mhz",
			Help:      "Operating frequency in MHz",
		}),
		attenuation: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attenuation_db",
			Help:      "Last display attenuation successfully set, in dB",
		}, []string{"device"}),
		setsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "set_operations_total",
			Help:      "Attenuation set operations",
		}, []string{"device", "result"}),
		connectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Attenuator connect attempts",
		}, []string{"result"}),
		disconnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Attenuator disconnects",
		}, []string{"result"}),
		reloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calibration_reloads_total",
			Help:      "Calibration table reloads",
		}, []string{"device", "result"}),
		connected: make(map[string]struct{}),
	}
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetFrequency records the operating frequency.
func (c *Collector) SetFrequency(mhz float64) {
	c.frequency.Set(mhz)
}

// Observe updates the metrics from a fleet event.
func (c *Collector) Observe(ev fleet.Event) {
	if c == nil {
		return
	}

	switch ev.Kind {
	case fleet.EventConnect:
		c.connectsTotal.WithLabelValues(result(ev.OK)).Inc()
		if ev.OK {
			c.mu.Lock()
			c.connected[ev.DeviceID] = struct{}{}
			c.devicesConnected.Set(float64(len(c.connected)))
			c.mu.Unlock()
		}
	case fleet.EventDisconnect:
		c.disconnectsTotal.WithLabelValues(result(ev.OK)).Inc()
		c.mu.Lock()
		delete(c.connected, ev.DeviceID)
		c.devicesConnected.Set(float64(len(c.connected)))
		c.mu.Unlock()
		c.attenuation.DeleteLabelValues(ev.DeviceID)
	case fleet.EventSet:
		c.setsTotal.WithLabelValues(ev.DeviceID, result(ev.OK)).Inc()
		if ev.OK {
			c.attenuation.WithLabelValues(ev.DeviceID).Set(ev.Value)
		}
	case fleet.EventFrequency:
		c.frequency.Set(ev.Value)
	case fleet.EventReload:
		c.reloadsTotal.WithLabelValues(ev.DeviceID, result(ev.OK)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
