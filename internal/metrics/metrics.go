// Package metrics exposes the bridge's Prometheus instrumentation: device
// count, subscriber count, per-device SOAP error counts, and poll latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the bridge registers. It is constructed
// against an explicit prometheus.Registerer rather than the package-level
// default, so tests (and any future multi-instance embedding) can use their
// own registry without collector-already-registered panics.
type Metrics struct {
	Devices         prometheus.Gauge
	Subscribers     *prometheus.GaugeVec
	DeviceErrors    *prometheus.CounterVec
	PollLatency     *prometheus.HistogramVec
	AutoNextTotal   *prometheus.CounterVec
	DiscoveryEvents *prometheus.CounterVec
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexdlnabridge",
			Name:      "devices",
			Help:      "Number of DLNA renderers currently bridged.",
		}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plexdlnabridge",
			Name:      "subscribers",
			Help:      "Number of Plex controllers subscribed to a device's timeline.",
		}, []string{"device_uuid"}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexdlnabridge",
			Name:      "device_errors_total",
			Help:      "SOAP/transport failures observed for a device.",
		}, []string{"device_uuid"}),
		PollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plexdlnabridge",
			Name:      "poll_duration_seconds",
			Help:      "Time taken to complete one state-engine poll pass.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"device_uuid"}),
		AutoNextTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexdlnabridge",
			Name:      "auto_next_total",
			Help:      "Number of times auto-advance moved a device's play queue to the next track.",
		}, []string{"device_uuid"}),
		DiscoveryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexdlnabridge",
			Name:      "discovery_events_total",
			Help:      "SSDP/GDM discovery events, labeled by kind (new_device, removed).",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.Devices, m.Subscribers, m.DeviceErrors, m.PollLatency, m.AutoNextTotal, m.DiscoveryEvents)
	return m
}

// ObservePoll records how long a single poll pass for uuid took.
func (m *Metrics) ObservePoll(uuid string, d time.Duration) {
	m.PollLatency.WithLabelValues(uuid).Observe(d.Seconds())
}

// DeviceRemoved clears the per-device series for uuid so a removed device
// doesn't linger in the output forever.
func (m *Metrics) DeviceRemoved(uuid string) {
	m.Subscribers.DeleteLabelValues(uuid)
	m.DeviceErrors.DeleteLabelValues(uuid)
	m.PollLatency.DeleteLabelValues(uuid)
	m.AutoNextTotal.DeleteLabelValues(uuid)
}
