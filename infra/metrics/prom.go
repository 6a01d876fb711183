// Package metrics implements the engine metrics sinks on Prometheus and
// InfluxDB.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/openfleet/carsim/core/metrics"
	"github.com/openfleet/carsim/core/model"
)

// PromSink exposes engine gauges and event counters as Prometheus metrics.
type PromSink struct {
	simulations prometheus.Gauge
	devices     prometheus.Gauge
	connected   prometheus.Gauge
	events      *prometheus.CounterVec
}

// NewPromSink registers the engine collectors on the provided registerer.
// If reg is nil, the default registerer is used. Already registered
// collectors are reused.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	simulations := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carsim_simulations",
		Help: "Number of live simulation sessions",
	})
	devices := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carsim_devices",
		Help: "Number of simulated devices across all sessions",
	})
	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carsim_devices_connected",
		Help: "Number of devices currently connected to the broker",
	})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "carsim_events_total",
		Help: "Total control-channel events broadcast, by type",
	}, []string{"type"})

	s := &PromSink{simulations: simulations, devices: devices, connected: connected, events: events}
	for _, c := range []prometheus.Collector{simulations, devices, connected} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	if err := reg.Register(events); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.events = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	return s, nil
}

// RecordStats updates the session/device gauges.
func (s *PromSink) RecordStats(st model.Stats) error {
	s.simulations.Set(float64(st.Simulations))
	s.devices.Set(float64(st.Devices))
	s.connected.Set(float64(st.ConnectedDevices))
	return nil
}

// RecordEvent increments the event counter for the type.
func (s *PromSink) RecordEvent(kind string) error {
	s.events.WithLabelValues(kind).Inc()
	return nil
}

var _ coremetrics.Sink = (*PromSink)(nil)
