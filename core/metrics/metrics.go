// Package metrics defines the sink interface the engine reports into.
// Implementations live in infra/metrics and can be combined with MultiSink.
package metrics

import "github.com/openfleet/carsim/core/model"

// Sink receives engine-level measurements.
type Sink interface {
	// RecordStats reports the aggregate session/device gauges.
	RecordStats(s model.Stats) error
	// RecordEvent counts one broadcast control-channel event by type.
	RecordEvent(kind string) error
}

// NopSink discards all measurements.
type NopSink struct{}

func (NopSink) RecordStats(model.Stats) error { return nil }
func (NopSink) RecordEvent(string) error      { return nil }

// MultiSink fans measurements out to multiple sinks.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordStats forwards the stats to all sinks, returning the first error
// encountered.
func (m *MultiSink) RecordStats(s model.Stats) error {
	for _, sink := range m.Sinks {
		if err := sink.RecordStats(s); err != nil {
			return err
		}
	}
	return nil
}

// RecordEvent forwards the event count to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordEvent(kind string) error {
	for _, sink := range m.Sinks {
		if err := sink.RecordEvent(kind); err != nil {
			return err
		}
	}
	return nil
}

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusAddr    string `json:"prometheus_addr"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}
