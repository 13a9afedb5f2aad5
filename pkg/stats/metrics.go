/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/obsernetics/didban/pkg/model"
)

// Metrics exports the detection counters to Prometheus and, when a meter
// provider is configured, mirrors them to OpenTelemetry. All recording
// methods are safe on a nil receiver so callers never have to guard.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal             prometheus.Counter
	threatsTotal            *prometheus.CounterVec
	c2PatternsTotal         prometheus.Counter
	exfiltrationTotal       prometheus.Counter
	suspiciousSyscallsTotal prometheus.Counter
	packetsTotal            prometheus.Counter

	otelEventsTotal  metric.Int64Counter
	otelThreatsTotal metric.Int64Counter
}

// NewMetrics creates the metrics set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "didban_events_total",
		Help: "Total number of security events inspected",
	})
	m.threatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "didban_threats_total",
		Help: "Total number of threats detected above the confidence threshold",
	}, []string{"category"})
	m.c2PatternsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "didban_c2_patterns_total",
		Help: "Total number of command-and-control patterns detected",
	})
	m.exfiltrationTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "didban_exfiltration_attempts_total",
		Help: "Total number of suspected data exfiltration attempts",
	})
	m.suspiciousSyscallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "didban_suspicious_syscalls_total",
		Help: "Total number of suspicious syscall observations",
	})
	m.packetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "didban_packets_monitored_total",
		Help: "Total number of packets inspected",
	})

	m.registry.MustRegister(
		m.eventsTotal,
		m.threatsTotal,
		m.c2PatternsTotal,
		m.exfiltrationTotal,
		m.suspiciousSyscallsTotal,
		m.packetsTotal,
	)

	return m
}

// SetMeterProvider wires the OpenTelemetry mirror counters. Prometheus
// recording is unaffected when this is never called.
func (m *Metrics) SetMeterProvider(provider metric.MeterProvider) error {
	if m == nil || provider == nil {
		return nil
	}
	meter := provider.Meter("obsernetics.io/didban")

	var err error
	m.otelEventsTotal, err = meter.Int64Counter(
		"didban_events_total",
		metric.WithDescription("Total number of security events inspected"),
	)
	if err != nil {
		return fmt.Errorf("create events counter: %w", err)
	}

	m.otelThreatsTotal, err = meter.Int64Counter(
		"didban_threats_total",
		metric.WithDescription("Total number of threats detected above the confidence threshold"),
	)
	if err != nil {
		return fmt.Errorf("create threats counter: %w", err)
	}

	return nil
}

func (m *Metrics) RecordEvent(n uint64) {
	if m == nil {
		return
	}
	m.eventsTotal.Add(float64(n))
	if m.otelEventsTotal != nil {
		m.otelEventsTotal.Add(context.Background(), int64(n))
	}
}

func (m *Metrics) RecordThreat(category model.ThreatCategory) {
	if m == nil {
		return
	}
	m.threatsTotal.WithLabelValues(category.String()).Inc()
	if m.otelThreatsTotal != nil {
		m.otelThreatsTotal.Add(context.Background(), 1)
	}
}

func (m *Metrics) RecordC2Pattern() {
	if m == nil {
		return
	}
	m.c2PatternsTotal.Inc()
}

func (m *Metrics) RecordExfiltrationAttempt() {
	if m == nil {
		return
	}
	m.exfiltrationTotal.Inc()
}

func (m *Metrics) RecordSuspiciousSyscalls(n uint64) {
	if m == nil {
		return
	}
	m.suspiciousSyscallsTotal.Add(float64(n))
}

func (m *Metrics) RecordPacket() {
	if m == nil {
		return
	}
	m.packetsTotal.Inc()
}

// Gatherer exposes the underlying registry for scraping.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}
