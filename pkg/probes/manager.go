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

package probes

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/obsernetics/didban/pkg/model"
	"github.com/obsernetics/didban/pkg/stats"
)

// Mode selects how a probe's call counter is interpreted.
type Mode uint8

const (
	// ModeCount keeps a running total with no detection rule.
	ModeCount Mode = iota
	// ModeThreshold emits one suspicious-pattern event when the counter
	// crosses the threshold, then resets it.
	ModeThreshold
	// ModeAlways flags every single call. Used for ptrace, which has no
	// legitimate high-frequency case to exempt.
	ModeAlways
)

// Probe is one syscall instrumentation point.
type Probe struct {
	Name       string
	Symbol     string
	Mode       Mode
	Threshold  uint64
	Confidence float64
	Detail     string

	attached bool
	detach   DetachFunc
	count    atomic.Uint64
	total    atomic.Uint64
}

// Total returns the lifetime call count observed for this probe.
func (p *Probe) Total() uint64 { return p.total.Load() }

// Attached reports whether the probe's instrumentation is live.
func (p *Probe) Attached() bool { return p.attached }

// DetachFunc tears down one attached probe.
type DetachFunc func() error

// Source attaches instrumentation to a syscall symbol and reports observed
// call counts to fn. A pid of zero means the source cannot attribute calls
// to a process.
type Source interface {
	Attach(symbol string, fn func(delta uint64, pid uint32)) (DetachFunc, error)
}

// Per-probe confidence scores.
const (
	confExcessiveOpens = 0.75
	confSocketFlood    = 0.72
	confPtrace         = 0.90
)

// DefaultProbes returns the fixed syscall probe set: execve, openat, write,
// socket, and ptrace.
func DefaultProbes() []*Probe {
	return []*Probe{
		{Name: "execve", Symbol: "__x64_sys_execve", Mode: ModeCount},
		{Name: "openat", Symbol: "__x64_sys_openat", Mode: ModeThreshold, Threshold: 1000,
			Confidence: confExcessiveOpens, Detail: "excessive file open calls"},
		{Name: "write", Symbol: "__x64_sys_write", Mode: ModeCount},
		{Name: "socket", Symbol: "__x64_sys_socket", Mode: ModeThreshold, Threshold: 100,
			Confidence: confSocketFlood, Detail: "suspicious socket creation pattern"},
		{Name: "ptrace", Symbol: "__x64_sys_ptrace", Mode: ModeAlways,
			Confidence: confPtrace, Detail: "ptrace call"},
	}
}

// Manager owns the probe set and the frequency-based detection rules.
type Manager struct {
	source Source
	stats  *stats.Aggregator
	logger logr.Logger
	probes []*Probe

	mu       sync.RWMutex
	sinks    []model.Sink
	attached bool
}

// NewManager creates a probe manager over source. A nil probe slice selects
// DefaultProbes.
func NewManager(source Source, agg *stats.Aggregator, logger logr.Logger, probes []*Probe) *Manager {
	if probes == nil {
		probes = DefaultProbes()
	}
	return &Manager{
		source: source,
		stats:  agg,
		logger: logger.WithName("probes"),
		probes: probes,
	}
}

// AddSink registers an additional event sink.
func (m *Manager) AddSink(sink model.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Attach registers every probe. A symbol that fails to attach (unresolvable
// on the running kernel) is logged and skipped; partial coverage keeps the
// monitor running. An error is returned only when no source is configured.
func (m *Manager) Attach() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return fmt.Errorf("no probe source configured")
	}
	if m.attached {
		return nil
	}

	registered := 0
	for _, p := range m.probes {
		probe := p
		detach, err := m.source.Attach(p.Symbol, func(delta uint64, pid uint32) {
			m.observe(probe, delta, pid)
		})
		if err != nil {
			m.logger.Info("probe registration failed, continuing without it",
				"probe", p.Name, "symbol", p.Symbol, "error", err.Error())
			continue
		}
		p.attached = true
		p.detach = detach
		registered++
		m.logger.V(1).Info("probe registered", "probe", p.Name, "symbol", p.Symbol)
	}

	m.attached = true
	m.logger.Info("syscall probes attached", "registered", registered, "total", len(m.probes))
	return nil
}

// Detach unregisters every attached probe. Safe to call repeatedly and
// after partial attachment. The detach funcs run outside the manager
// lock: a source's final drain delivers counts back into observe, which
// needs the lock to read sinks.
func (m *Manager) Detach() {
	m.mu.Lock()
	var names []string
	var funcs []DetachFunc
	for _, p := range m.probes {
		if !p.attached {
			continue
		}
		names = append(names, p.Name)
		funcs = append(funcs, p.detach)
		p.attached = false
		p.detach = nil
	}
	m.attached = false
	m.mu.Unlock()

	for i, detach := range funcs {
		if err := detach(); err != nil {
			m.logger.Info("probe detach failed", "probe", names[i], "error", err.Error())
		}
	}
}

// observe applies the probe's detection rule to a batch of observed calls.
// Runs on whatever goroutine the source delivers from.
func (m *Manager) observe(p *Probe, delta uint64, pid uint32) {
	if delta == 0 {
		return
	}
	m.stats.RecordEvents(delta)
	p.total.Add(delta)

	switch p.Mode {
	case ModeThreshold:
		count := p.count.Add(delta)
		if count > p.Threshold {
			// CAS so that concurrent deliveries crossing the threshold
			// together produce exactly one event.
			if p.count.CompareAndSwap(count, 0) {
				m.stats.RecordSuspiciousSyscalls(1)
				if pid != 0 {
					m.stats.RecordSuspiciousCall(pid)
				}
				m.emit(model.NewSecurityEvent(pid, 0, model.CategoryBehavioral,
					p.Confidence, fmt.Sprintf("%s (%s)", p.Detail, p.Name)))
			}
		}
	case ModeAlways:
		m.stats.RecordSuspiciousSyscalls(delta)
		if pid != 0 {
			m.stats.RecordSuspiciousCall(pid)
		}
		m.emit(model.NewSecurityEvent(pid, 0, model.CategoryBehavioral,
			p.Confidence, fmt.Sprintf("%s (%s)", p.Detail, p.Name)))
	}
}

func (m *Manager) emit(event model.SecurityEvent) {
	m.stats.HandleSecurityEvent(event)

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, sink := range sinks {
		sink.HandleSecurityEvent(event)
	}

	m.logger.Info("suspicious syscall pattern",
		"pid", event.PID, "confidence", event.Confidence, "detail", event.Description)
}

// Totals returns the lifetime call count per probe name, for the unload
// summary.
func (m *Manager) Totals() map[string]uint64 {
	totals := make(map[string]uint64, len(m.probes))
	for _, p := range m.probes {
		totals[p.Name] = p.Total()
	}
	return totals
}

// AttachedCount returns how many probes are currently live.
func (m *Manager) AttachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.probes {
		if p.attached {
			n++
		}
	}
	return n
}
