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
	"sync/atomic"

	"github.com/obsernetics/didban/pkg/model"
)

const (
	// DefaultThreshold is the confidence threshold (0-100) applied when no
	// explicit value is configured.
	DefaultThreshold = 70

	minThreshold = 0
	maxThreshold = 100
)

// GlobalCounters is the process-wide detection tally. Every counter is an
// atomic monotonic counter: detectors run concurrently on arbitrarily many
// goroutines and a plain increment would lose updates.
type GlobalCounters struct {
	eventsLogged          atomic.Uint64
	threatsDetected       atomic.Uint64
	c2PatternsDetected    atomic.Uint64
	exfiltrationAttempts  atomic.Uint64
	suspiciousSyscalls    atomic.Uint64
	packetsMonitored      atomic.Uint64
	suspiciousConnections atomic.Uint64
}

// Aggregator owns the global counters, the per-process monitor table, and
// the confidence threshold. It is the single mutation point for all shared
// detection state; detectors report through it and never touch counters
// directly.
type Aggregator struct {
	counters  GlobalCounters
	processes *ProcessTable
	threshold atomic.Int32
	metrics   *Metrics
}

// NewAggregator creates an aggregator with the given threshold and process
// table capacity. metrics may be nil, in which case only the in-memory
// counters are maintained.
func NewAggregator(threshold, tableCapacity int, metrics *Metrics) *Aggregator {
	a := &Aggregator{
		processes: NewProcessTable(tableCapacity),
		metrics:   metrics,
	}
	a.SetThreshold(threshold)
	return a
}

// Threshold returns the active confidence threshold (0-100).
func (a *Aggregator) Threshold() int {
	return int(a.threshold.Load())
}

// SetThreshold updates the confidence threshold, clamped to [0, 100].
func (a *Aggregator) SetThreshold(threshold int) {
	if threshold < minThreshold {
		threshold = minThreshold
	}
	if threshold > maxThreshold {
		threshold = maxThreshold
	}
	a.threshold.Store(int32(threshold))
}

// RecordEvent counts one inspected event.
func (a *Aggregator) RecordEvent() {
	a.counters.eventsLogged.Add(1)
	a.metrics.RecordEvent(1)
}

// RecordEvents counts a batch of inspected events, used by probe sources
// that report aggregated call counts.
func (a *Aggregator) RecordEvents(n uint64) {
	if n == 0 {
		return
	}
	a.counters.eventsLogged.Add(n)
	a.metrics.RecordEvent(n)
}

// HandleSecurityEvent implements model.Sink. Events whose confidence clears
// the threshold count as detected threats; sub-threshold events were already
// counted by RecordEvent and leave the threat tally untouched.
func (a *Aggregator) HandleSecurityEvent(event model.SecurityEvent) {
	if !event.Actionable(a.Threshold()) {
		return
	}
	a.counters.threatsDetected.Add(1)
	a.metrics.RecordThreat(event.Category)
}

// RecordC2Pattern counts one command-and-control pattern match.
func (a *Aggregator) RecordC2Pattern() {
	a.counters.c2PatternsDetected.Add(1)
	a.metrics.RecordC2Pattern()
}

// RecordExfiltrationAttempt counts one oversized-transfer match.
func (a *Aggregator) RecordExfiltrationAttempt() {
	a.counters.exfiltrationAttempts.Add(1)
	a.metrics.RecordExfiltrationAttempt()
}

// RecordSuspiciousSyscalls counts suspicious syscall observations.
func (a *Aggregator) RecordSuspiciousSyscalls(n uint64) {
	if n == 0 {
		return
	}
	a.counters.suspiciousSyscalls.Add(n)
	a.metrics.RecordSuspiciousSyscalls(n)
}

// RecordPacket counts one inspected packet.
func (a *Aggregator) RecordPacket() {
	a.counters.packetsMonitored.Add(1)
	a.metrics.RecordPacket()
}

// RecordSuspiciousConnection counts one suspicious connection.
func (a *Aggregator) RecordSuspiciousConnection() {
	a.counters.suspiciousConnections.Add(1)
}

// RecordExec records a process execution for pid.
func (a *Aggregator) RecordExec(pid uint32) {
	a.processes.touch(pid).execCount.Add(1)
}

// RecordFileAccess records a file access for pid.
func (a *Aggregator) RecordFileAccess(pid uint32) {
	a.processes.touch(pid).fileAccessCount.Add(1)
}

// RecordNetworkConn records a network connection attempt for pid.
func (a *Aggregator) RecordNetworkConn(pid uint32) {
	a.processes.touch(pid).networkConnCount.Add(1)
}

// RecordSuspiciousCall records a suspicious syscall attributed to pid.
func (a *Aggregator) RecordSuspiciousCall(pid uint32) {
	a.processes.touch(pid).suspiciousCallCount.Add(1)
}

// ProcessExited drops the monitor record for pid, if any.
func (a *Aggregator) ProcessExited(pid uint32) {
	a.processes.Delete(pid)
}

// Process returns the monitor record for pid, or nil when the pid has never
// been observed (or has been evicted).
func (a *Aggregator) Process(pid uint32) *ProcessMonitor {
	return a.processes.Get(pid)
}

// TrackedProcesses returns the number of live monitor records.
func (a *Aggregator) TrackedProcesses() int {
	return a.processes.Len()
}

// Snapshot returns a consistent-enough point-in-time copy of the counters.
// Individual loads are atomic; the set as a whole is not fenced, which is
// acceptable for a monitoring read path.
func (a *Aggregator) Snapshot() Snapshot {
	events := a.counters.eventsLogged.Load()
	threats := a.counters.threatsDetected.Load()

	var rate float64
	if events > 0 {
		rate = float64(threats) / float64(events) * 100
		if rate > 100 {
			rate = 100
		}
	}

	return Snapshot{
		EventsLogged:          events,
		ThreatsDetected:       threats,
		C2PatternsDetected:    a.counters.c2PatternsDetected.Load(),
		ExfiltrationAttempts:  a.counters.exfiltrationAttempts.Load(),
		SuspiciousSyscalls:    a.counters.suspiciousSyscalls.Load(),
		PacketsMonitored:      a.counters.packetsMonitored.Load(),
		SuspiciousConnections: a.counters.suspiciousConnections.Load(),
		TrackedProcesses:      a.processes.Len(),
		DetectionRate:         rate,
		Threshold:             a.Threshold(),
	}
}

var _ model.Sink = (*Aggregator)(nil)
