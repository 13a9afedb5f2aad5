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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsernetics/didban/pkg/model"
	"github.com/obsernetics/didban/pkg/stats"
)

func newTestManager(t *testing.T) (*Manager, *MockSource, *stats.Aggregator) {
	t.Helper()
	agg := stats.NewAggregator(stats.DefaultThreshold, 0, nil)
	source := NewMockSource()
	m := NewManager(source, agg, logr.Discard(), nil)
	return m, source, agg
}

func TestAttachRegistersAllProbes(t *testing.T) {
	m, source, _ := newTestManager(t)

	require.NoError(t, m.Attach())
	assert.Equal(t, len(DefaultProbes()), m.AttachedCount())
	assert.Len(t, source.AttachedSymbols(), len(DefaultProbes()))

	// Second attach is a no-op.
	require.NoError(t, m.Attach())
	assert.Equal(t, len(DefaultProbes()), m.AttachedCount())
}

func TestAttachWithoutSourceFails(t *testing.T) {
	agg := stats.NewAggregator(stats.DefaultThreshold, 0, nil)
	m := NewManager(nil, agg, logr.Discard(), nil)
	assert.Error(t, m.Attach())
}

func TestPartialAttachKeepsRemainingProbes(t *testing.T) {
	m, source, agg := newTestManager(t)
	source.FailSymbol("__x64_sys_openat")

	require.NoError(t, m.Attach())
	assert.Equal(t, len(DefaultProbes())-1, m.AttachedCount())

	// The surviving probes still observe.
	assert.True(t, source.Fire("__x64_sys_execve", 0, 10))
	assert.Equal(t, uint64(10), agg.Snapshot().EventsLogged)

	// The failed one does not.
	assert.False(t, source.Fire("__x64_sys_openat", 0, 1))
}

func TestOpenatThresholdEmitsExactlyOnce(t *testing.T) {
	m, source, agg := newTestManager(t)
	require.NoError(t, m.Attach())

	// 1000 calls: at the threshold, not over it.
	source.Fire("__x64_sys_openat", 321, 1000)
	snap := agg.Snapshot()
	assert.Equal(t, uint64(0), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(0), snap.ThreatsDetected)

	// One more crosses it: exactly one detection, counter resets.
	source.Fire("__x64_sys_openat", 321, 1)
	snap = agg.Snapshot()
	assert.Equal(t, uint64(1), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(1), snap.ThreatsDetected)
	assert.Equal(t, uint64(1001), snap.EventsLogged)

	// The window restarted; another 1000 calls stay quiet.
	source.Fire("__x64_sys_openat", 321, 1000)
	assert.Equal(t, uint64(1), agg.Snapshot().SuspiciousSyscalls)

	p := agg.Process(321)
	require.NotNil(t, p)
	assert.Equal(t, uint64(1), p.SuspiciousCallCount())
}

func TestSocketThreshold(t *testing.T) {
	m, source, agg := newTestManager(t)
	require.NoError(t, m.Attach())

	source.Fire("__x64_sys_socket", 55, 101)
	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(1), snap.ThreatsDetected)
}

func TestPtraceAlwaysFlagged(t *testing.T) {
	m, source, agg := newTestManager(t)
	sink := &captureSink{}
	m.AddSink(sink)
	require.NoError(t, m.Attach())

	source.Fire("__x64_sys_ptrace", 77, 1)
	source.Fire("__x64_sys_ptrace", 77, 1)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(2), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(2), snap.ThreatsDetected)

	require.Len(t, sink.events, 2)
	assert.Equal(t, model.CategoryBehavioral, sink.events[0].Category)
	assert.InDelta(t, 0.90, sink.events[0].Confidence, 1e-9)
	assert.Equal(t, uint32(77), sink.events[0].PID)
}

func TestCountModeNeverEmits(t *testing.T) {
	m, source, agg := newTestManager(t)
	require.NoError(t, m.Attach())

	source.Fire("__x64_sys_execve", 1, 100000)
	source.Fire("__x64_sys_write", 1, 100000)

	snap := agg.Snapshot()
	assert.Equal(t, uint64(200000), snap.EventsLogged)
	assert.Equal(t, uint64(0), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(0), snap.ThreatsDetected)
}

func TestTotalsSurviveDetach(t *testing.T) {
	m, source, _ := newTestManager(t)
	require.NoError(t, m.Attach())

	source.Fire("__x64_sys_execve", 1, 42)
	source.Fire("__x64_sys_write", 1, 7)

	m.Detach()
	assert.Equal(t, 0, m.AttachedCount())
	assert.Empty(t, source.AttachedSymbols())

	totals := m.Totals()
	assert.Equal(t, uint64(42), totals["execve"])
	assert.Equal(t, uint64(7), totals["write"])
	assert.Equal(t, uint64(0), totals["openat"])

	// Detach again: no panic, still detached.
	m.Detach()
	assert.Equal(t, 0, m.AttachedCount())
}

// drainingSource mimics a source whose detach path synchronously flushes
// outstanding call counts back into the manager, as the kprobe source's
// final drain does.
type drainingSource struct {
	pending uint64
}

func (s *drainingSource) Attach(symbol string, fn func(delta uint64, pid uint32)) (DetachFunc, error) {
	return func() error {
		if s.pending > 0 {
			fn(s.pending, 0)
		}
		return nil
	}, nil
}

func TestDetachDeliversFinalDrain(t *testing.T) {
	agg := stats.NewAggregator(stats.DefaultThreshold, 0, nil)
	source := &drainingSource{pending: 3}
	m := NewManager(source, agg, logr.Discard(), []*Probe{
		{Name: "ptrace", Symbol: "__x64_sys_ptrace", Mode: ModeAlways,
			Confidence: confPtrace, Detail: "ptrace call"},
	})
	require.NoError(t, m.Attach())

	done := make(chan struct{})
	go func() {
		m.Detach()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Detach did not return while the source flushed pending counts")
	}

	snap := agg.Snapshot()
	assert.Equal(t, uint64(3), snap.EventsLogged)
	assert.Equal(t, uint64(3), snap.SuspiciousSyscalls)
	assert.Equal(t, uint64(3), snap.ThreatsDetected)
	assert.Equal(t, uint64(3), m.Totals()["ptrace"])
	assert.Equal(t, 0, m.AttachedCount())
}

type captureSink struct {
	events []model.SecurityEvent
}

func (s *captureSink) HandleSecurityEvent(event model.SecurityEvent) {
	s.events = append(s.events, event)
}
