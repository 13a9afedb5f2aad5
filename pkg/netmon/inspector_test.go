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

package netmon

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsernetics/didban/pkg/model"
	"github.com/obsernetics/didban/pkg/stats"
)

func newTestInspector(t *testing.T) (*Inspector, *stats.Aggregator) {
	t.Helper()
	agg := stats.NewAggregator(stats.DefaultThreshold, 0, nil)
	return NewInspector(agg, logr.Discard()), agg
}

func TestMaliciousPortDetection(t *testing.T) {
	i, agg := newTestInspector(t)
	sink := &captureSink{}
	i.AddSink(sink)

	i.Inspect(Outbound, &Packet{SrcPort: 40000, DstPort: 4444, PayloadLen: 100})

	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.C2PatternsDetected)
	assert.Equal(t, uint64(1), snap.SuspiciousConnections)
	assert.Equal(t, uint64(1), snap.PacketsMonitored)
	assert.Equal(t, uint64(1), snap.ThreatsDetected)

	require.Len(t, sink.events, 1)
	assert.Equal(t, model.CategoryNetworkAnomaly, sink.events[0].Category)
	assert.InDelta(t, 0.90, sink.events[0].Confidence, 1e-9)
}

func TestMaliciousSourcePortAlsoMatches(t *testing.T) {
	i, agg := newTestInspector(t)
	i.Inspect(Inbound, &Packet{SrcPort: 31337, DstPort: 8080, PayloadLen: 10})
	assert.Equal(t, uint64(1), agg.Snapshot().C2PatternsDetected)
}

func TestBenignPacket(t *testing.T) {
	i, agg := newTestInspector(t)

	i.Inspect(Outbound, &Packet{SrcPort: 40000, DstPort: 443, PayloadLen: 1000})

	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.PacketsMonitored)
	assert.Equal(t, uint64(1), snap.EventsLogged)
	assert.Equal(t, uint64(0), snap.C2PatternsDetected)
	assert.Equal(t, uint64(0), snap.ExfiltrationAttempts)
	assert.Equal(t, uint64(0), snap.ThreatsDetected)
}

func TestPortAsymmetry(t *testing.T) {
	tests := []struct {
		name    string
		sport   uint16
		dport   uint16
		matched bool
	}{
		{"ephemeral to privileged", 50000, 22, true},
		{"ephemeral to unprivileged", 50000, 8080, false},
		{"low source to privileged", 40000, 22, false},
		{"boundary source port not ephemeral", 49152, 22, false},
		{"boundary dest port not privileged", 50000, 1024, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, agg := newTestInspector(t)
			i.Inspect(Outbound, &Packet{SrcPort: tt.sport, DstPort: tt.dport, PayloadLen: 10})
			want := uint64(0)
			if tt.matched {
				want = 1
			}
			assert.Equal(t, want, agg.Snapshot().C2PatternsDetected)
		})
	}
}

func TestOversizedSegment(t *testing.T) {
	i, agg := newTestInspector(t)

	i.Inspect(Outbound, &Packet{SrcPort: 40000, DstPort: 443, PayloadLen: 70000})
	i.Inspect(Outbound, &Packet{SrcPort: 40000, DstPort: 443, PayloadLen: 65000})

	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.ExfiltrationAttempts)
	assert.Equal(t, uint64(1), snap.ThreatsDetected)
	assert.Equal(t, uint64(2), snap.PacketsMonitored)
}

func TestCombinedRulesEmitOneEventWithHighestConfidence(t *testing.T) {
	i, agg := newTestInspector(t)
	sink := &captureSink{}
	i.AddSink(sink)

	// Malicious port and oversized payload on the same packet.
	i.Inspect(Outbound, &Packet{SrcPort: 40000, DstPort: 4444, PayloadLen: 70000})

	snap := agg.Snapshot()
	assert.Equal(t, uint64(1), snap.C2PatternsDetected)
	assert.Equal(t, uint64(1), snap.ExfiltrationAttempts)
	assert.Equal(t, uint64(1), snap.ThreatsDetected)

	require.Len(t, sink.events, 1)
	assert.InDelta(t, 0.90, sink.events[0].Confidence, 1e-9)
}

func TestNilPacketIgnored(t *testing.T) {
	i, agg := newTestInspector(t)
	i.Inspect(Inbound, nil)
	assert.Equal(t, uint64(0), agg.Snapshot().PacketsMonitored)
}

type captureSink struct {
	events []model.SecurityEvent
}

func (s *captureSink) HandleSecurityEvent(event model.SecurityEvent) {
	s.events = append(s.events, event)
}
