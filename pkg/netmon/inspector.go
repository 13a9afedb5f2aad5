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
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/obsernetics/didban/pkg/model"
	"github.com/obsernetics/didban/pkg/stats"
)

// Direction marks which choke point observed the packet.
type Direction uint8

const (
	// Inbound packets are seen immediately before local delivery.
	Inbound Direction = iota
	// Outbound packets are seen immediately after the routing decision.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Packet is the parsed IPv4/TCP header view the inspector classifies.
// Addresses are in host byte order. PayloadLen is a size hint and may
// exceed the IPv4 total-length field when segments were aggregated before
// capture.
type Packet struct {
	SrcAddr    uint32
	DstAddr    uint32
	SrcPort    uint16
	DstPort    uint16
	PayloadLen int
}

// Detection rule parameters.
const (
	// ephemeralPortMin: source ports above this are ephemeral-range.
	ephemeralPortMin = 49152
	// privilegedPortMax: destination ports below this are privileged.
	privilegedPortMax = 1024
	// exfilSizeThreshold: segments larger than this count as bulk-transfer
	// suspects.
	exfilSizeThreshold = 65000
)

// Rule confidence scores.
const (
	confKnownBadPort  = 0.90
	confPortAsymmetry = 0.75
	confOversized     = 0.70
)

// defaultMaliciousPorts lists well-known backdoor and C2 ports. Populated
// once at init; read-only afterwards.
var defaultMaliciousPorts = []uint16{
	4444, 5555, 6666, 7777, 8888, 9999,
	31337, 31338,
	12345, 54321,
}

// Inspector classifies every observed IPv4/TCP packet. It is purely
// observational: no verdict is produced and no packet is ever dropped.
type Inspector struct {
	stats          *stats.Aggregator
	logger         logr.Logger
	maliciousPorts map[uint16]struct{}

	mu    sync.RWMutex
	sinks []model.Sink
}

// NewInspector creates an inspector over the default malicious-port set.
func NewInspector(agg *stats.Aggregator, logger logr.Logger) *Inspector {
	ports := make(map[uint16]struct{}, len(defaultMaliciousPorts))
	for _, p := range defaultMaliciousPorts {
		ports[p] = struct{}{}
	}
	return &Inspector{
		stats:          agg,
		logger:         logger.WithName("netmon"),
		maliciousPorts: ports,
	}
}

// AddSink registers an additional event sink.
func (i *Inspector) AddSink(sink model.Sink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sinks = append(i.sinks, sink)
}

// Inspect applies the detection rules to one packet. A nil packet is
// ignored: a malformed capture must never take down the capture path.
func (i *Inspector) Inspect(dir Direction, pkt *Packet) {
	if pkt == nil {
		return
	}

	i.stats.RecordEvent()
	i.stats.RecordPacket()

	c2 := false
	confidence := 0.0

	if i.isMaliciousPort(pkt.DstPort) || i.isMaliciousPort(pkt.SrcPort) {
		c2 = true
		confidence = confKnownBadPort
	} else if pkt.SrcPort > ephemeralPortMin && pkt.DstPort < privilegedPortMax {
		c2 = true
		confidence = confPortAsymmetry
	}

	exfil := pkt.PayloadLen > exfilSizeThreshold

	if c2 {
		i.stats.RecordC2Pattern()
		i.stats.RecordSuspiciousConnection()
		i.logger.Info("suspicious C2 pattern",
			"direction", dir.String(),
			"src", fmt.Sprintf("%s:%d", formatIPv4(pkt.SrcAddr), pkt.SrcPort),
			"dst", fmt.Sprintf("%s:%d", formatIPv4(pkt.DstAddr), pkt.DstPort))
	}
	if exfil {
		i.stats.RecordExfiltrationAttempt()
		if confidence < confOversized {
			confidence = confOversized
		}
		i.logger.Info("possible data exfiltration",
			"direction", dir.String(),
			"dst", formatIPv4(pkt.DstAddr),
			"bytes", pkt.PayloadLen)
	}

	if c2 || exfil {
		event := model.NewSecurityEvent(0, 0, model.CategoryNetworkAnomaly, confidence,
			fmt.Sprintf("%s %s:%d -> %s:%d (%d bytes)", dir.String(),
				formatIPv4(pkt.SrcAddr), pkt.SrcPort,
				formatIPv4(pkt.DstAddr), pkt.DstPort, pkt.PayloadLen))
		i.emit(event)
	}
}

func (i *Inspector) isMaliciousPort(port uint16) bool {
	_, bad := i.maliciousPorts[port]
	return bad
}

func (i *Inspector) emit(event model.SecurityEvent) {
	i.stats.HandleSecurityEvent(event)

	i.mu.RLock()
	sinks := i.sinks
	i.mu.RUnlock()
	for _, sink := range sinks {
		sink.HandleSecurityEvent(event)
	}
}

func formatIPv4(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}
