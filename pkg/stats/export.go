package stats

import (
	"bytes"
	"fmt"
)

// Snapshot is a point-in-time copy of the global counters plus the derived
// detection rate. Rendering a snapshot is deterministic: equal snapshots
// produce byte-identical output.
type Snapshot struct {
	EventsLogged          uint64
	ThreatsDetected       uint64
	C2PatternsDetected    uint64
	ExfiltrationAttempts  uint64
	SuspiciousSyscalls    uint64
	PacketsMonitored      uint64
	SuspiciousConnections uint64
	TrackedProcesses      int
	DetectionRate         float64
	Threshold             int
}

// Render formats the snapshot as the fixed multi-line status block consumed
// by user-space readers. The block is bounded in size: every field is a
// fixed-width-or-smaller number.
func (s Snapshot) Render() []byte {
	var buf bytes.Buffer
	buf.Grow(512)
	fmt.Fprintf(&buf, "Didban Security Monitor\n")
	fmt.Fprintf(&buf, "=======================\n")
	fmt.Fprintf(&buf, "Events Logged: %d\n", s.EventsLogged)
	fmt.Fprintf(&buf, "Threats Detected: %d\n", s.ThreatsDetected)
	fmt.Fprintf(&buf, "C2 Patterns Detected: %d\n", s.C2PatternsDetected)
	fmt.Fprintf(&buf, "Exfiltration Attempts: %d\n", s.ExfiltrationAttempts)
	fmt.Fprintf(&buf, "Suspicious Syscalls: %d\n", s.SuspiciousSyscalls)
	fmt.Fprintf(&buf, "Packets Monitored: %d\n", s.PacketsMonitored)
	fmt.Fprintf(&buf, "Suspicious Connections: %d\n", s.SuspiciousConnections)
	fmt.Fprintf(&buf, "Tracked Processes: %d\n", s.TrackedProcesses)
	fmt.Fprintf(&buf, "Detection Rate: %.2f%%\n", s.DetectionRate)
	fmt.Fprintf(&buf, "Threat Threshold: %d%%\n", s.Threshold)
	return buf.Bytes()
}

// Status returns a reader over the rendered status block as of now. The
// reader is a stable view: partial reads at arbitrary offsets always
// reassemble into the same bytes, matching the open-then-read semantics of
// a virtual status file.
func (a *Aggregator) Status() *bytes.Reader {
	return bytes.NewReader(a.Snapshot().Render())
}
