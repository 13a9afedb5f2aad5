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

package hooks

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/obsernetics/didban/pkg/model"
	"github.com/obsernetics/didban/pkg/stats"
)

// Heuristic parameters. These are compile-time constants on purpose: hooks
// run on hot paths and every branch must stay O(1) without map lookups on
// tunables.
const (
	// reservedInodeMax: writes to inodes below this number are treated as
	// writes to core system files.
	reservedInodeMax = 1000

	// rapidConnWindow: two connection attempts from the same process closer
	// together than this are flagged as connection flooding. An interval of
	// exactly rapidConnWindow is not rapid.
	rapidConnWindow = 100 * time.Millisecond

	connTrackSlots = 256
)

// Per-heuristic confidence scores (0-1).
const (
	confSensitiveWrite = 0.75
	confReservedInode  = 0.80
	confTempExec       = 0.85
	confRapidConnect   = 0.72
	confInjectionClone = 0.70
)

// connTracker keeps the last connection timestamp per process in a fixed
// array of atomic slots. Slot updates use compare-and-swap so two racing
// callers can never both observe a stale value and both decide "not rapid".
type connTracker struct {
	slots [connTrackSlots]atomic.Int64
}

// observe records a connection attempt at now (nanoseconds) and reports
// whether it followed the previous one within the rapid window.
func (t *connTracker) observe(pid uint32, now int64) bool {
	slot := &t.slots[pid%connTrackSlots]
	for {
		last := slot.Load()
		if slot.CompareAndSwap(last, now) {
			return last != 0 && now-last < int64(rapidConnWindow)
		}
	}
}

// Dispatcher runs the five decision-point classifiers. Every hook executes
// synchronously on the caller's goroutine, never blocks, and returns an
// allow verdict unless enforcement is enabled and the detection is
// actionable.
type Dispatcher struct {
	stats   *stats.Aggregator
	logger  logr.Logger
	enforce atomic.Bool

	active atomic.Bool
	gate   sync.RWMutex

	conns connTracker

	// nowNanos is the monotonic-enough clock used by the rapid-connection
	// heuristic; swapped in tests for deterministic boundary behavior.
	nowNanos func() int64

	mu    sync.RWMutex
	sinks []model.Sink
}

// NewDispatcher creates a dispatcher reporting into agg. The dispatcher
// starts inactive; hooks allow everything until Activate is called.
func NewDispatcher(agg *stats.Aggregator, logger logr.Logger) *Dispatcher {
	return &Dispatcher{
		stats:    agg,
		logger:   logger.WithName("hooks"),
		nowNanos: func() int64 { return time.Now().UnixNano() },
	}
}

// SetEnforcement toggles deny verdicts for actionable detections. Off by
// default: the dispatcher observes and logs only.
func (d *Dispatcher) SetEnforcement(enabled bool) {
	d.enforce.Store(enabled)
}

// AddSink registers an additional event sink. The aggregator is always
// notified; sinks receive a copy of every emitted event.
func (d *Dispatcher) AddSink(sink model.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Activate enables hook processing.
func (d *Dispatcher) Activate() {
	d.active.Store(true)
}

// Quiesce disables hook processing and blocks until every in-flight hook
// invocation has returned. Backing state must not be torn down before this
// returns.
func (d *Dispatcher) Quiesce() {
	d.active.Store(false)
	// Taking the write lock waits out every held read lock. Hooks arriving
	// after the store see the inactive flag and bail.
	d.gate.Lock()
	d.gate.Unlock()
}

// enter gates a hook invocation. The read lock is acquired before the
// active check, so Quiesce's write lock cannot be granted while any hook
// is between its check and its body.
func (d *Dispatcher) enter() bool {
	d.gate.RLock()
	if !d.active.Load() {
		d.gate.RUnlock()
		return false
	}
	return true
}

// leave releases the gate taken by enter.
func (d *Dispatcher) leave() {
	d.gate.RUnlock()
}

// FileOpen classifies a file-open request. Writes to files with sensitive
// extensions (scripts, binaries, kernel modules, shared objects) are
// flagged as file anomalies.
func (d *Dispatcher) FileOpen(ctx *FileOpenContext) Verdict {
	if ctx == nil || !d.enter() {
		return VerdictAllow
	}
	defer d.leave()

	d.stats.RecordEvent()
	d.stats.RecordFileAccess(ctx.PID)

	if ctx.WriteAccess && hasSensitiveExtension(ctx.Path) {
		event := model.NewSecurityEvent(ctx.PID, ctx.UID, model.CategoryFileAnomaly,
			confSensitiveWrite, fmt.Sprintf("suspicious write to %s", ctx.Path))
		return d.emit(event)
	}
	return VerdictAllow
}

// InodePermission classifies a permission check. Write access to a
// low-numbered inode is used as a proxy for modification of core system
// files, regardless of the file's name.
func (d *Dispatcher) InodePermission(ctx *InodePermissionContext) Verdict {
	if ctx == nil || !d.enter() {
		return VerdictAllow
	}
	defer d.leave()

	d.stats.RecordEvent()

	if ctx.Mask&MayWrite != 0 && ctx.Inode < reservedInodeMax {
		event := model.NewSecurityEvent(ctx.PID, ctx.UID, model.CategoryFileAnomaly,
			confReservedInode, fmt.Sprintf("write to reserved inode %d (%s)", ctx.Inode, ctx.Path))
		return d.emit(event)
	}
	return VerdictAllow
}

// Exec classifies a process-exec request. Executables living under scratch
// directories with script or binary extensions are flagged as process
// anomalies; with enforcement enabled the exec is denied.
func (d *Dispatcher) Exec(ctx *ExecContext) Verdict {
	if ctx == nil || !d.enter() {
		return VerdictAllow
	}
	defer d.leave()

	d.stats.RecordEvent()
	d.stats.RecordExec(ctx.PID)

	if underScratchDir(ctx.Path) && hasExecutableExtension(ctx.Path) {
		event := model.NewSecurityEvent(ctx.PID, ctx.UID, model.CategoryProcessAnomaly,
			confTempExec, fmt.Sprintf("suspicious executable %s", ctx.Path))
		return d.emit(event)
	}
	return VerdictAllow
}

// SocketConnect classifies a connection attempt. Consecutive attempts from
// the same process within the rapid window are flagged as potential beacon
// setup or connection flooding.
func (d *Dispatcher) SocketConnect(ctx *SocketConnectContext) Verdict {
	if ctx == nil || !d.enter() {
		return VerdictAllow
	}
	defer d.leave()

	d.stats.RecordEvent()
	d.stats.RecordNetworkConn(ctx.PID)

	d.logger.V(1).Info("connection attempt",
		"pid", ctx.PID, "dst", formatIPv4(ctx.DstAddr), "port", ctx.DstPort)

	if d.conns.observe(ctx.PID, d.nowNanos()) {
		event := model.NewSecurityEvent(ctx.PID, ctx.UID, model.CategoryNetworkAnomaly,
			confRapidConnect, fmt.Sprintf("rapid connections to %s:%d", formatIPv4(ctx.DstAddr), ctx.DstPort))
		d.emitObserveOnly(event)
	}
	return VerdictAllow
}

// TaskCreate classifies a clone request. Shared memory plus shared file
// descriptors without same-thread semantics is a proxy for process
// injection style cloning.
func (d *Dispatcher) TaskCreate(ctx *TaskCreateContext) Verdict {
	if ctx == nil || !d.enter() {
		return VerdictAllow
	}
	defer d.leave()

	d.stats.RecordEvent()

	flags := ctx.CloneFlags
	if flags&CloneFiles != 0 && flags&CloneVM != 0 && flags&CloneThread == 0 {
		event := model.NewSecurityEvent(ctx.PID, ctx.UID, model.CategoryProcessAnomaly,
			confInjectionClone, fmt.Sprintf("suspicious clone flags %#x", flags))
		d.emitObserveOnly(event)
	}
	return VerdictAllow
}

// emit records the event and resolves the verdict: deny only when
// enforcement is on and the event clears the threshold.
func (d *Dispatcher) emit(event model.SecurityEvent) Verdict {
	actionable := d.dispatch(event)
	if actionable && d.enforce.Load() {
		return VerdictDeny
	}
	return VerdictAllow
}

// emitObserveOnly records the event for hooks that never deny (the
// operation has no meaningful failure mode to return).
func (d *Dispatcher) emitObserveOnly(event model.SecurityEvent) {
	d.dispatch(event)
}

func (d *Dispatcher) dispatch(event model.SecurityEvent) bool {
	d.stats.HandleSecurityEvent(event)

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	for _, sink := range sinks {
		sink.HandleSecurityEvent(event)
	}

	actionable := event.Actionable(d.stats.Threshold())
	if actionable {
		d.logger.Info("threat detected",
			"category", event.Category.String(),
			"pid", event.PID,
			"confidence", event.Confidence,
			"detail", event.Description)
	} else {
		d.logger.V(1).Info("sub-threshold detection",
			"category", event.Category.String(),
			"pid", event.PID,
			"confidence", event.Confidence,
			"detail", event.Description)
	}
	return actionable
}

func hasSensitiveExtension(path string) bool {
	return strings.HasSuffix(path, ".sh") ||
		strings.HasSuffix(path, ".bin") ||
		strings.HasSuffix(path, ".ko") ||
		strings.HasSuffix(path, ".so")
}

func hasExecutableExtension(path string) bool {
	return strings.HasSuffix(path, ".sh") || strings.HasSuffix(path, ".bin")
}

func underScratchDir(path string) bool {
	return strings.HasPrefix(path, "/tmp/") ||
		strings.HasPrefix(path, "/var/tmp/") ||
		strings.HasPrefix(path, "/dev/shm/")
}

func formatIPv4(addr uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}
