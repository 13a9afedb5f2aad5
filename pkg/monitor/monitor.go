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

// Package monitor assembles the hook dispatcher, syscall probes, packet
// inspector, and statistics aggregator into one loadable security monitor
// with an Active/Unloaded lifecycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/metric"

	"github.com/obsernetics/didban/pkg/hooks"
	"github.com/obsernetics/didban/pkg/netmon"
	"github.com/obsernetics/didban/pkg/probes"
	"github.com/obsernetics/didban/pkg/stats"
)

// Lifecycle states.
const (
	stateUnloaded int32 = iota
	stateActive
)

// ErrUnloaded is returned by read paths after the monitor has been
// unloaded (or before it was ever loaded).
var ErrUnloaded = errors.New("monitor not loaded")

// Options configures a Monitor. Zero values select sane defaults.
type Options struct {
	Logger logr.Logger

	// Threshold is the confidence threshold (0-100) above which a
	// detection counts as a threat. Defaults to stats.DefaultThreshold.
	Threshold int

	// Enforce enables deny verdicts on actionable hook detections.
	Enforce bool

	// ListenAddr is the HTTP address for /status and /metrics. Empty
	// disables the HTTP surface.
	ListenAddr string

	// Interface restricts packet capture to one interface. Empty captures
	// on all interfaces. Capture failures are non-fatal.
	Interface string

	// DisableCapture skips packet capture entirely. The inspector stays
	// available for injected packets.
	DisableCapture bool

	// PollInterval is the kprobe counter drain interval.
	PollInterval time.Duration

	// TableCapacity bounds the per-process monitor table.
	TableCapacity int

	// Source overrides the syscall probe source. Defaults to the
	// kprobe-backed source; tests inject a mock.
	Source probes.Source

	// MeterProvider optionally mirrors counters to OpenTelemetry.
	MeterProvider metric.MeterProvider

	// Version is reported in the load log line.
	Version string
}

// Monitor is the top-level security observation layer.
type Monitor struct {
	opts   Options
	logger logr.Logger
	state  atomic.Int32

	metrics    *stats.Metrics
	stats      *stats.Aggregator
	dispatcher *hooks.Dispatcher
	probes     *probes.Manager
	inspector  *netmon.Inspector
	tap        *netmon.Tap

	// srvMu guards server and listener, which teardown nils while status
	// pollers may still be reading Addr.
	srvMu    sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates an unloaded monitor. No instrumentation is attached until
// Load.
func New(opts Options) (*Monitor, error) {
	if opts.Threshold == 0 {
		opts.Threshold = stats.DefaultThreshold
	}
	if opts.TableCapacity <= 0 {
		opts.TableCapacity = stats.DefaultTableCapacity
	}
	logger := opts.Logger.WithName("didban")

	metrics := stats.NewMetrics()
	if err := metrics.SetMeterProvider(opts.MeterProvider); err != nil {
		return nil, fmt.Errorf("configure meter provider: %w", err)
	}

	agg := stats.NewAggregator(opts.Threshold, opts.TableCapacity, metrics)

	dispatcher := hooks.NewDispatcher(agg, logger)
	dispatcher.SetEnforcement(opts.Enforce)

	source := opts.Source
	if source == nil {
		source = probes.NewKprobeSource(logger, opts.PollInterval)
	}
	probeMgr := probes.NewManager(source, agg, logger, nil)

	inspector := netmon.NewInspector(agg, logger)

	m := &Monitor{
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		stats:      agg,
		dispatcher: dispatcher,
		probes:     probeMgr,
		inspector:  inspector,
		tap:        netmon.NewTap(inspector, logger, opts.Interface),
	}
	return m, nil
}

// Load brings the monitor to the Active state: HTTP surface first (its
// failure is fatal), then syscall probes (partial attachment tolerated),
// then packet capture (failure tolerated), then hook activation. A second
// Load while Active is a no-op.
func (m *Monitor) Load(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateUnloaded, stateActive) {
		return nil
	}

	if m.opts.ListenAddr != "" {
		ln, err := net.Listen("tcp", m.opts.ListenAddr)
		if err != nil {
			m.state.Store(stateUnloaded)
			return fmt.Errorf("listen on %s: %w", m.opts.ListenAddr, err)
		}
		srv := &http.Server{Handler: m.routes()}
		m.srvMu.Lock()
		m.listener = ln
		m.server = srv
		m.srvMu.Unlock()
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.logger.Error(err, "status server stopped")
			}
		}()
	}

	if err := m.probes.Attach(); err != nil {
		m.teardown(ctx)
		m.state.Store(stateUnloaded)
		return fmt.Errorf("attach syscall probes: %w", err)
	}

	if !m.opts.DisableCapture {
		if err := m.tap.Start(); err != nil {
			m.logger.Info("packet capture unavailable, continuing without it", "error", err.Error())
		}
	}

	m.dispatcher.Activate()

	m.logger.Info("security monitor loaded",
		"version", m.opts.Version,
		"threshold", m.stats.Threshold(),
		"enforcement", m.opts.Enforce,
		"probes", m.probes.AttachedCount())
	return nil
}

// Unload quiesces the hooks, stops the HTTP surface and packet capture,
// and detaches the probes. Counters survive unload for the final summary.
// A second Unload is a no-op.
func (m *Monitor) Unload(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateActive, stateUnloaded) {
		return nil
	}

	m.dispatcher.Quiesce()
	err := m.teardown(ctx)

	snap := m.stats.Snapshot()
	m.logger.Info("security monitor unloaded",
		"events_logged", snap.EventsLogged,
		"threats_detected", snap.ThreatsDetected,
		"c2_patterns", snap.C2PatternsDetected,
		"exfiltration_attempts", snap.ExfiltrationAttempts,
		"suspicious_syscalls", snap.SuspiciousSyscalls,
		"syscall_totals", m.probes.Totals())
	return err
}

func (m *Monitor) teardown(ctx context.Context) error {
	var firstErr error
	m.srvMu.Lock()
	server := m.server
	m.server = nil
	m.listener = nil
	m.srvMu.Unlock()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if err := m.tap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.probes.Detach()
	return firstErr
}

func (m *Monitor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		reader, err := m.Status()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.Copy(w, reader)
	})
	mux.Handle("/metrics", m.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// Status returns a stable point-in-time status report. The reader supports
// seeking, so repeated and partial reads always observe the same snapshot.
// Returns ErrUnloaded when the monitor is not Active.
func (m *Monitor) Status() (io.ReadSeeker, error) {
	if m.state.Load() != stateActive {
		return nil, ErrUnloaded
	}
	return m.stats.Status(), nil
}

// Active reports whether the monitor is in the Active state.
func (m *Monitor) Active() bool {
	return m.state.Load() == stateActive
}

// Hooks exposes the dispatcher so instrumentation points can invoke the
// classifiers.
func (m *Monitor) Hooks() *hooks.Dispatcher { return m.dispatcher }

// Probes exposes the syscall probe manager.
func (m *Monitor) Probes() *probes.Manager { return m.probes }

// Inspector exposes the packet inspector.
func (m *Monitor) Inspector() *netmon.Inspector { return m.inspector }

// Stats exposes the aggregator for read paths and threshold updates.
func (m *Monitor) Stats() *stats.Aggregator { return m.stats }

// SetThreshold updates the confidence threshold at runtime.
func (m *Monitor) SetThreshold(threshold int) {
	m.stats.SetThreshold(threshold)
}

// SetEnforcement toggles deny verdicts at runtime.
func (m *Monitor) SetEnforcement(enabled bool) {
	m.dispatcher.SetEnforcement(enabled)
}

// Addr returns the bound HTTP address, or empty when no surface is up.
func (m *Monitor) Addr() string {
	m.srvMu.Lock()
	defer m.srvMu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}
