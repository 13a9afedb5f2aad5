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
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
)

// DefaultPollInterval is how often the kprobe source drains call counters
// from the kernel.
const DefaultPollInterval = 250 * time.Millisecond

var memlockOnce sync.Once

// KprobeSource attaches a minimal counting program to syscall entry symbols
// via kprobes. The program increments a single map slot with an atomic add;
// user space polls the slot and reports deltas. Per-call process attribution
// is not available through this source (pid is always zero).
type KprobeSource struct {
	logger       logr.Logger
	pollInterval time.Duration
}

// NewKprobeSource creates a kprobe-backed source. A non-positive interval
// selects DefaultPollInterval.
func NewKprobeSource(logger logr.Logger, pollInterval time.Duration) *KprobeSource {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &KprobeSource{
		logger:       logger.WithName("kprobe-source"),
		pollInterval: pollInterval,
	}
}

// Attach loads the counting program, links it to symbol, and starts a poll
// goroutine delivering call-count deltas to fn. The returned DetachFunc
// stops polling and releases the program, link, and map.
func (s *KprobeSource) Attach(symbol string, fn func(delta uint64, pid uint32)) (DetachFunc, error) {
	var memlockErr error
	memlockOnce.Do(func() {
		memlockErr = rlimit.RemoveMemlock()
	})
	if memlockErr != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", memlockErr)
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create counter map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.Kprobe,
		Instructions: countProgram(counts),
		License:      "GPL",
	})
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("load counter program: %w", err)
	}

	kp, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		prog.Close()
		counts.Close()
		return nil, fmt.Errorf("attach kprobe %s: %w", symbol, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.poll(symbol, counts, fn, stop, done)

	detach := func() error {
		close(stop)
		<-done
		err := kp.Close()
		prog.Close()
		counts.Close()
		return err
	}
	return detach, nil
}

// poll drains the counter map until stopped, delivering deltas to fn. One
// final drain runs on shutdown so calls observed just before detach are not
// lost.
func (s *KprobeSource) poll(symbol string, counts *ebpf.Map, fn func(delta uint64, pid uint32), stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var prev uint64
	drain := func() {
		var value uint64
		if err := counts.Lookup(uint32(0), &value); err != nil {
			s.logger.V(1).Info("counter read failed", "symbol", symbol, "error", err.Error())
			return
		}
		if value > prev {
			fn(value-prev, 0)
			prev = value
		}
	}

	for {
		select {
		case <-stop:
			drain()
			return
		case <-ticker.C:
			drain()
		}
	}
}

// countProgram builds the per-probe counting program:
//
//	key = 0
//	value = map_lookup_elem(counts, &key)
//	if value != NULL: lock_xadd(value, 1)
//	return 0
func countProgram(counts *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// *(u32 *)(fp - 4) = 0
		asm.Mov.Imm(asm.R0, 0),
		asm.StoreMem(asm.RFP, -4, asm.R0, asm.Word),
		// r0 = map_lookup_elem(counts, fp - 4)
		asm.LoadMapPtr(asm.R1, counts.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		// lock *(u64 *)(r0) += 1
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}
