// Package pipeline is the kernel/scheduler (§4.4): it owns the record
// buffer and the three typed processor lists, and fans out updates and
// timer events delivered by a simulation event queue external to this
// package. Nothing here blocks on wall-clock time or performs I/O of its
// own beyond what a processor does inside its handler.
package pipeline

import (
	"fmt"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/banshee-data/fcd.report/internal/fcd/buffer"
)

// RawRecordSink persists every incoming record when store_raw_fcd is set.
type RawRecordSink interface {
	InsertRecords(vehicleID string, records []fcd.Record) error
}

// Stats is the shutdown summary line's payload (§7: "a statistics summary
// line is logged at shutdown").
type Stats struct {
	RecordCount     int64
	TraversalCount  int64
	ThresholdCount  int64
	ConnectionCount int64
}

// Kernel dispatches updates and ticks to the configured processor lists.
type Kernel struct {
	buf *buffer.Buffer

	traversalProcessors []fcd.TraversalProcessor
	timeProcessors      []fcd.TimeBasedProcessor
	messageProcessors   []fcd.MessageProcessor

	storeRawFCD bool
	rawSink     RawRecordSink

	unitExpirationTimeNs      int64
	oldestAllowedRecordTimeNs int64

	lastTickNs map[string]int64

	traversalCount int64
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithRawRecordPersistence enables the store_raw_fcd hook: every record of
// every incoming batch is appended to sink before traversal extraction.
func WithRawRecordPersistence(sink RawRecordSink) Option {
	return func(k *Kernel) {
		k.storeRawFCD = true
		k.rawSink = sink
	}
}

// WithUnitExpirationTimeNs overrides the default 60-minute eviction age.
func WithUnitExpirationTimeNs(ns int64) Option {
	return func(k *Kernel) {
		if ns > 0 {
			k.unitExpirationTimeNs = ns
		}
	}
}

// New constructs a Kernel. traversalProcessors and timeProcessors should
// already include any auto-inserted default (see internal/fcd/registry);
// the kernel itself performs no auto-insertion.
func New(traversalProcessors []fcd.TraversalProcessor, timeProcessors []fcd.TimeBasedProcessor, messageProcessors []fcd.MessageProcessor, opts ...Option) *Kernel {
	k := &Kernel{
		buf:                  buffer.New(),
		traversalProcessors:  traversalProcessors,
		timeProcessors:       timeProcessors,
		messageProcessors:    messageProcessors,
		unitExpirationTimeNs: int64(60 * 60 * 1e9),
		lastTickNs:           make(map[string]int64),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// HasVehicle exposes the buffer's internal accessor for eviction-probe
// tests (§8 scenario 5).
func (k *Kernel) HasVehicle(vehicleID string) bool {
	return k.buf.Has(vehicleID)
}

// HandleUpdate implements the per-update fan-out of §4.4: time-based
// processor bookkeeping, traversal extraction and dispatch, the raw-record
// persistence hook, and (implicitly, via the buffer) final-flag cleanup.
func (k *Kernel) HandleUpdate(nowNs int64, b fcd.Batch) error {
	for _, p := range k.timeProcessors {
		if err := p.HandleUpdate(nowNs, b); err != nil {
			opsf("kernel: time-based processor %q HandleUpdate failed: %v", p.Kind(), err)
		}
	}

	if k.storeRawFCD && k.rawSink != nil {
		if err := k.rawSink.InsertRecords(b.VehicleID, b.Records); err != nil {
			opsf("kernel: raw record persistence failed for vehicle %q: %v", b.VehicleID, err)
		}
	}

	traversals, dropped := k.buf.HandleBatch(b)
	if dropped {
		diagf("kernel: vehicle %q sent its final batch, buffer state reclaimed", b.VehicleID)
	}

	for _, t := range traversals {
		k.traversalCount++
		for _, p := range k.traversalProcessors {
			if err := p.HandleTraversal(t); err != nil {
				diagf("kernel: traversal processor %q rejected traversal vehicle=%s connection=%s: %v", p.Kind(), t.VehicleID, t.ConnectionID, err)
			}
		}
	}
	return nil
}

// HandleMessage dispatches a message to every configured message-based
// processor.
func (k *Kernel) HandleMessage(nowNs int64, payload any) error {
	for _, p := range k.messageProcessors {
		if err := p.HandleMessage(nowNs, payload); err != nil {
			opsf("kernel: message processor %q failed: %v", p.Kind(), err)
		}
	}
	return nil
}

// TriggerTick fires the named time-based processor's scheduled tick. An
// unrecognized kind is logged at debug and the tick is dropped, per the
// unknown-processor-identifier error kind.
func (k *Kernel) TriggerTick(kind string, nowNs int64) error {
	for _, p := range k.timeProcessors {
		if p.Kind() != kind {
			continue
		}
		k.lastTickNs[kind] = nowNs
		if err := p.TriggerEvent(nowNs); err != nil {
			opsf("kernel: processor %q trigger_event failed at t=%d: %v", kind, nowNs, err)
			return err
		}
		return nil
	}
	diagf("kernel: no time-based processor registered for kind %q, dropping tick", kind)
	return fmt.Errorf("%w: %q", fcd.ErrUnknownProcessor, kind)
}

// TimeProcessorIntervals returns each time-based processor's (kind,
// interval) pair, so an external scheduler can compute "prev + I"
// rescheduling per §4.4. Processors with IntervalNs() <= 0 are omitted -
// they are never scheduled.
func (k *Kernel) TimeProcessorIntervals() map[string]int64 {
	out := make(map[string]int64, len(k.timeProcessors))
	for _, p := range k.timeProcessors {
		if p.IntervalNs() > 0 {
			out[p.Kind()] = p.IntervalNs()
		}
	}
	return out
}

// EvictionTick implements the expire-tick of §4.4: evict every vehicle
// whose newest buffered record is older than the current watermark, then
// advance the watermark by unit_expiration_time for the next cycle.
func (k *Kernel) EvictionTick(nowNs int64) int {
	evicted := k.buf.Evict(k.oldestAllowedRecordTimeNs)
	if evicted > 0 {
		diagf("kernel: eviction tick at t=%d reclaimed %d vehicles (watermark=%d)", nowNs, evicted, k.oldestAllowedRecordTimeNs)
	}
	k.oldestAllowedRecordTimeNs += k.unitExpirationTimeNs
	return evicted
}

// Shutdown calls every processor's shutdown(now) - the threshold
// processor's own Shutdown implementation already performs the "final
// recompute, then full RTSM recompute" sequence required at this point -
// then logs the statistics summary line.
func (k *Kernel) Shutdown(nowNs int64, stats Stats) error {
	for _, p := range k.timeProcessors {
		if err := p.Shutdown(nowNs); err != nil {
			opsf("kernel: processor %q shutdown failed: %v", p.Kind(), err)
		}
	}
	opsf("kernel: shutdown summary records=%d traversals=%d thresholds=%d connections=%d",
		stats.RecordCount, stats.TraversalCount, stats.ThresholdCount, stats.ConnectionCount)
	return nil
}
