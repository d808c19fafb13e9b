// Package audit implements the bounded audit-event ring referenced by
// spec §4.H and the design note in spec §9 ("the audit buffer is a bounded
// sequence; use an explicit ring rather than a resizing list").
package audit

import "github.com/sebastianm/acpx/internal/acpx/model"

// Capacity is the fixed ring size (spec §4.H: "ring-buffered at 10,000
// entries, oldest evicted").
const Capacity = 10_000

// Append pushes event onto events, evicting the oldest entry once the ring
// is full. It never mutates events in place (the caller owns the backing
// slice, matching the record's "shallow copy, write back atomically"
// discipline of spec §4.H) and returns the new slice.
func Append(events []model.AuditEvent, event model.AuditEvent) []model.AuditEvent {
	if len(events) < Capacity {
		out := make([]model.AuditEvent, len(events), len(events)+1)
		copy(out, events)
		return append(out, event)
	}
	out := make([]model.AuditEvent, Capacity)
	copy(out, events[1:])
	out[Capacity-1] = event
	return out
}
