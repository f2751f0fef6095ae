// Package blackboard provides the variable table shared by a test bench and
// the store side of change observation.
//
// # Overview
//
// A blackboard is a table of named variables. Each variable has a value and a
// set of display properties (unit, limits, conversion, color, ...). Interested
// parties do not poll the table; instead a single observer arms observation
// masks on the store, and the store invokes one process-wide callback whenever
// an armed property changes.
//
// Two stores are provided:
//
//   - Store keeps the table in process memory.
//   - Client keeps the table in Redis and delivers changes published by any
//     process writing to the same instance.
//
// # Observation protocol
//
// Both stores expose the same three entry points:
//
//	SetVariableObservation(vid, flags, data) error
//	SetGlobalObservation(flags, data) ([]VID, error)
//	SetObservationCallback(cb)
//
// If flags contains ObserveResetFlags the stored mask is replaced by the
// remaining bits, otherwise the bits are OR-ed in. A mask that ends up empty
// disarms the registration. data is an opaque index handed back unchanged in
// every callback so the observer can find its bookkeeping without a lookup;
// NoObservationData means "no per-variable registration".
//
// For one change the store computes
//
//	fired = (variableMask | globalMask) & changed
//
// and, if fired is non-zero, calls the callback exactly once on the writer's
// goroutine, outside of any store lock.
//
// # Redis Schema
//
// Variables: bbwatch:{instance_name}:variable:{vid}
// Name index: bbwatch:{instance_name}:variables
// VID counter: bbwatch:{instance_name}:next_vid
// Change events: bbwatch:{instance_name}:variable_events
package blackboard
