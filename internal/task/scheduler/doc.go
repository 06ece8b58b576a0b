// Package scheduler decides when each widget's refresh script runs.
//
// A single loop goroutine owns the next-run queue. Every mutation
// (schedule, cancel, trigger, completion) is a message to that loop, so the
// queue needs no lock. Execution is delegated to internal/task/engine; the
// loop only dispatches while it holds a free worker slot, so a hung script
// occupies one slot and never stalls other widgets.
//
// Completion is a two-step handshake with the loop:
//   - the worker reports the outcome and the loop answers whether it may be
//     delivered (not cancelled, not superseded)
//   - after the ResultSink has applied it, the worker reports back and the
//     loop reschedules the task and frees the slot
//
// Per widget, at most one execution is ever in flight.
package scheduler
