// Package orchestrator defines the batch extraction domain shared by every stage.
//
// A Batch owns an ordered list of Url-Tasks. Tasks move waiting -> dispatched ->
// succeeded|failed, with an optional policy-driven failed -> waiting edge. Once all
// tasks of a batch are settled the barrier flag is set, after which the assembler
// renders one artifact, stores it, and only then removes the raw Extraction Results.
//
// All coordination between the fast and slow ticks goes through conditional,
// task- or flag-scoped updates on the TaskStore. Nothing here holds a lock across
// external calls, so every transition is monotonic and safe to repeat.
package orchestrator
