/*
Package scheduler saturates a CPU-bound block-execution pool with a
priority-ordered stream of work, clustering blocks that share a runtime
spec version so the executor's compiled-module cache stays hot.

# Tick behavior

check_work is driven on a fixed tick. Let delta = added - finished:

  - delta == 0 and the heap is non-empty: submit up to maxSize items.
  - 0 < delta < maxSize: top up to maxSize in-flight.
  - delta >= maxSize: submit nothing.

Completions are received from the pool's result channel as they arrive,
in the same loop that runs the tick, and forwarded to the caller's
onResult callback; finished is incremented by one per completion.

# Invariants

	0 <= added - finished <= maxSize

holds at every observation point. Duplicate items (same spec_version and
block number) are dropped on Enqueue. After Stop, added == finished once
the pool has drained its in-flight batch.
*/
package scheduler
