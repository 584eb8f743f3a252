// Package request implements the lifecycle of Sluice's asynchronous,
// cluster-wide queue requests: the tracker state machine, per-node progress
// accounting and the aggregation of partial results.
//
// # Overview
//
// A listing or drop request is accepted at once and then executed as one
// step per cluster node. Steps finish at different times and in any order.
// The Tracker is the single piece of shared mutable state for a request;
// the coordinator's fan-out feeds it results and failures while clients
// poll it for snapshots.
//
// # Core Types
//
// Tracker: the state machine for one request
//   - PENDING → RUNNING → COMPLETE | FAILED | CANCELED
//   - Terminal states are absorbing; late mutations return ErrTerminal
//   - Completion percentage is step based: floor(100*completed/numSteps)
//
// Aggregator: folds step payloads into the result
//   - ListingAggregator merges sorted pages into one global order
//   - DropAggregator sums dropped item counts and bytes
//
// Identity: allocates request ids
//   - Seeded ids are name-based UUIDs so every node derives the same id
//   - Unseeded ids are random UUIDs
//
// # Ordering
//
// Listings order by the requested column and direction, then by flow unit
// UUID, then by node id. Because the comparator is total over distinct
// units, merging pages in any arrival order yields the same sequence, and
// repeated polls of a finished request return identical results.
//
// # Errors
//
//   - *ValidationError: bad parameters, rejected before a tracker exists
//   - ErrNotFound: unknown request id
//   - ErrTerminal: mutation on a finished request (a no-op)
//   - *NodeUnavailableError: a node failed or timed out
//   - *InternalFailure: the aggregator rejected a payload
//
// # Concurrency
//
// Each Tracker serializes all access with one mutex and never performs I/O
// while holding it. Snapshot copies slices so callers may keep or modify
// what they receive.
package request
