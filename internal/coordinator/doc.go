// Package coordinator runs cluster-wide queue requests: it keeps the table
// of registered nodes, sends each request's steps to every node and holds
// the request until its submitter is done with it.
//
// # Overview
//
// A client submits a listing or a drop to the coordinator and gets an id
// back at once. The work happens on the nodes; the client polls the id
// until the request is terminal, optionally cancels it, and deletes it
// when it no longer needs the result.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│  RequestRegistry   id → *request.Tracker │
//	│        │ Submit                          │
//	│        ▼                                 │
//	│  Fanout            one goroutine / node  │
//	│        │ NodeClient                      │
//	├────────┼─────────────────────────────────┤
//	│  Membership  ◀──── HealthMonitor         │
//	└────────┼─────────────────────────────────┘
//	         ▼
//	   node 1 … node N   (POST /queue/listing, /queue/drop, /queue/cancel)
//
// # Core Components
//
// RequestRegistry: the live requests
//   - Submit validates, sizes the request by the number of registered
//     nodes and dispatches it
//   - a seeded submit is idempotent: the same seed returns the same request
//   - Cancel, Delete, and an idle sweep for finished requests
//
// Fanout: the per-request dispatch
//   - every node runs its step concurrently under its own timeout
//   - fail-fast: the first failed step fails the request and the other
//     nodes are told to cancel
//   - late results of a finished request are discarded by its Tracker
//
// Membership and HealthMonitor: the node table
//   - nodes register themselves at start-up
//   - a node failing its health checks is removed, so later requests do
//     not count it as a step
//
// # Thread Safety
//
// The registry is a sync.Map and every Tracker has its own mutex, so
// requests never contend with each other. Node calls are never made while
// a tracker lock is held.
package coordinator
