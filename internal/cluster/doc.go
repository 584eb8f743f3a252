// Package cluster defines the wire contract between the coordinator and its
// nodes and the HTTP plumbing both sides share.
//
// # Overview
//
// The coordinator talks to nodes over plain JSON-over-HTTP. Every node
// serves the same small set of endpoints:
//
//	GET  /health          liveness, used by the coordinator's health monitor
//	GET  /queue/size      current queue size
//	POST /queue/listing   ListingRequest  → ListingResponse
//	POST /queue/drop      DropRequest     → DropResponse
//	POST /queue/cancel    CancelRequest   → CancelResponse
//	POST /queue/flowfiles EnqueueRequest  → EnqueueResponse
//
// Nodes join by POSTing a RegisterRequest to the coordinator's /register.
//
// # Errors
//
// A non-2xx answer is decoded into a *StatusError carrying the status code
// and the ErrorResponse message. Client wraps every transport or status
// error in a *request.NodeUnavailableError so the coordinator can name the
// node that failed a step.
//
// # Timeouts
//
// Client has no timeout of its own: each call is bounded by its context,
// which the coordinator derives from the per-node step timeout. The
// package-level PostJSON/GetJSON/DeleteJSON helpers use a shared client
// with a 5 second timeout and are meant for short control calls such as
// registration.
package cluster
