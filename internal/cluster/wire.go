package cluster

import (
	"net/url"

	"github.com/dreamware/sluice/internal/request"
)

// Node-facing endpoints. Every node serves these; the coordinator's fan-out
// calls them.
const (
	PathListing = "/queue/listing"
	PathDrop    = "/queue/drop"
	PathCancel  = "/queue/cancel"
	PathSize    = "/queue/size"
	PathEnqueue = "/queue/flowfiles"
	PathHealth  = "/health"
)

// FlowUnitPath is where a node serves the summary of one queued unit.
func FlowUnitPath(uuid string) string {
	return PathEnqueue + "/" + url.PathEscape(uuid)
}

// ListingRequest asks a node to list its queue. The node returns its
// summaries sorted by SortColumn/SortDirection.
type ListingRequest struct {
	RequestID     string                `json:"requestId"`
	SortColumn    request.SortColumn    `json:"sortColumn"`
	SortDirection request.SortDirection `json:"sortDirection"`
	MaxResults    int                   `json:"maxResults,omitempty"`
	// TimeoutMillis bounds the step on the node. Zero means no bound.
	TimeoutMillis int64 `json:"timeoutMillis,omitempty"`
}

type ListingResponse struct {
	NodeID    string                    `json:"nodeId"`
	Summaries []request.FlowUnitSummary `json:"summaries"`
}

// DropRequest asks a node to drop the whole content of its queue.
type DropRequest struct {
	RequestID     string `json:"requestId"`
	TimeoutMillis int64  `json:"timeoutMillis,omitempty"`
}

// DropResponse reports what a node dropped. A drop interrupted part way is
// answered with an error status and a DropResponse whose Error is set and
// whose counts cover the units removed before it stopped.
type DropResponse struct {
	NodeID       string `json:"nodeId"`
	DroppedCount int64  `json:"droppedCount"`
	DroppedSize  int64  `json:"droppedSize"`
	Error        string `json:"error,omitempty"`
}

// CancelRequest tells a node to stop executing RequestID at its next chunk
// boundary.
type CancelRequest struct {
	RequestID string `json:"requestId"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

// EnqueueRequest loads flow units into a node's queue.
type EnqueueRequest struct {
	FlowUnits []EnqueueUnit `json:"flowUnits"`
}

// EnqueueUnit describes a flow unit to enqueue. Empty UUIDs are generated
// by the node.
type EnqueueUnit struct {
	UUID      string `json:"uuid,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size"`
	Penalized bool   `json:"penalized,omitempty"`
}

type EnqueueResponse struct {
	Accepted  int               `json:"accepted"`
	QueueSize request.QueueSize `json:"queueSize"`
}
