package request

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects which cluster-wide queue operation a request performs.
// It also selects the aggregator and the result payload a tracker carries.
type Kind string

const (
	// KindListing enumerates the flow units of the queue across the cluster.
	KindListing Kind = "LISTING"
	// KindDrop purges the queue on every node.
	KindDrop Kind = "DROP"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindListing || k == KindDrop
}

// State is the lifecycle state of an asynchronous request.
type State string

const (
	// StatePending means the request has been accepted but no step has started.
	StatePending State = "PENDING"
	// StateRunning means at least one node has been asked to do its step.
	StateRunning State = "RUNNING"
	// StateComplete means every step reported success.
	StateComplete State = "COMPLETE"
	// StateCanceled means the client canceled the request before it finished.
	StateCanceled State = "CANCELED"
	// StateFailed means a step or the coordinator itself failed.
	StateFailed State = "FAILED"
)

// IsTerminal reports whether s is absorbing: COMPLETE, CANCELED or FAILED.
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateCanceled, StateFailed:
		return true
	}
	return false
}

// SortColumn names the attribute a listing is ordered by.
type SortColumn string

const (
	SortByQueuePosition  SortColumn = "QUEUE_POSITION"
	SortByUUID           SortColumn = "FLOWFILE_UUID"
	SortByFilename       SortColumn = "FILENAME"
	SortBySize           SortColumn = "FLOWFILE_SIZE"
	SortByQueuedDuration SortColumn = "QUEUED_DURATION"
	SortByLineageAge     SortColumn = "FLOWFILE_AGE"
	SortByPenalization   SortColumn = "PENALIZATION"
)

// DefaultSortColumn is what listings use when the client does not choose.
const DefaultSortColumn = SortByQueuePosition

var sortColumnAliases = map[string]SortColumn{
	"queue_position":  SortByQueuePosition,
	"position":        SortByQueuePosition,
	"flowfile_uuid":   SortByUUID,
	"uuid":            SortByUUID,
	"identifier":      SortByUUID,
	"id":              SortByUUID,
	"filename":        SortByFilename,
	"flowfile_size":   SortBySize,
	"size":            SortBySize,
	"queued_duration": SortByQueuedDuration,
	"queued":          SortByQueuedDuration,
	"flowfile_age":    SortByLineageAge,
	"age":             SortByLineageAge,
	"lineage":         SortByLineageAge,
	"penalization":    SortByPenalization,
	"penalized":       SortByPenalization,
}

// ParseSortColumn resolves a column name, accepting both the canonical
// upper-case names and short aliases such as "size" or "identifier".
func ParseSortColumn(s string) (SortColumn, error) {
	col, ok := sortColumnAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", &ValidationError{Field: "sortColumn", Msg: fmt.Sprintf("unknown sort column %q", s)}
	}
	return col, nil
}

// Valid reports whether c is one of the canonical sort columns.
func (c SortColumn) Valid() bool {
	switch c {
	case SortByQueuePosition, SortByUUID, SortByFilename, SortBySize,
		SortByQueuedDuration, SortByLineageAge, SortByPenalization:
		return true
	}
	return false
}

// SortDirection orders a listing ascending or descending.
type SortDirection string

const (
	Ascending  SortDirection = "ASCENDING"
	Descending SortDirection = "DESCENDING"
)

// ParseSortDirection accepts "asc", "ascending", "desc" and "descending" in any case.
func ParseSortDirection(s string) (SortDirection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending":
		return Ascending, nil
	case "desc", "descending":
		return Descending, nil
	}
	return "", &ValidationError{Field: "sortDirection", Msg: fmt.Sprintf("unknown sort direction %q", s)}
}

// Valid reports whether d is Ascending or Descending.
func (d SortDirection) Valid() bool {
	return d == Ascending || d == Descending
}

// QueueSize is an item count and the total bytes those items occupy.
type QueueSize struct {
	Count int64 `json:"objectCount"`
	Bytes int64 `json:"byteCount"`
}

// Add returns the component-wise sum of q and o.
func (q QueueSize) Add(o QueueSize) QueueSize {
	return QueueSize{Count: q.Count + o.Count, Bytes: q.Bytes + o.Bytes}
}

// Sub returns q minus o with each component floored at zero.
func (q QueueSize) Sub(o QueueSize) QueueSize {
	out := QueueSize{Count: q.Count - o.Count, Bytes: q.Bytes - o.Bytes}
	if out.Count < 0 {
		out.Count = 0
	}
	if out.Bytes < 0 {
		out.Bytes = 0
	}
	return out
}

func (q QueueSize) validate(field string) error {
	if q.Count < 0 || q.Bytes < 0 {
		return &ValidationError{Field: field, Msg: fmt.Sprintf("negative queue size (%d items, %d bytes)", q.Count, q.Bytes)}
	}
	return nil
}

// FlowUnitSummary is the lightweight view of one queued flow unit that a
// node returns for a listing. Durations are in milliseconds.
type FlowUnitSummary struct {
	UUID            string `json:"uuid"`
	Filename        string `json:"filename,omitempty"`
	Position        int64  `json:"position"`
	Size            int64  `json:"size"`
	QueuedDuration  int64  `json:"queuedDuration"`
	LineageDuration int64  `json:"lineageDuration"`
	Penalized       bool   `json:"penalized"`
	NodeID          string `json:"clusterNodeId,omitempty"`
	NodeAddress     string `json:"clusterNodeAddress,omitempty"`
	// URI locates the unit on the coordinator. It is set on listings
	// served to clients, never by nodes.
	URI string `json:"uri,omitempty"`
}

// Params are the immutable inputs of a request supplied at submission.
type Params struct {
	Kind          Kind
	SortColumn    SortColumn
	SortDirection SortDirection
	// MaxResults caps the merged listing; zero means unbounded.
	MaxResults int
	// QueueSize is the queue size observed before any step ran.
	QueueSize QueueSize
}

// Validate rejects parameters that can never produce a request.
func (p Params) Validate() error {
	if !p.Kind.Valid() {
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown request kind %q", p.Kind)}
	}
	if err := p.QueueSize.validate("queueSize"); err != nil {
		return err
	}
	if p.Kind != KindListing {
		return nil
	}
	if p.SortColumn == "" {
		return &ValidationError{Field: "sortColumn", Msg: "a listing requires a sort column"}
	}
	if !p.SortColumn.Valid() {
		return &ValidationError{Field: "sortColumn", Msg: fmt.Sprintf("unknown sort column %q", p.SortColumn)}
	}
	if !p.SortDirection.Valid() {
		return &ValidationError{Field: "sortDirection", Msg: fmt.Sprintf("unknown sort direction %q", p.SortDirection)}
	}
	if p.MaxResults < 0 {
		return &ValidationError{Field: "maxResults", Msg: "must not be negative"}
	}
	return nil
}

// StepPayload is one node's contribution to a request. It is either a
// ListingPage or a DropTally; the tracker rejects a payload whose kind does
// not match its own.
type StepPayload interface {
	payloadKind() Kind
}

// ListingPage is a node's sorted page of summaries.
type ListingPage struct {
	Summaries []FlowUnitSummary
}

func (ListingPage) payloadKind() Kind { return KindListing }

// DropTally is what a node removed from its queue.
type DropTally struct {
	Dropped QueueSize
}

func (DropTally) payloadKind() Kind { return KindDrop }

// Snapshot is a consistent, immutable read of a request. It is also the
// document returned to clients when they submit or poll.
type Snapshot struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	State            State     `json:"state"`
	PercentCompleted int       `json:"percentCompleted"`
	SubmissionTime   time.Time `json:"submissionTime"`
	LastUpdated      time.Time `json:"lastUpdated"`
	FailureReason    string    `json:"failureReason,omitempty"`
	QueueSize        QueueSize `json:"queueSize"`
	NumSteps         int       `json:"numSteps"`
	CompletedSteps   int       `json:"completedSteps"`

	SortColumn        SortColumn        `json:"sortColumn,omitempty"`
	SortDirection     SortDirection     `json:"sortDirection,omitempty"`
	MaxResults        int               `json:"maxResults,omitempty"`
	FlowUnitSummaries []FlowUnitSummary `json:"flowUnitSummaries,omitempty"`

	DroppedCount *int64     `json:"droppedCount,omitempty"`
	DroppedSize  *int64     `json:"droppedSize,omitempty"`
	CurrentSize  *QueueSize `json:"currentSize,omitempty"`
}
