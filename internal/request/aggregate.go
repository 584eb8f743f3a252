package request

import (
	"cmp"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// Aggregator folds step payloads into a request's result. Implementations
// are not safe for concurrent use; the owning Tracker serializes calls.
type Aggregator interface {
	// Accumulate merges one step's payload into the running result. On
	// error the running result is left unchanged.
	Accumulate(p StepPayload) error

	// Fill copies the running result into s.
	Fill(s *Snapshot)
}

// NewAggregator returns the aggregator matching p.Kind.
func NewAggregator(p Params) (Aggregator, error) {
	switch p.Kind {
	case KindListing:
		return NewListingAggregator(p.SortColumn, p.SortDirection, p.MaxResults), nil
	case KindDrop:
		return NewDropAggregator(p.QueueSize), nil
	}
	return nil, &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown request kind %q", p.Kind)}
}

// CompareSummaries returns the ordering used for listings: col in direction
// dir, then UUID ascending, then node id ascending. Two summaries compare
// equal only when they name the same unit on the same node, so the merged
// order never depends on the order pages arrived in.
func CompareSummaries(col SortColumn, dir SortDirection) func(a, b FlowUnitSummary) int {
	primary := columnComparator(col)
	return func(a, b FlowUnitSummary) int {
		c := primary(a, b)
		if dir == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c = cmp.Compare(a.UUID, b.UUID); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	}
}

func columnComparator(col SortColumn) func(a, b FlowUnitSummary) int {
	switch col {
	case SortByUUID:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.UUID, b.UUID) }
	case SortByFilename:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.Filename, b.Filename) }
	case SortBySize:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.Size, b.Size) }
	case SortByQueuedDuration:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.QueuedDuration, b.QueuedDuration) }
	case SortByLineageAge:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.LineageDuration, b.LineageDuration) }
	case SortByPenalization:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(boolRank(a.Penalized), boolRank(b.Penalized)) }
	default:
		return func(a, b FlowUnitSummary) int { return cmp.Compare(a.Position, b.Position) }
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListingAggregator keeps a globally ordered listing built from per-node
// pages. Every page is merged into the current result with the same
// comparator rather than appended.
type ListingAggregator struct {
	compare    func(a, b FlowUnitSummary) int
	results    []FlowUnitSummary
	maxResults int
}

// NewListingAggregator orders by col and dir and keeps at most maxResults
// summaries (zero keeps all of them).
func NewListingAggregator(col SortColumn, dir SortDirection, maxResults int) *ListingAggregator {
	return &ListingAggregator{
		compare:    CompareSummaries(col, dir),
		maxResults: maxResults,
	}
}

// Accumulate merges a ListingPage. Pages are expected sorted but are
// re-sorted stably so a misbehaving node cannot break the global order.
func (l *ListingAggregator) Accumulate(p StepPayload) error {
	page, ok := p.(ListingPage)
	if !ok {
		return fmt.Errorf("listing aggregator: unexpected %T payload", p)
	}
	incoming := slices.Clone(page.Summaries)
	if !slices.IsSortedFunc(incoming, l.compare) {
		slices.SortStableFunc(incoming, l.compare)
	}
	merged := mergeSorted(l.results, incoming, l.compare)
	if l.maxResults > 0 && len(merged) > l.maxResults {
		merged = merged[:l.maxResults]
	}
	l.results = merged
	return nil
}

// Results returns a copy of the merged listing.
func (l *ListingAggregator) Results() []FlowUnitSummary {
	return slices.Clone(l.results)
}

// Fill implements Aggregator.
func (l *ListingAggregator) Fill(s *Snapshot) {
	s.FlowUnitSummaries = l.Results()
}

// mergeSorted merges two sorted runs into a new slice. On ties the element
// from a comes first.
func mergeSorted(a, b []FlowUnitSummary, compare func(x, y FlowUnitSummary) int) []FlowUnitSummary {
	out := make([]FlowUnitSummary, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if compare(b[j], a[i]) < 0 {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// DropAggregator sums what each node dropped.
type DropAggregator struct {
	submitted QueueSize
	dropped   QueueSize
}

// NewDropAggregator tracks drops against the queue size seen at submission.
func NewDropAggregator(submitted QueueSize) *DropAggregator {
	return &DropAggregator{submitted: submitted}
}

// Accumulate adds a DropTally. Negative tallies are rejected.
func (d *DropAggregator) Accumulate(p StepPayload) error {
	tally, ok := p.(DropTally)
	if !ok {
		return fmt.Errorf("drop aggregator: unexpected %T payload", p)
	}
	if tally.Dropped.Count < 0 || tally.Dropped.Bytes < 0 {
		return errors.New("drop aggregator: negative drop tally")
	}
	d.dropped = d.dropped.Add(tally.Dropped)
	return nil
}

// Dropped returns the running totals.
func (d *DropAggregator) Dropped() QueueSize {
	return d.dropped
}

// Fill implements Aggregator.
func (d *DropAggregator) Fill(s *Snapshot) {
	count, size := d.dropped.Count, d.dropped.Bytes
	current := d.submitted.Sub(d.dropped)
	s.DroppedCount = &count
	s.DroppedSize = &size
	s.CurrentSize = &current
}
