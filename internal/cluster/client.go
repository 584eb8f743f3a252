package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dreamware/sluice/internal/request"
)

// Client calls the node-facing queue endpoints. Deadlines come from the
// context of each call, so the underlying http.Client carries no timeout of
// its own: a listing of a large queue may legitimately run longer than a
// health check.
//
// Every transport or status error is returned as a
// *request.NodeUnavailableError naming the node.
type Client struct {
	http *http.Client
}

// NewClient returns a Client using hc, or a fresh http.Client when hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{http: hc}
}

// ExecuteListing runs a listing step on node.
func (c *Client) ExecuteListing(ctx context.Context, node NodeInfo, req ListingRequest) (ListingResponse, error) {
	var resp ListingResponse
	if err := doJSON(ctx, c.http, http.MethodPost, nodeURL(node, PathListing), req, &resp); err != nil {
		return ListingResponse{}, unavailable(node, err)
	}
	return resp, nil
}

// ExecuteDrop runs a drop step on node. When the node stopped part way the
// error is returned with the partial tally the node reported.
func (c *Client) ExecuteDrop(ctx context.Context, node NodeInfo, req DropRequest) (DropResponse, error) {
	var resp DropResponse
	if err := doJSON(ctx, c.http, http.MethodPost, nodeURL(node, PathDrop), req, &resp); err != nil {
		var partial DropResponse
		var se *StatusError
		if errors.As(err, &se) && json.Unmarshal(se.Body, &partial) == nil {
			partial.Error = ""
		} else {
			partial = DropResponse{}
		}
		return partial, unavailable(node, err)
	}
	return resp, nil
}

// FlowUnit fetches the summary of one unit queued on node.
func (c *Client) FlowUnit(ctx context.Context, node NodeInfo, uuid string) (request.FlowUnitSummary, error) {
	var summary request.FlowUnitSummary
	if err := doJSON(ctx, c.http, http.MethodGet, nodeURL(node, FlowUnitPath(uuid)), nil, &summary); err != nil {
		return request.FlowUnitSummary{}, unavailable(node, err)
	}
	return summary, nil
}

// Cancel asks node to abandon requestID. It reports whether the node was
// still executing it.
func (c *Client) Cancel(ctx context.Context, node NodeInfo, requestID string) (bool, error) {
	var resp CancelResponse
	if err := doJSON(ctx, c.http, http.MethodPost, nodeURL(node, PathCancel), CancelRequest{RequestID: requestID}, &resp); err != nil {
		return false, unavailable(node, err)
	}
	return resp.Canceled, nil
}

// QueueSize reads the size of node's queue.
func (c *Client) QueueSize(ctx context.Context, node NodeInfo) (request.QueueSize, error) {
	var size request.QueueSize
	if err := doJSON(ctx, c.http, http.MethodGet, nodeURL(node, PathSize), nil, &size); err != nil {
		return request.QueueSize{}, unavailable(node, err)
	}
	return size, nil
}

// Health checks node's liveness endpoint.
func (c *Client) Health(ctx context.Context, node NodeInfo) error {
	if err := doJSON(ctx, c.http, http.MethodGet, nodeURL(node, PathHealth), nil, nil); err != nil {
		return unavailable(node, err)
	}
	return nil
}

// nodeURL joins a node address and path, accepting both "host:port" and
// full URLs.
func nodeURL(node NodeInfo, path string) string {
	addr := node.Addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + path
}

func unavailable(node NodeInfo, err error) error {
	return &request.NodeUnavailableError{NodeID: node.ID, Err: err}
}
