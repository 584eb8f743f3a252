package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// ErrorResponse is the JSON body every Sluice endpoint returns on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by the JSON helpers when the peer answers with a
// non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
	Body       []byte // raw response body, truncated
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

func DeleteJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodDelete, url, nil, out)
}

func doJSON(ctx context.Context, c *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(url string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var er ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &StatusError{URL: url, StatusCode: resp.StatusCode, Message: msg, Body: raw}
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}
