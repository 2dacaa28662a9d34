package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StatusError is a non-2xx reply from the admin API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("admin API: %d %s", e.Code, e.Message)
}

// Client talks to a Server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the admin API at baseURL. A nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Status fetches the current status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Checkpoint fetches the checkpoint summary.
func (c *Client) Checkpoint(ctx context.Context) (CheckpointResponse, error) {
	var cp CheckpointResponse
	err := c.do(ctx, http.MethodGet, "/checkpoint", nil, &cp)
	return cp, err
}

// Retry asks the replicator to reconnect now.
func (c *Client) Retry(ctx context.Context, resetCount bool) error {
	q := url.Values{"reset": {strconv.FormatBool(resetCount)}}
	return c.do(ctx, http.MethodPost, "/retry", q, nil)
}

func (c *Client) SetSuspended(ctx context.Context, suspended bool) error {
	path := "/resume"
	if suspended {
		path = "/suspend"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) SetHostReachable(ctx context.Context, reachable bool) error {
	q := url.Values{"reachable": {strconv.FormatBool(reachable)}}
	return c.do(ctx, http.MethodPost, "/reachability", q, nil)
}

// StreamStatus calls fn with every status the server streams until ctx is
// done or the stream ends. A stream closed by the server returns io.EOF.
func (c *Client) StreamStatus(ctx context.Context, fn func(StatusResponse)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var st StatusResponse
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return fmt.Errorf("malformed status event: %w", err)
		}
		fn(st)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(data))
	}
	return &StatusError{Code: resp.StatusCode, Message: body.Message}
}
