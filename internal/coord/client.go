package coord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Client is a typed client for a node's HTTP API. Errors carry the
// coordination sentinels, so callers can errors.Is against ErrNotFound
// and friends regardless of which side of the wire they run on.
type Client struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewClient creates a client for one node's API endpoint.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func recordPath(prefix, ns, set, key string) string {
	return prefix + url.PathEscape(ns) + "/" + url.PathEscape(set) + "/" + url.PathEscape(key)
}

// Get fetches a record.
func (c *Client) Get(ns, set, key string) (*proto.RecordResponse, error) {
	resp, err := c.doRequest(http.MethodGet, recordPath("/v1/kv/", ns, set, key), nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.RecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// Put writes a record.
func (c *Client) Put(ns, set, key string, bins []proto.Bin, opts WriteOptions) (*proto.WriteResponse, error) {
	body, err := json.Marshal(proto.WriteRequest{Bins: bins})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(http.MethodPut, recordPath("/v1/kv/", ns, set, key), body, optionHeaders(opts))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// Delete removes a record.
func (c *Client) Delete(ns, set, key string, opts WriteOptions) (*proto.WriteResponse, error) {
	resp, err := c.doRequest(http.MethodDelete, recordPath("/v1/kv/", ns, set, key), nil, optionHeaders(opts))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result proto.WriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// Status fetches the node's status report.
func (c *Client) Status() (*StatusReport, error) {
	resp, err := c.doRequest(http.MethodGet, "/admin/status", nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// ReplicaStatus probes the replicas holding a record's partition.
func (c *Client) ReplicaStatus(ns, set, key string) ([]PingStatus, error) {
	resp, err := c.doRequest(http.MethodGet, recordPath("/admin/ping/", ns, set, key), nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Replicas []PingStatus `json:"replicas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Replicas, nil
}

// RegistrySnapshot fetches the node's in-flight transaction entries.
func (c *Client) RegistrySnapshot() ([]EntrySnapshot, error) {
	resp, err := c.doRequest(http.MethodGet, "/admin/registry", nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result struct {
		Entries []EntrySnapshot `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Entries, nil
}

// optionHeaders renders write options as API headers.
func optionHeaders(opts WriteOptions) map[string]string {
	h := make(map[string]string)
	if opts.GenPolicy != record.GenIgnore {
		h["X-MeshKV-Expect-Generation"] = strconv.FormatUint(uint64(opts.ExpectGeneration), 10)
		if opts.GenPolicy == record.GenGreater {
			h["X-MeshKV-Generation-Policy"] = "greater"
		}
	}
	switch opts.TTL {
	case 0:
	case record.TTLNeverExpire:
		h["X-MeshKV-TTL"] = "never"
	case record.TTLDontUpdate:
		h["X-MeshKV-TTL"] = "no-change"
	default:
		h["X-MeshKV-TTL"] = strconv.FormatUint(uint64(opts.TTL), 10)
	}
	if opts.CommitAll != nil {
		if *opts.CommitAll {
			h["X-MeshKV-Commit-Level"] = "all"
		} else {
			h["X-MeshKV-Commit-Level"] = "master"
		}
	}
	return h
}

func (c *Client) doRequest(method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.client.Do(req)
}

// parseError converts an API error response back into the sentinel the
// server mapped it from.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	message := ""
	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		message = errResp.Message
	} else {
		message = fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))
	}

	if sentinel := statusSentinel(resp.StatusCode); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return fmt.Errorf("request failed: %s", message)
}

func statusSentinel(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrTombstone
	case http.StatusConflict:
		return ErrGeneration
	case http.StatusGatewayTimeout:
		return ErrTimeout
	case http.StatusMisdirectedRequest:
		return ErrNotMaster
	case http.StatusBadRequest:
		return ErrForbidden
	case http.StatusServiceUnavailable:
		return ErrRegime
	default:
		return nil
	}
}

// BaseURL returns the node endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections drops pooled connections, for callers cycling
// between nodes.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
