package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for store transport failures.
var (
	ErrStoreUnreachable = errors.New("store unreachable")
	ErrStoreTimeout     = errors.New("store request timeout")
	ErrStoreRequest     = errors.New("store request error")
)

// RESTClient talks to the relational store through its HTTP interface: one
// endpoint per table and one /rpc endpoint per stored procedure.
type RESTClient struct {
	baseURL string
	client  *http.Client
}

// NewRESTClient creates a client for the store at baseURL. The per-request
// timeout is applied by the caller's context.
func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// Insert posts one row and returns the stored representation.
func (c *RESTClient) Insert(ctx context.Context, table string, row map[string]interface{}) (map[string]interface{}, error) {
	headers := map[string]string{"Prefer": "return=representation"}
	rows, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+table, row, headers)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: insert into %s returned no row", ErrStoreRequest, table)
	}
	return rows[0], nil
}

// Update patches every row matched by q.
func (c *RESTClient) Update(ctx context.Context, table string, q *Query, values map[string]interface{}) error {
	if q == nil || len(q.Filters()) == 0 {
		return fmt.Errorf("%w: refusing unfiltered update of %s", ErrStoreRequest, table)
	}
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, table, q.Values().Encode())
	_, err := c.do(ctx, http.MethodPatch, u, values, nil)
	return err
}

// Select reads the rows matched by q.
func (c *RESTClient) Select(ctx context.Context, table string, q *Query) ([]map[string]interface{}, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, table)
	if encoded := q.Values().Encode(); encoded != "" {
		u += "?" + encoded
	}
	return c.do(ctx, http.MethodGet, u, nil, nil)
}

// Call runs a stored procedure taking a single JSON object.
func (c *RESTClient) Call(ctx context.Context, name string, params map[string]interface{}) ([]map[string]interface{}, error) {
	headers := map[string]string{"Prefer": "params=single-object"}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/rpc/%s", c.baseURL, name), params, headers)
}

func (c *RESTClient) do(ctx context.Context, method, u string, body interface{}, headers map[string]string) ([]map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrStoreRequest, method, u, resp.StatusCode, truncate(string(data), 512))
	}
	return decodeRows(data)
}

// decodeRows accepts an array of rows, a single row, a scalar or nothing.
func decodeRows(data []byte) ([]map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	switch data[0] {
	case '[':
		var rows []map[string]interface{}
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("decoding store rows: %w", err)
		}
		return rows, nil
	case '{':
		var row map[string]interface{}
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding store row: %w", err)
		}
		return []map[string]interface{}{row}, nil
	default:
		var scalar interface{}
		if err := dec.Decode(&scalar); err != nil {
			return nil, fmt.Errorf("decoding store value: %w", err)
		}
		return []map[string]interface{}{{"value": scalar}}, nil
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// requestTimeout is applied to table requests.
const requestTimeout = 30 * time.Second
