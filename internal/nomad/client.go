package nomad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors for scheduler failures.
var (
	ErrNotFound    = errors.New("nomad resource not found")
	ErrTimeout     = errors.New("nomad request timeout")
	ErrRefused     = errors.New("nomad connection refused")
	ErrUnreachable = errors.New("nomad unreachable")
	ErrStatus      = errors.New("nomad error status")
)

// Allocation client statuses.
const (
	AllocPending  = "pending"
	AllocRunning  = "running"
	AllocComplete = "complete"
	AllocFailed   = "failed"
	AllocLost     = "lost"
)

// Node scheduling eligibility values.
const (
	NodeEligible   = "eligible"
	NodeIneligible = "ineligible"
)

// TaskGroupSummary counts allocations of a task group by state.
type TaskGroupSummary struct {
	Queued   int `json:"Queued"`
	Complete int `json:"Complete"`
	Failed   int `json:"Failed"`
	Running  int `json:"Running"`
	Starting int `json:"Starting"`
	Lost     int `json:"Lost"`
}

// JobSummary is the allocation summary of a dispatched job.
type JobSummary struct {
	JobID   string                      `json:"JobID"`
	Summary map[string]TaskGroupSummary `json:"Summary"`
}

// Totals sums the task groups.
func (s *JobSummary) Totals() TaskGroupSummary {
	var t TaskGroupSummary
	for _, g := range s.Summary {
		t.Queued += g.Queued
		t.Complete += g.Complete
		t.Failed += g.Failed
		t.Running += g.Running
		t.Starting += g.Starting
		t.Lost += g.Lost
	}
	return t
}

// Allocation is one placement of a job on a node.
type Allocation struct {
	ID           string `json:"ID"`
	JobID        string `json:"JobID"`
	NodeID       string `json:"NodeID"`
	TaskGroup    string `json:"TaskGroup"`
	ClientStatus string `json:"ClientStatus"`
	// ModifyTime is in nanoseconds since the epoch.
	ModifyTime int64 `json:"ModifyTime"`
}

// Modified returns ModifyTime as a time.
func (a Allocation) Modified() time.Time {
	return time.Unix(0, a.ModifyTime).UTC()
}

// Node is a scheduler client machine.
type Node struct {
	ID                    string `json:"ID"`
	Name                  string `json:"Name"`
	Address               string `json:"Address"`
	NodeClass             string `json:"NodeClass"`
	Status                string `json:"Status"`
	SchedulingEligibility string `json:"SchedulingEligibility"`
}

// JobListStub is an entry of the job list.
type JobListStub struct {
	ID       string `json:"ID"`
	ParentID string `json:"ParentID"`
	Status   string `json:"Status"`
}

// Client talks to the batch scheduler HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a scheduler client for baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Dispatch runs an instance of the parameterised job jobName and returns
// the dispatch id.
func (c *Client) Dispatch(ctx context.Context, jobName string, meta map[string]string) (string, error) {
	var out struct {
		DispatchedJobID string `json:"DispatchedJobID"`
	}
	body := map[string]interface{}{"Meta": meta}
	if err := c.do(ctx, http.MethodPost, "/v1/job/"+url.PathEscape(jobName)+"/dispatch", body, &out); err != nil {
		return "", err
	}
	if out.DispatchedJobID == "" {
		return "", fmt.Errorf("%w: dispatch of %s returned no id", ErrStatus, jobName)
	}
	return out.DispatchedJobID, nil
}

// Summary returns the allocation summary of a dispatched job.
func (c *Client) Summary(ctx context.Context, dispatchID string) (*JobSummary, error) {
	var out JobSummary
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(dispatchID)+"/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Allocations lists the allocations of a dispatched job.
func (c *Client) Allocations(ctx context.Context, dispatchID string) ([]Allocation, error) {
	var out []Allocation
	err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(dispatchID)+"/allocations", nil, &out)
	return out, err
}

// Allocation reads one allocation.
func (c *Client) Allocation(ctx context.Context, allocID string) (*Allocation, error) {
	var out Allocation
	if err := c.do(ctx, http.MethodGet, "/v1/allocation/"+url.PathEscape(allocID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deregister stops and purges a dispatched job.
func (c *Client) Deregister(ctx context.Context, dispatchID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/job/"+url.PathEscape(dispatchID)+"?purge=true", nil, nil)
}

// Jobs lists the jobs whose id starts with prefix.
func (c *Client) Jobs(ctx context.Context, prefix string) ([]JobListStub, error) {
	var out []JobListStub
	err := c.do(ctx, http.MethodGet, "/v1/jobs?prefix="+url.QueryEscape(prefix), nil, &out)
	return out, err
}

// Nodes lists the client nodes.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var out []Node
	err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &out)
	return out, err
}

// NodeAllocations lists the allocations placed on a node.
func (c *Client) NodeAllocations(ctx context.Context, nodeID string) ([]Allocation, error) {
	var out []Allocation
	err := c.do(ctx, http.MethodGet, "/v1/node/"+url.PathEscape(nodeID)+"/allocations", nil, &out)
	return out, err
}

// SetEligibility toggles whether the scheduler may place work on a node.
func (c *Client) SetEligibility(ctx context.Context, nodeID string, eligible bool) error {
	value := NodeIneligible
	if eligible {
		value = NodeEligible
	}
	body := map[string]string{"NodeID": nodeID, "Eligibility": value}
	return c.do(ctx, http.MethodPost, "/v1/node/"+url.PathEscape(nodeID)+"/eligibility", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrStatus, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrRefused, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
