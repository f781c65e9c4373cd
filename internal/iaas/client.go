package iaas

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
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

// Sentinel errors for compute API failures.
var (
	ErrNotFound    = errors.New("iaas resource not found")
	ErrTimeout     = errors.New("iaas request timeout")
	ErrUnreachable = errors.New("iaas unreachable")
	ErrStatus      = errors.New("iaas error status")
)

// Server is a compute instance.
type Server struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Status         string            `json:"status"`
	Created        time.Time         `json:"created"`
	FlavorID       string            `json:"flavor_id"`
	ImageID        string            `json:"image_id"`
	KeyName        string            `json:"key_name"`
	Networks       []string          `json:"networks"`
	SecurityGroups []string          `json:"security_groups"`
	Addresses      []string          `json:"addresses"`
	Metadata       map[string]string `json:"metadata"`
}

// PrivateIP returns the first address of the server, "" when it has none.
func (s Server) PrivateIP() string {
	if len(s.Addresses) == 0 {
		return ""
	}
	return s.Addresses[0]
}

// Image is a server snapshot.
type Image struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Image statuses.
const (
	ImageActive = "active"
	ImageQueued = "queued"
	ImageSaving = "saving"
)

// Flavor is a server size.
type Flavor struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	VCPUs int    `json:"vcpus"`
}

// CreateServerRequest describes a server to boot.
type CreateServerRequest struct {
	Name           string            `json:"name"`
	ImageID        string            `json:"image_id"`
	FlavorID       string            `json:"flavor_id"`
	Networks       []string          `json:"networks"`
	SecurityGroups []string          `json:"security_groups"`
	KeyName        string            `json:"key_name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Client talks to the compute API. Every request waits on a shared rate
// limiter.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	limiter  *rate.Limiter
}

// Options configures a Client.
type Options struct {
	Username          string
	Password          string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// NewClient creates a compute API client for baseURL.
func NewClient(baseURL string, opts Options) *Client {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		client:   &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// ListServers returns every server of the project.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// FindServer returns the server named name.
func (c *Client) FindServer(ctx context.Context, name string) (*Server, error) {
	var out struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers?name="+url.QueryEscape(name), nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Servers {
		if out.Servers[i].Name == name {
			return &out.Servers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: server %s", ErrNotFound, name)
}

// ConsoleOutput returns the boot console log of a server.
func (c *Client) ConsoleOutput(ctx context.Context, serverID string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(serverID)+"/console", nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// CreateServer boots a server and returns it as first reported.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	var out struct {
		Server Server `json:"server"`
	}
	body := map[string]interface{}{"server": req}
	if err := c.do(ctx, http.MethodPost, "/servers", body, &out); err != nil {
		return nil, err
	}
	return &out.Server, nil
}

// DeleteServer deletes a server. A missing server is not an error.
func (c *Client) DeleteServer(ctx context.Context, serverID string) error {
	err := c.do(ctx, http.MethodDelete, "/servers/"+url.PathEscape(serverID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// DeleteServers deletes every listed server and reports all failures.
func (c *Client) DeleteServers(ctx context.Context, serverIDs []string) error {
	var result *multierror.Error
	for _, id := range serverIDs {
		if err := c.DeleteServer(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("deleting server %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// CreateImage snapshots a server.
func (c *Client) CreateImage(ctx context.Context, serverID, name string) (*Image, error) {
	var out struct {
		Image Image `json:"image"`
	}
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(serverID)+"/image", body, &out); err != nil {
		return nil, err
	}
	return &out.Image, nil
}

// GetImage reads an image.
func (c *Client) GetImage(ctx context.Context, imageID string) (*Image, error) {
	var out struct {
		Image Image `json:"image"`
	}
	if err := c.do(ctx, http.MethodGet, "/images/"+url.PathEscape(imageID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Image, nil
}

// ListImages returns the images whose name starts with prefix, newest first.
func (c *Client) ListImages(ctx context.Context, prefix string) ([]Image, error) {
	var out struct {
		Images []Image `json:"images"`
	}
	if err := c.do(ctx, http.MethodGet, "/images", nil, &out); err != nil {
		return nil, err
	}
	var images []Image
	for _, img := range out.Images {
		if strings.HasPrefix(img.Name, prefix) {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

// DeleteImage deletes an image. A missing image is not an error.
func (c *Client) DeleteImage(ctx context.Context, imageID string) error {
	err := c.do(ctx, http.MethodDelete, "/images/"+url.PathEscape(imageID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Flavors lists the server sizes.
func (c *Client) Flavors(ctx context.Context) ([]Flavor, error) {
	var out struct {
		Flavors []Flavor `json:"flavors"`
	}
	if err := c.do(ctx, http.MethodGet, "/flavors", nil, &out); err != nil {
		return nil, err
	}
	return out.Flavors, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

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
	httpReq.SetBasicAuth(c.username, c.password)
	httpReq.Header.Set("Accept", "application/json")
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

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
