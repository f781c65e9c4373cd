package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotInHub is recorded for identifiers the hub does not know yet.
var ErrNotInHub = errors.New("product not found in hub")

// HubResult holds the publication dates found and the identifiers that
// could not be resolved.
type HubResult struct {
	Dates  map[string]time.Time
	Failed map[string]error
}

// PublicationDater resolves source-agency publication dates.
type PublicationDater interface {
	PublicationDates(ctx context.Context, ids []string) HubResult
}

// HubClient queries the source-agency OData hub.
type HubClient struct {
	baseURL        string
	username       string
	password       string
	maxFilterBytes int
	parallel       int
	client         *http.Client
	logger         *zap.Logger
}

// NewHubClient creates a hub client authenticating with basic auth.
func NewHubClient(baseURL, username, password string, maxFilterBytes, parallel int, timeout time.Duration, logger *zap.Logger) *HubClient {
	if maxFilterBytes <= 0 {
		maxFilterBytes = 1024
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &HubClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		username:       username,
		password:       password,
		maxFilterBytes: maxFilterBytes,
		parallel:       parallel,
		client:         &http.Client{Timeout: timeout},
		logger:         logger.Named("hub"),
	}
}

type odataResponse struct {
	D struct {
		Results []struct {
			Name          string `json:"Name"`
			IngestionDate string `json:"IngestionDate"`
		} `json:"results"`
	} `json:"d"`
}

// PublicationDates resolves ids in batches whose filter fits the hub's
// limit. A failed batch marks each of its ids failed.
func (c *HubClient) PublicationDates(ctx context.Context, ids []string) HubResult {
	result := HubResult{Dates: make(map[string]time.Time), Failed: make(map[string]error)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for _, batch := range BatchFilters(ids, c.maxFilterBytes) {
		batch := batch
		g.Go(func() error {
			dates, err := c.query(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			for _, id := range batch {
				switch {
				case err != nil:
					result.Failed[id] = err
				case dates[id].IsZero():
					result.Failed[id] = ErrNotInHub
				default:
					result.Dates[id] = dates[id]
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func filterFor(ids []string) string {
	clauses := make([]string, 0, len(ids))
	for _, id := range ids {
		clauses = append(clauses, fmt.Sprintf("Name eq '%s'", id))
	}
	return strings.Join(clauses, " or ")
}

// BatchFilters groups ids so that each OData filter stays within maxBytes.
// An id longer than the limit travels alone.
func BatchFilters(ids []string, maxBytes int) [][]string {
	var batches [][]string
	var current []string
	for _, id := range ids {
		candidate := append(append([]string(nil), current...), id)
		if len(current) > 0 && len(filterFor(candidate)) > maxBytes {
			batches = append(batches, current)
			current = []string{id}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (c *HubClient) query(ctx context.Context, ids []string) (map[string]time.Time, error) {
	params := url.Values{}
	params.Set("$filter", filterFor(ids))
	params.Set("$format", "json")
	u := fmt.Sprintf("%s/odata/v1/Products?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.username != "" && c.password != "" {
		httpReq.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrCatalogueStatus, resp.StatusCode)
	}

	var body odataResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding hub response: %w", err)
	}
	dates := make(map[string]time.Time, len(body.D.Results))
	for _, r := range body.D.Results {
		t, err := ParseODataDate(r.IngestionDate)
		if err != nil {
			c.logger.Warn("Hub entry ignored", zap.String("name", r.Name), zap.Error(err))
			continue
		}
		dates[r.Name] = t
	}
	return dates, nil
}

var odataDate = regexp.MustCompile(`^/Date\((-?\d+)\)/$`)

// ParseODataDate reads "/Date(<ms>)/" or an RFC 3339 timestamp.
func ParseODataDate(s string) (time.Time, error) {
	if m := odataDate.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return parseCatalogueTime(s)
}
