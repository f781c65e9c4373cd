package catalogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	csierr "github.com/cosims/nrt-orchestrator/internal/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collections served by the resto catalogues.
const (
	CollectionSentinel1 = "Sentinel1"
	CollectionSentinel2 = "Sentinel2"
	CollectionHRSI      = "HRSI"
)

// Sentinel errors for catalogue transport failures.
var (
	ErrCatalogueUnreachable = errors.New("catalogue unreachable")
	ErrCatalogueTimeout     = errors.New("catalogue timeout")
	ErrCatalogueStatus      = errors.New("catalogue error status")
)

// SearchRequest selects products published in a window.
type SearchRequest struct {
	Collection string
	// Params are collection-specific filters such as productType.
	Params          url.Values
	PublishedAfter  time.Time
	PublishedBefore time.Time
	// GeometryWKT restricts results to an area.
	GeometryWKT string
	// MaxPages caps paging when PublishedAfter is zero.
	MaxPages int
}

// Searcher finds products in a catalogue.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]Product, error)
}

// RestoOptions tunes a RestoClient.
type RestoOptions struct {
	PageSize      int
	Parallel      int
	RateLimitWait time.Duration
	Timeout       time.Duration
	// OverloadedSubtype names the external error returned when the
	// catalogue keeps rate limiting past the caller's deadline.
	OverloadedSubtype string
}

// RestoClient pages through a resto-style search API.
type RestoClient struct {
	baseURL string
	opts    RestoOptions
	client  *http.Client
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRestoClient creates a client for the catalogue at baseURL.
func NewRestoClient(baseURL string, opts RestoOptions, logger *zap.Logger) *RestoClient {
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	if opts.RateLimitWait <= 0 {
		opts.RateLimitWait = 60 * time.Second
	}
	return &RestoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger,
		sleep:   sleepContext,
	}
}

// NewCreodias returns the client of the optical and radar catalogue.
func NewCreodias(baseURL string, opts RestoOptions, logger *zap.Logger) *RestoClient {
	opts.OverloadedSubtype = csierr.SubtypeCreodiasOverloaded
	return NewRestoClient(baseURL, opts, logger.Named("creodias"))
}

// NewHRSI returns the client of the HR-S&I product catalogue.
func NewHRSI(baseURL string, opts RestoOptions, logger *zap.Logger) *RestoClient {
	opts.OverloadedSubtype = csierr.SubtypeHRSIOverloaded
	return NewRestoClient(baseURL, opts, logger.Named("hrsi"))
}

// SetParallel updates the page fan-out bound.
func (c *RestoClient) SetParallel(n int) {
	if n > 0 {
		c.opts.Parallel = n
	}
}

// Search fetches every page of req. The first page gives the result count;
// the others are fetched concurrently and merged in page order. Pages that
// fail with a server or decode error are skipped.
func (c *RestoClient) Search(ctx context.Context, req SearchRequest) ([]Product, error) {
	first, total, err := c.fetchPage(ctx, req, 1)
	if err != nil {
		return nil, err
	}
	pages := (total + c.opts.PageSize - 1) / c.opts.PageSize
	if req.PublishedAfter.IsZero() && req.MaxPages > 0 && pages > req.MaxPages {
		pages = req.MaxPages
	}
	if pages <= 1 {
		return first, nil
	}

	results := make([][]Product, pages+1)
	results[1] = first
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallel)
	for page := 2; page <= pages; page++ {
		page := page
		g.Go(func() error {
			products, _, err := c.fetchPage(gctx, req, page)
			if err != nil {
				return err
			}
			results[page] = products
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Product
	for _, products := range results {
		all = append(all, products...)
	}
	return all, nil
}

func (c *RestoClient) pageURL(req SearchRequest, page int) string {
	params := url.Values{}
	for k, v := range req.Params {
		params[k] = v
	}
	params.Set("sortParam", "published")
	params.Set("sortOrder", "ascending")
	params.Set("maxRecords", strconv.Itoa(c.opts.PageSize))
	params.Set("page", strconv.Itoa(page))
	if !req.PublishedAfter.IsZero() {
		params.Set("publishedAfter", req.PublishedAfter.UTC().Format(time.RFC3339))
	}
	if !req.PublishedBefore.IsZero() {
		params.Set("publishedBefore", req.PublishedBefore.UTC().Format(time.RFC3339))
	}
	if req.GeometryWKT != "" {
		params.Set("geometry", req.GeometryWKT)
	}
	return fmt.Sprintf("%s/resto/api/collections/%s/search.json?%s", c.baseURL, req.Collection, params.Encode())
}

// fetchPage returns the products of one page and the total result count.
// A skipped page yields no products and no error.
func (c *RestoClient) fetchPage(ctx context.Context, req SearchRequest, page int) ([]Product, int, error) {
	u := c.pageURL(req, page)
	logger := c.logger.With(zap.String("collection", req.Collection), zap.Int("page", page))
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("building request: %w", err)
		}
		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			logger.Warn("Catalogue page skipped", zap.Error(classifyError(err)))
			return nil, 0, nil
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			logger.Warn("Catalogue rate limit hit, waiting", zap.Duration("wait", c.opts.RateLimitWait))
			if err := c.sleep(ctx, c.opts.RateLimitWait); err != nil {
				return nil, 0, csierr.External(c.opts.OverloadedSubtype, "catalogue still rate limiting", err)
			}
			continue
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return nil, 0, csierr.Internal(csierr.SubtypeCatalogueRequest,
				fmt.Sprintf("catalogue rejected %s", u),
				fmt.Errorf("%w: status %d", ErrCatalogueStatus, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			logger.Warn("Catalogue page skipped", zap.Int("status", resp.StatusCode))
			return nil, 0, nil
		}

		var body restoResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			logger.Warn("Catalogue page skipped, undecodable body", zap.Error(err))
			return nil, 0, nil
		}
		products := make([]Product, 0, len(body.Features))
		for _, f := range body.Features {
			p, err := mapFeature(req.Collection, f)
			if err != nil {
				logger.Warn("Catalogue entry ignored", zap.String("feature", f.ID), zap.Error(err))
				continue
			}
			products = append(products, p)
		}
		return products, body.Properties.TotalResults, nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCatalogueTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrCatalogueTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCatalogueUnreachable, err)
}
