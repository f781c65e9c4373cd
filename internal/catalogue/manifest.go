package catalogue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
)

// SliceInfo locates a Sentinel-1 slice inside its data take.
type SliceInfo struct {
	SliceNumber int
	TotalSlices int
}

// ParseManifest extracts the slice position from a manifest.safe document.
func ParseManifest(xml string) (SliceInfo, error) {
	doc, err := xmlquery.Parse(strings.NewReader(xml))
	if err != nil {
		return SliceInfo{}, fmt.Errorf("parsing manifest: %w", err)
	}
	slice, err := intElement(doc, "sliceNumber")
	if err != nil {
		return SliceInfo{}, err
	}
	total, err := intElement(doc, "totalSlices")
	if err != nil {
		return SliceInfo{}, err
	}
	return SliceInfo{SliceNumber: slice, TotalSlices: total}, nil
}

func intElement(doc *xmlquery.Node, name string) (int, error) {
	node := xmlquery.FindOne(doc, fmt.Sprintf("//*[local-name()='%s']", name))
	if node == nil {
		return 0, fmt.Errorf("manifest has no %s", name)
	}
	v, err := strconv.Atoi(strings.TrimSpace(node.InnerText()))
	if err != nil {
		return 0, fmt.Errorf("manifest %s: %w", name, err)
	}
	return v, nil
}

// ManifestReader fetches the manifest of a product.
type ManifestReader interface {
	Slice(ctx context.Context, productPath string) (SliceInfo, error)
}

// HTTPManifestReader reads manifests from an HTTP view of the product
// storage.
type HTTPManifestReader struct {
	baseURL string
	client  *http.Client
}

// NewHTTPManifestReader creates a reader rooted at baseURL.
func NewHTTPManifestReader(baseURL string, timeout time.Duration) *HTTPManifestReader {
	return &HTTPManifestReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Slice implements ManifestReader.
func (r *HTTPManifestReader) Slice(ctx context.Context, productPath string) (SliceInfo, error) {
	u := fmt.Sprintf("%s/%s/manifest.safe", r.baseURL, strings.Trim(productPath, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return SliceInfo{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return SliceInfo{}, classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return SliceInfo{}, fmt.Errorf("%w: status %d", ErrCatalogueStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SliceInfo{}, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(string(body))
}
