package sector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient fetches OpenID sector identifier documents: JSON arrays of
// the redirect URIs a sector covers.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient constructs a client. A nil http.Client gets a 10s timeout.
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{httpClient: client}
}

// FetchRedirectURIs loads the sector identifier document at uri.
func (c *HTTPClient) FetchRedirectURIs(ctx context.Context, uri string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build sector request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sector request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sector document: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sector document fetch failed: status=%d", resp.StatusCode)
	}

	var uris []string
	if err := json.Unmarshal(body, &uris); err != nil {
		return nil, fmt.Errorf("decode sector document: %w", err)
	}
	return uris, nil
}

// Covers reports the first redirect URI missing from the sector document.
func Covers(document, redirectURIs []string) (string, bool) {
	listed := make(map[string]struct{}, len(document))
	for _, uri := range document {
		listed[uri] = struct{}{}
	}
	for _, uri := range redirectURIs {
		if _, ok := listed[uri]; !ok {
			return uri, false
		}
	}
	return "", true
}
