package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TimeoutSearch bounds one retrieval collaborator call.
const TimeoutSearch = 30 * time.Second

// HTTPSearcher queries a retrieval collaborator over HTTP. The endpoint
// receives {query, scope} and returns {documents: [...]} scored with a
// normalized confidence; the gate applies quorum and scope filtering on
// whatever comes back.
type HTTPSearcher struct {
	url    string
	client *http.Client
}

// NewHTTPSearcher creates a searcher for the given collaborator endpoint.
func NewHTTPSearcher(url string) *HTTPSearcher {
	return &HTTPSearcher{
		url:    url,
		client: &http.Client{Timeout: TimeoutSearch},
	}
}

type searchRequest struct {
	Query string   `json:"query"`
	Scope []string `json:"scope,omitempty"`
}

type searchResponse struct {
	Documents []Document `json:"documents"`
}

// Search posts the query to the collaborator and returns its documents.
func (s *HTTPSearcher) Search(ctx context.Context, query string, scope []string) ([]Document, error) {
	body, err := json.Marshal(searchRequest{Query: query, Scope: scope})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TimeoutSearch)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling retrieval collaborator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("retrieval collaborator returned %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return out.Documents, nil
}
