package verify

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Resolver checks whether a citation's source is still reachable.
type Resolver interface {
	Resolve(ctx context.Context, locator string) bool
}

// TimeoutResolve bounds a single resolvability probe.
const TimeoutResolve = 5 * time.Second

// HTTPResolver probes http(s) locators with a HEAD request. Non-HTTP
// locators (internal document ids, file references) cannot go stale the
// same way and are treated as resolvable.
type HTTPResolver struct {
	client *http.Client
}

// NewHTTPResolver returns a resolver with a bounded probe timeout.
func NewHTTPResolver() *HTTPResolver {
	return &HTTPResolver{client: &http.Client{Timeout: TimeoutResolve}}
}

// Resolve reports whether the locator's source answered.
func (r *HTTPResolver) Resolve(ctx context.Context, locator string) bool {
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, TimeoutResolve)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, locator, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("locator", locator).Msg("citation_probe_failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}
