// Package streamproxy implements spec §4.3: serving a cache hit
// straight off disk, and on a miss, fetching from upstream while
// teeing the body through the ingestion coordinator.
//
// The upstream HTTP client is grounded on the teacher's
// internal/dockerhub/client.go (a single *http.Client plus a logging
// http.RoundTripper), generalized from one hardcoded registry to any
// configured upstream, and with token-based auth removed: spec §4.4
// requires auth challenges to pass through untouched rather than be
// handled by the cache itself.
package streamproxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ocicache/registry-cache/internal/ingest"
)

// loggingTransport wraps the default transport to log every upstream
// round trip, matching the teacher's dockerhub.loggingTransport.
type loggingTransport struct {
	base http.RoundTripper
	log  *logrus.Entry
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	fields := logrus.Fields{"method": req.Method, "url": req.URL.String(), "duration": time.Since(start)}
	if err != nil {
		t.log.WithFields(fields).WithError(err).Warn("upstream request failed")
		return resp, err
	}
	fields["status"] = resp.StatusCode
	t.log.WithFields(fields).Debug("upstream request")
	return resp, nil
}

// Fetchers builds ingest.Fetcher closures against a shared upstream
// HTTP client and, per upstream, an optional rate limiter (spec's
// domain-stack repurposing of the teacher's golang.org/x/time/rate
// client limiter as an outbound fetch limiter).
type Fetchers struct {
	client *http.Client
	log    *logrus.Entry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetchers constructs a Fetchers using idleTimeout as both the
// client's overall request timeout and the transport's idle connection
// timeout, matching the teacher's 30-second client timeout generalized
// to a configured value (spec's UpstreamIdleTimeout).
func NewFetchers(logger *logrus.Logger, idleTimeout time.Duration) *Fetchers {
	log := logger.WithField("component", "upstream_fetch")
	return &Fetchers{
		client: &http.Client{
			Timeout: idleTimeout,
			Transport: &loggingTransport{
				base: &http.Transport{
					Proxy:                 http.ProxyFromEnvironment,
					IdleConnTimeout:       idleTimeout,
					TLSHandshakeTimeout:   5 * time.Second,
					ExpectContinueTimeout: 1 * time.Second,
					ForceAttemptHTTP2:     true,
					MaxIdleConns:          100,
					MaxIdleConnsPerHost:   10,
				},
				log: log,
			},
		},
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetRateLimit installs a token-bucket limiter for the given upstream
// registry host. rps <= 0 leaves that upstream unlimited.
func (f *Fetchers) SetRateLimit(registry string, rps float64, burst int) {
	if rps <= 0 {
		return
	}
	f.mu.Lock()
	f.limiters[registry] = rate.NewLimiter(rate.Limit(rps), burst)
	f.mu.Unlock()
}

func (f *Fetchers) limiterFor(registry string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limiters[registry]
}

// BlobFetcher returns an ingest.Fetcher that GETs the blob identified
// by a Fingerprint from its upstream registry.
func (f *Fetchers) BlobFetcher() ingest.Fetcher {
	return func(ctx context.Context, fp ingest.Fingerprint) (*http.Response, error) {
		if lim := f.limiterFor(fp.Upstream.Registry); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil, err
			}
		}

		url := fmt.Sprintf("%s/v2/%s/blobs/%s", fp.Upstream.BaseURL(), fp.Repository, fp.Digest.String())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "*/*")

		return f.client.Do(req)
	}
}
