package streamproxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ocicache/registry-cache/internal/blobstore"
	"github.com/ocicache/registry-cache/internal/ingest"
	"github.com/ocicache/registry-cache/internal/metrics"
	"github.com/ocicache/registry-cache/internal/upstream"
)

func digestOf(b []byte) digest.Digest {
	sum := sha256.Sum256(b)
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum[:]))
}

// descriptorFor turns an httptest.Server URL into the upstream
// descriptor a real Router.Resolve would have produced.
func descriptorFor(t *testing.T, rawURL string) upstream.Descriptor {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return upstream.Descriptor{Scheme: u.Scheme, Registry: u.Hostname(), Port: port}
}

func newTestHandler(t *testing.T, store *blobstore.Store) (*BlobHandler, *logrus.Logger) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	coord := ingest.New(logger, store, context.Background())
	fetchers := NewFetchers(logger, 0)
	reg := metrics.New(logger)
	return NewBlobHandler(logger, coord, store, fetchers, reg), logger
}

func TestServeGetCacheMissFetchesAndPromotes(t *testing.T) {
	body := []byte("layer bytes from upstream")
	d := digestOf(body)

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer upstreamSrv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := blobstore.Open(logger, t.TempDir())
	require.NoError(t, err)
	h, _ := newTestHandler(t, store)

	desc := descriptorFor(t, upstreamSrv.URL)
	fp := ingest.Fingerprint{Upstream: desc, Repository: "library/alpine", Digest: d}

	rr := httptest.NewRecorder()
	h.ServeGet(rr, fp)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, body, rr.Body.Bytes())
	require.Equal(t, d.String(), rr.Header().Get("Docker-Content-Digest"))

	_, present, lerr := store.Lookup(d)
	require.NoError(t, lerr)
	require.True(t, present)
}

func TestServeGetCacheHitDoesNotTouchUpstream(t *testing.T) {
	body := []byte("already have this one")
	d := digestOf(body)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := blobstore.Open(logger, t.TempDir())
	require.NoError(t, err)

	st, err := store.CreateStaging()
	require.NoError(t, err)
	st.File.Write(body)
	st.Hasher().Write(body)
	require.NoError(t, store.Promote(st, d, digestOf(body)))

	reached := false
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	h, _ := newTestHandler(t, store)

	desc := descriptorFor(t, upstreamSrv.URL)
	fp := ingest.Fingerprint{Upstream: desc, Repository: "library/alpine", Digest: d}

	rr := httptest.NewRecorder()
	h.ServeGet(rr, fp)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, body, rr.Body.Bytes())
	require.False(t, reached, "cache hit must not contact upstream")
}

func TestServeGetNonSuccessUpstreamForwardedVerbatim(t *testing.T) {
	d := digestOf([]byte("does not matter"))

	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="https://auth.example/token"`)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED"}]}`))
	}))
	defer upstreamSrv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := blobstore.Open(logger, t.TempDir())
	require.NoError(t, err)
	h, _ := newTestHandler(t, store)

	desc := descriptorFor(t, upstreamSrv.URL)
	fp := ingest.Fingerprint{Upstream: desc, Repository: "library/alpine", Digest: d}

	rr := httptest.NewRecorder()
	h.ServeGet(rr, fp)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "UNAUTHORIZED")
	require.NotEmpty(t, rr.Header().Get("Www-Authenticate"))

	_, present, lerr := store.Lookup(d)
	require.NoError(t, lerr)
	require.False(t, present)
}

func TestServeHeadHitAndMiss(t *testing.T) {
	body := []byte("head me")
	d := digestOf(body)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := blobstore.Open(logger, t.TempDir())
	require.NoError(t, err)
	h, _ := newTestHandler(t, store)

	rr := httptest.NewRecorder()
	handled, err := h.ServeHead(rr, d)
	require.NoError(t, err)
	require.False(t, handled)

	st, err := store.CreateStaging()
	require.NoError(t, err)
	st.File.Write(body)
	st.Hasher().Write(body)
	require.NoError(t, store.Promote(st, d, digestOf(body)))

	rr = httptest.NewRecorder()
	handled, err = h.ServeHead(rr, d)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, "7", rr.Header().Get("Content-Length"))
}
