package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ocicache/registry-cache/internal/upstream"
)

func descriptorFor(t *testing.T, rawURL string) upstream.Descriptor {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return upstream.Descriptor{Scheme: u.Scheme, Registry: u.Hostname(), Port: port}
}

func TestForwardRelaysStatusHeadersAndBody(t *testing.T) {
	var gotPath string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
		w.Header().Set("Connection", "close, X-Drop-Me")
		w.Header().Set("X-Drop-Me", "should not reach client")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`))
	}))
	defer upstreamSrv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := New(logger, 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/latest", nil)
	rr := httptest.NewRecorder()

	p.Forward(rr, req, descriptorFor(t, upstreamSrv.URL))

	require.Equal(t, "/v2/library/alpine/manifests/latest", gotPath)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), "MANIFEST_UNKNOWN")
	require.Equal(t, "registry/2.0", rr.Header().Get("Docker-Distribution-Api-Version"))
	require.Empty(t, rr.Header().Get("X-Drop-Me"), "hop-by-hop header named in Connection must be stripped")
	require.Empty(t, rr.Header().Get("Connection"))
}

func TestForwardStripsHopByHopRequestHeaders(t *testing.T) {
	var gotConnection string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := New(logger, 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	req.Header.Set("Connection", "keep-alive")
	rr := httptest.NewRecorder()

	p.Forward(rr, req, descriptorFor(t, upstreamSrv.URL))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, gotConnection)
}
