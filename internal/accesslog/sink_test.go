package accesslog

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenDisabledReturnsNilSink(t *testing.T) {
	s, err := Open(nil, false, PostgresConfig{})
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestRecordOnNilSinkIsNoOp(t *testing.T) {
	var s *Sink
	req := httptest.NewRequest("GET", "/v2/library/alpine/blobs/sha256:abc", nil)
	require.NotPanics(t, func() {
		s.Record(req, 200, time.Millisecond, 128, true)
	})
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.RemoteAddr = "127.0.0.1:9999"

	require.Equal(t, "203.0.113.5", clientIP(req))
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.7:4321"

	require.Equal(t, "198.51.100.7", clientIP(req))
}
