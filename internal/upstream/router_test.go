package upstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/config"
)

func TestResolveKnownHost(t *testing.T) {
	r := New([]config.Upstream{
		{Host: "cache.local", Registry: "registry-1.docker.io", Port: 443, Schema: "https"},
	})

	d, err := r.Resolve("cache.local:8080")
	require.NoError(t, err)
	require.Equal(t, "registry-1.docker.io", d.Registry)
	require.Equal(t, "https://registry-1.docker.io", d.BaseURL())
}

func TestResolveUnknownHost(t *testing.T) {
	r := New([]config.Upstream{
		{Host: "cache.local", Registry: "registry-1.docker.io", Port: 443, Schema: "https"},
	})

	_, err := r.Resolve("evil.example.com")
	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apierr.UnknownHost, kind)
}

func TestBaseURLNonDefaultPort(t *testing.T) {
	d := Descriptor{Scheme: "http", Registry: "internal-mirror", Port: 5000}
	require.Equal(t, "http://internal-mirror:5000", d.BaseURL())
}
