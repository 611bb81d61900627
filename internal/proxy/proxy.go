// Package proxy implements the transparent reverse proxy from spec
// §4.4: every non-blob request (manifests, tags, catalog, auth
// challenges, the /v2/ probe) is forwarded to the resolved upstream
// and the response relayed back verbatim, hop-by-hop headers
// stripped, never cached.
//
// Grounded on the teacher's forwardResponse (internal/handlers/response.go)
// and its header-copy loop, extended with the RFC 7230 §6.1 hop-by-hop
// header list the teacher's one-line version didn't strip.
package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/upstream"
)

// hopByHopHeaders lists the headers RFC 7230 §6.1 says must not be
// forwarded by a proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards non-blob requests to their resolved upstream.
type Proxy struct {
	client *http.Client
	log    *logrus.Entry
}

// New constructs a Proxy. idleTimeout bounds both the client's request
// timeout and the transport's idle connection lifetime, same
// convention as internal/streamproxy.
func New(logger *logrus.Logger, idleTimeout time.Duration) *Proxy {
	return &Proxy{
		client: &http.Client{
			Timeout: idleTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				IdleConnTimeout:     idleTimeout,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
			// Do not follow redirects automatically: the client must see
			// the registry's own redirect (common for blob-storage-backed
			// manifest fetches) and decide how to follow it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: logger.WithField("component", "proxy"),
	}
}

// Forward rewrites r's URL onto desc and relays the upstream response
// to w unmodified, except for hop-by-hop headers, which are stripped
// on both legs per RFC 7230.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, desc upstream.Descriptor) {
	outURL := desc.BaseURL() + r.URL.RequestURI()
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL, r.Body)
	if err != nil {
		p.writeError(w, apierr.New(apierr.UpstreamConnect, outURL, err))
		return
	}
	outReq.Header = cloneHeader(r.Header)
	stripHopByHop(outReq.Header)
	outReq.Host = desc.Registry

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.writeError(w, apierr.New(apierr.UpstreamConnect, outURL, err))
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, v := range resp.Header {
		dst[k] = v
	}
	stripHopByHop(dst)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).WithField("url", outURL).Debug("client disconnected mid-transfer")
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusCode(err)
	p.log.WithError(err).WithField("status", status).Warn("transparent proxy request failed")
	http.Error(w, http.StatusText(status), status)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func stripHopByHop(h http.Header) {
	// Connection may name additional headers to strip (RFC 7230 §6.1);
	// read it before the loop below removes it.
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
