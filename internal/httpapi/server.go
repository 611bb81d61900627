// Package httpapi wires the front end: gorilla/mux routing, the
// blob-vs-transparent-proxy request classifier (spec §4.4/§4.5), the
// TLS + plaintext dual listener, and the /metrics endpoint.
//
// Grounded on the teacher's internal/handlers/routes.go
// (RegisterRoutes' mux wiring) and internal/http/server.go (the dual
// listener), with the self-signed certificate generation dropped: the
// spec requires operator-supplied certificates, and a cache proxy
// presenting a self-signed cert to docker/containerd clients is not
// useful without docker also trusting it, which is out of this
// system's control.
package httpapi

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/accesslog"
	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/config"
	"github.com/ocicache/registry-cache/internal/ingest"
	"github.com/ocicache/registry-cache/internal/metrics"
	"github.com/ocicache/registry-cache/internal/proxy"
	"github.com/ocicache/registry-cache/internal/streamproxy"
	"github.com/ocicache/registry-cache/internal/upstream"
)

// blobPathRegex recognizes /v2/<name>/blobs/<digest>, where name may
// itself contain slashes (spec §4.4's classification rule).
var blobPathRegex = regexp.MustCompile(`^/v2/(.+)/blobs/([A-Za-z0-9]+:[A-Fa-f0-9]+)$`)

// Server owns the mux router and the plaintext/TLS listeners.
type Server struct {
	cfg        *config.Config
	router     *upstream.Router
	blobs      *streamproxy.BlobHandler
	proxy      *proxy.Proxy
	metricsReg *metrics.Registry
	access     *accesslog.Sink
	log        *logrus.Entry

	mux         *mux.Router
	httpServer  *http.Server
	httpsServer *http.Server
}

// New builds the Server and its mux.Router. Nothing is listening yet;
// call Start.
func New(
	logger *logrus.Logger,
	cfg *config.Config,
	router *upstream.Router,
	blobs *streamproxy.BlobHandler,
	fwd *proxy.Proxy,
	metricsReg *metrics.Registry,
	access *accesslog.Sink,
) *Server {
	s := &Server{
		cfg:        cfg,
		router:     router,
		blobs:      blobs,
		proxy:      fwd,
		metricsReg: metricsReg,
		access:     access,
		log:        logger.WithField("component", "httpapi"),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", metricsReg.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/v2/").Handler(s.timed(http.HandlerFunc(s.handleV2)))
	s.mux = r
	return s
}

// timed wraps next with the teacher's loggingResponseWriter pattern
// (internal/handlers/middleware.go), feeding both Prometheus and the
// optional access log from a single captured status/byte count.
func (s *Server) timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		cacheHit := false
		ctx := context.WithValue(r.Context(), cacheHitKey{}, &cacheHit)

		next.ServeHTTP(lrw, r.WithContext(ctx))

		duration := time.Since(start)
		s.metricsReg.ObserveRequest(r.URL.Path, lrw.statusCode)
		s.access.Record(r, lrw.statusCode, duration, lrw.bytesSent, cacheHit)
	})
}

type cacheHitKey struct{}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytesSent  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

// ReadFrom hands src to the wrapped writer's io.ReaderFrom when it has
// one, so the wrapper does not hide net/http's sendfile path.
func (lrw *loggingResponseWriter) ReadFrom(src io.Reader) (int64, error) {
	if rf, ok := lrw.ResponseWriter.(io.ReaderFrom); ok {
		n, err := rf.ReadFrom(src)
		lrw.bytesSent += int(n)
		return n, err
	}
	return io.Copy(struct{ io.Writer }{lrw}, src)
}

// handleV2 classifies the request per spec §4.4/§4.5: resolve the
// upstream from the Host header, recognize the blob GET/HEAD shape,
// and otherwise fall through to the transparent proxy.
func (s *Server) handleV2(w http.ResponseWriter, r *http.Request) {
	desc, err := s.router.Resolve(r.Host)
	if err != nil {
		status := apierr.StatusCode(err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if m := blobPathRegex.FindStringSubmatch(r.URL.Path); m != nil {
		repository, digestStr := m[1], m[2]
		dgst, perr := digest.Parse(digestStr)
		if perr != nil {
			s.proxy.Forward(w, r, desc)
			return
		}

		switch r.Method {
		case http.MethodHead:
			handled, herr := s.blobs.ServeHead(w, dgst)
			if herr != nil {
				status := apierr.StatusCode(herr)
				http.Error(w, http.StatusText(status), status)
				return
			}
			if !handled {
				s.proxy.Forward(w, r, desc)
				return
			}
			markCacheHit(r)
		case http.MethodGet:
			if hit := s.blobs.ServeGet(w, blobFingerprint(desc, repository, dgst)); hit {
				markCacheHit(r)
			}
		default:
			s.proxy.Forward(w, r, desc)
		}
		return
	}

	s.proxy.Forward(w, r, desc)
}

func markCacheHit(r *http.Request) {
	if hit, ok := r.Context().Value(cacheHitKey{}).(*bool); ok {
		*hit = true
	}
}

func blobFingerprint(desc upstream.Descriptor, repository string, dgst digest.Digest) ingest.Fingerprint {
	return ingest.Fingerprint{Upstream: desc, Repository: repository, Digest: dgst}
}

// Start launches the plaintext listener, and the TLS listener too when
// both api.tls_key and api.tls_cert are configured (spec §6's dual
// listener, adapted from the teacher's StartServers to use real
// operator-supplied certificates instead of a generated one).
func (s *Server) Start() error {
	addr := s.cfg.API.Hostname
	s.httpServer = &http.Server{
		Addr:    addr + ":" + strconv.Itoa(s.cfg.API.Port),
		Handler: s.mux,
	}
	errs := make(chan error, 2)
	go func() {
		s.log.WithField("addr", s.httpServer.Addr).Info("starting plaintext listener")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
			return
		}
		errs <- nil
	}()

	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.API.TLSCert, s.cfg.API.TLSKey)
		if err != nil {
			return apierr.New(apierr.BindError, "load tls keypair", err)
		}
		s.httpsServer = &http.Server{
			Addr:      addr + ":" + strconv.Itoa(s.cfg.API.TLSPort),
			Handler:   s.mux,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
		go func() {
			s.log.WithField("addr", s.httpsServer.Addr).Info("starting TLS listener")
			if err := s.httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	return nil
}

// Shutdown gracefully stops every running listener, per spec §5's
// shutdown protocol (stop accepting new connections before the
// coordinator drains in-flight ingests).
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
