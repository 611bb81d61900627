package streamproxy

import (
	"context"
	"io"
	"net/http"
	"strconv"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/blobstore"
	"github.com/ocicache/registry-cache/internal/ingest"
	"github.com/ocicache/registry-cache/internal/metrics"
)

// BlobHandler serves the blob-shaped requests the route classifier
// (internal/httpapi) hands it: GET streams a hit straight off disk or
// tees a miss through the coordinator, HEAD consults the store only.
//
// Grounded on the teacher's handleBlob (internal/handlers/blobs.go),
// keeping its log fields and header set, replaced underneath by the
// ingestion coordinator instead of the teacher's downloadMap+S3 pair.
type BlobHandler struct {
	coordinator *ingest.Coordinator
	store       *blobstore.Store
	fetchers    *Fetchers
	metrics     *metrics.Registry
	log         *logrus.Entry
}

// NewBlobHandler constructs a BlobHandler.
func NewBlobHandler(logger *logrus.Logger, coordinator *ingest.Coordinator, store *blobstore.Store, fetchers *Fetchers, reg *metrics.Registry) *BlobHandler {
	return &BlobHandler{
		coordinator: coordinator,
		store:       store,
		fetchers:    fetchers,
		metrics:     reg,
		log:         logger.WithField("component", "streamproxy"),
	}
}

// ServeHead answers a HEAD on a blob from the store alone, without
// opening the body. handled is false when the blob isn't present,
// telling the caller to fall through to the transparent proxy
// (spec's Open Question resolution: a cache miss on HEAD is not worth
// triggering an ingest for, since the client may not follow up with a
// GET).
func (h *BlobHandler) ServeHead(w http.ResponseWriter, dgst digest.Digest) (handled bool, err error) {
	size, present, err := h.store.Lookup(dgst)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	h.metrics.CacheHit()
	return true, nil
}

// ServeGet obtains fp through the coordinator and streams the result
// to w: a hit copies the verified file (net/http's ResponseWriter
// implements io.ReaderFrom over a raw file, taking the kernel-assisted
// sendfile path per spec §4.3); a miss streams the coordinator's
// tailReader as bytes arrive; a non-2xx upstream response is forwarded
// verbatim and never cached.
func (h *BlobHandler) ServeGet(w http.ResponseWriter, fp ingest.Fingerprint) (hit bool) {
	fetch := h.fetchers.BlobFetcher()
	counted := func(ctx context.Context, fp ingest.Fingerprint) (*http.Response, error) {
		resp, err := fetch(ctx, fp)
		if err == nil {
			h.metrics.ObserveUpstreamRequest(fp.Upstream.Registry, resp.StatusCode)
		}
		return resp, err
	}
	res, err := h.coordinator.Obtain(fp, counted)
	if err != nil {
		h.writeError(w, err)
		return false
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		for k, v := range res.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(res.StatusCode)
		io.Copy(w, res.Body)
		return false
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", fp.Digest.String())
	if res.Hit {
		w.Header().Set("Content-Length", strconv.FormatInt(res.Size, 10))
		h.metrics.CacheHit()
	} else {
		h.metrics.CacheMiss()
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, res.Body); err != nil {
		h.log.WithError(err).WithField("digest", fp.Digest).Debug("client disconnected mid-transfer")
	}
	return res.Hit
}

func (h *BlobHandler) writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusCode(err)
	h.log.WithError(err).WithField("status", status).Warn("blob request failed")
	http.Error(w, http.StatusText(status), status)
}
