// Package ingest implements the ingestion coordinator from spec §4.2:
// at most one upstream fetch per digest, with every concurrent caller
// for that digest — including the one that triggered the fetch —
// tailing the same staging file as bytes land.
//
// Grounded on the teacher's downloadMap sync.Map dedup idiom
// (dominic-r-docker-registry-proxy/internal/handlers/blobs.go), which
// gated concurrent fetches on a single completion channel. This
// generalizes that to a byte-counter broadcast so waiters observe
// partial progress rather than only the fetch's completion, per
// spec §4.2/§5. The singleflight.Group pattern seen in
// other_examples/1a5dc5c9_meigma-blob__cache-blob.go.go solves the
// same single-fetch problem but only hands callers the final result,
// not a tail of the bytes as they arrive, so a bespoke sync.Cond
// broadcast is used here instead.
package ingest

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/apierr"
	"github.com/ocicache/registry-cache/internal/blobstore"
	"github.com/ocicache/registry-cache/internal/upstream"
)

// maxNonCacheBody bounds how much of a non-2xx (or otherwise
// uncacheable) upstream response body the coordinator buffers in
// memory to replay to every attached waiter. Registry error bodies are
// small JSON documents; this is generous headroom, not a streaming
// limit.
const maxNonCacheBody = 1 << 20

// Fingerprint identifies a blob request for coordination purposes
// (spec §3). Only Digest participates in dedup; Upstream and
// Repository matter solely to the caller that ends up starting the
// fetch — a second caller's metadata is discarded, per spec §4.2's
// tie-break rule.
type Fingerprint struct {
	Upstream   upstream.Descriptor
	Repository string
	Digest     digest.Digest
}

// Fetcher dials the upstream and returns its response headers and a
// streaming body. The coordinator reads and tees the body itself; the
// Fetcher's only job is producing the *http.Response.
type Fetcher func(ctx context.Context, fp Fingerprint) (*http.Response, error)

// Result is what Obtain hands back to every caller, hit or miss alike.
type Result struct {
	Hit        bool
	StatusCode int
	Header     http.Header
	Size       int64 // -1 if unknown (a miss still streaming)
	Body       io.ReadCloser
}

// ErrUnavailable is returned by Obtain when the coordinator is
// draining and satisfying the request would require a new fetch.
var ErrUnavailable = apierr.New(apierr.Draining, "", fmt.Errorf("cache is draining"))

// Coordinator owns the in-flight map and the staging lifecycle of
// every ingest it starts.
type Coordinator struct {
	store   *blobstore.Store
	log     *logrus.Entry
	baseCtx context.Context

	mu       sync.Mutex
	inflight map[string]*entry
	draining bool
	wg       sync.WaitGroup

	onPromoted func(digest.Digest)
}

// OnPromoted registers a callback invoked (from the fetch goroutine,
// never on a client's request path) after a blob is newly promoted
// into the store. Used to fire the optional cold-storage mirror
// upload; a nil fn (the default) disables the hook.
func (c *Coordinator) OnPromoted(fn func(digest.Digest)) {
	c.mu.Lock()
	c.onPromoted = fn
	c.mu.Unlock()
}

// New returns a Coordinator backed by store. baseCtx is used for every
// upstream fetch the coordinator starts; it is deliberately NOT the
// context of any single client request, so that a client disconnecting
// never cancels an in-flight ingest other waiters may still need
// (spec §5, cancellation and timeouts). Pass context.Background() for
// normal operation.
func New(logger *logrus.Logger, store *blobstore.Store, baseCtx context.Context) *Coordinator {
	return &Coordinator{
		store:    store,
		log:      logger.WithField("component", "ingest_coordinator"),
		baseCtx:  baseCtx,
		inflight: make(map[string]*entry),
	}
}

// entry is the in-flight state for one digest. It passes through two
// gates: headersReady (upstream responded, we know status/headers and,
// on success, have a staging file to tail) and done (the ingest has
// fully resolved, success or failure).
type entry struct {
	digest digest.Digest

	mu   sync.Mutex
	cond *sync.Cond

	headersReady bool
	httpStatus   int
	httpHeader   http.Header
	nonCacheBody []byte // set when the response was not cached (non-2xx)

	staging *blobstore.Staging
	written int64
	done    bool
	failErr error
}

func newEntry(d digest.Digest) *entry {
	e := &entry{digest: d}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Write implements io.Writer: each chunk read from the upstream body is
// teed into the staging file and the running hasher, and the new byte
// count is published to waiters in one critical section — every
// waiter observes the same sequence of byte-count updates.
func (e *entry) Write(p []byte) (int, error) {
	n, err := e.staging.File.Write(p)
	if err != nil {
		return n, apierr.New(apierr.StorageIoError, "write staging", err)
	}
	if _, herr := e.staging.Hasher().Write(p[:n]); herr != nil {
		return n, apierr.New(apierr.StorageIoError, "hash staging", herr)
	}

	e.mu.Lock()
	e.written += int64(n)
	e.cond.Broadcast()
	e.mu.Unlock()

	return n, nil
}

func (e *entry) resolveConnectError(err error) {
	e.mu.Lock()
	e.done = true
	e.failErr = err
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *entry) resolveNonCache(status int, header http.Header, body []byte) {
	e.mu.Lock()
	e.httpStatus = status
	e.httpHeader = header
	e.nonCacheBody = body
	e.headersReady = true
	e.done = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *entry) attachStaging(st *blobstore.Staging, header http.Header) {
	e.mu.Lock()
	e.staging = st
	e.httpStatus = http.StatusOK
	e.httpHeader = header
	e.headersReady = true
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *entry) finish(err error) {
	e.mu.Lock()
	e.done = true
	e.failErr = err
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Obtain implements the §4.2 contract: a cache hit is served straight
// from the store; a cache miss attaches to an existing fetch or starts
// a new one (unless draining, in which case it fails with
// ErrUnavailable rather than opening a new upstream connection).
func (c *Coordinator) Obtain(fp Fingerprint, fetch Fetcher) (*Result, error) {
	if size, present, err := c.store.Lookup(fp.Digest); err != nil {
		return nil, err
	} else if present {
		f, err := c.store.OpenForRead(fp.Digest)
		if err != nil {
			return nil, err
		}
		c.log.WithFields(logrus.Fields{"digest": fp.Digest, "size": size}).Debug("cache hit")
		return &Result{Hit: true, StatusCode: http.StatusOK, Size: size, Body: f}, nil
	}

	key := fp.Digest.String()

	c.mu.Lock()
	if e, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.log.WithField("digest", fp.Digest).Debug("attaching to in-flight fetch")
		return c.awaitResult(e)
	}

	if c.draining {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}

	e := newEntry(fp.Digest)
	c.inflight[key] = e
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.WithField("digest", fp.Digest).Info("starting upstream fetch")
	go c.run(fp, e, fetch)

	return c.awaitResult(e)
}

func (c *Coordinator) run(fp Fingerprint, e *entry, fetch Fetcher) {
	defer c.wg.Done()
	defer c.removeEntry(fp.Digest)

	resp, err := fetch(c.baseCtx, fp)
	if err != nil {
		e.resolveConnectError(apierr.New(apierr.UpstreamConnect, fp.Digest.String(), err))
		c.log.WithError(err).WithField("digest", fp.Digest).Error("upstream connect failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxNonCacheBody))
		e.resolveNonCache(resp.StatusCode, resp.Header, body)
		c.log.WithField("digest", fp.Digest).WithField("status", resp.StatusCode).Warn("upstream returned non-2xx, not caching")
		return
	}

	st, err := c.store.CreateStaging()
	if err != nil {
		e.resolveConnectError(err)
		return
	}
	e.attachStaging(st, resp.Header)

	_, copyErr := io.Copy(e, resp.Body)

	var finishErr error
	if copyErr != nil {
		c.store.Abort(e.staging)
		finishErr = apierr.New(apierr.UpstreamConnect, fp.Digest.String(), copyErr)
		c.log.WithError(copyErr).WithField("digest", fp.Digest).Error("ingest aborted mid-stream")
	} else {
		sum := e.staging.Hasher().Sum(nil)
		computed := digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(sum))
		if perr := c.store.Promote(e.staging, fp.Digest, computed); perr != nil {
			finishErr = perr
			c.log.WithError(perr).WithField("digest", fp.Digest).Error("promotion failed")
		} else {
			c.log.WithField("digest", fp.Digest).Info("promoted blob")
			c.mu.Lock()
			hook := c.onPromoted
			c.mu.Unlock()
			if hook != nil {
				hook(fp.Digest)
			}
		}
	}

	e.finish(finishErr)
}

func (c *Coordinator) removeEntry(d digest.Digest) {
	c.mu.Lock()
	delete(c.inflight, d.String())
	c.mu.Unlock()
}

// awaitResult blocks until the entry's headers are known (success or
// failure) and builds the Result every caller — original and waiter
// alike — observes identically.
func (c *Coordinator) awaitResult(e *entry) (*Result, error) {
	e.mu.Lock()
	for !e.headersReady && !e.done {
		e.cond.Wait()
	}
	if e.done && !e.headersReady {
		err := e.failErr
		e.mu.Unlock()
		return nil, err
	}
	status, header, nonCache, staging := e.httpStatus, e.httpHeader, e.nonCacheBody, e.staging
	e.mu.Unlock()

	if staging == nil {
		return &Result{
			StatusCode: status,
			Header:     header,
			Size:       int64(len(nonCache)),
			Body:       io.NopCloser(bytes.NewReader(nonCache)),
		}, nil
	}

	f, err := os.Open(staging.Path)
	if err != nil {
		return nil, apierr.New(apierr.StorageIoError, "open staging for tail", err)
	}
	return &Result{
		StatusCode: status,
		Header:     header,
		Size:       -1,
		Body:       &tailReader{e: e, f: f},
	}, nil
}

type tailReader struct {
	e      *entry
	f      *os.File
	offset int64
}

func (t *tailReader) Read(p []byte) (int, error) {
	t.e.mu.Lock()
	for t.e.written <= t.offset && !t.e.done {
		t.e.cond.Wait()
	}
	avail := t.e.written - t.offset
	done := t.e.done
	failErr := t.e.failErr
	t.e.mu.Unlock()

	if avail <= 0 {
		if failErr != nil {
			return 0, failErr
		}
		if done {
			return 0, io.EOF
		}
	}

	if int64(len(p)) > avail {
		p = p[:avail]
	}
	n, err := t.f.Read(p)
	t.offset += int64(n)
	if err != nil && err != io.EOF {
		return n, apierr.New(apierr.StorageIoError, "read staging tail", err)
	}
	return n, nil
}

func (t *tailReader) Close() error {
	return t.f.Close()
}

// Drain transitions the coordinator into the draining state: no new
// fetch is started by Obtain from this point on, but in-flight
// fetches run to completion (spec §3, "Shutdown token").
func (c *Coordinator) Drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
}

// WaitDrained blocks until every in-flight ingest has resolved. Called
// by the shutdown sequence after Drain, per spec §5's shutdown
// protocol: "the shutdown task awaits in-flight count reaches zero
// rather than polling."
func (c *Coordinator) WaitDrained() {
	c.wg.Wait()
}

// InFlightCount reports the number of digests currently being fetched;
// exposed for tests and diagnostics only.
func (c *Coordinator) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
