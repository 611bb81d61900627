// Package blobstore implements the content-addressed filesystem store
// from spec §4.1: verified blobs live under blobs/<algo>/<two-hex>/<hex>,
// unverified in-flight writes live under staging/<random-id>, and
// promotion from one to the other is a single atomic rename.
//
// Grounded on containerd's local content store
// (other_examples/74b5be72_moby-moby__vendor-.../content/local/store.go)
// for the sharded blob path layout and stat-only lookup, adapted to add
// the explicit staging area and promote/abort verbs spec §4.1 requires.
package blobstore

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/ocicache/registry-cache/internal/apierr"
)

const (
	blobsDirName   = "blobs"
	stagingDirName = "staging"
)

// Store is the content-addressed filesystem store plus its staging area.
type Store struct {
	root       string
	blobsDir   string
	stagingDir string
	log        *logrus.Entry
}

// Open creates (if needed) the blobs/ and staging/ subtrees beneath root
// and returns a ready Store. A failure here is a StorageInitError, fatal
// at startup per spec §6.
func Open(logger *logrus.Logger, root string) (*Store, error) {
	blobsDir := filepath.Join(root, blobsDirName)
	stagingDir := filepath.Join(root, stagingDirName)

	for _, dir := range []string{blobsDir, stagingDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apierr.New(apierr.StorageInitError, "mkdir "+dir, err)
		}
	}

	testFile := filepath.Join(stagingDir, ".write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return nil, apierr.New(apierr.StorageInitError, "write test "+stagingDir, err)
	}
	os.Remove(testFile)

	return &Store{
		root:       root,
		blobsDir:   blobsDir,
		stagingDir: stagingDir,
		log:        logger.WithField("component", "blobstore"),
	}, nil
}

// blobPath returns the final, sharded path for a digest: bounds directory
// fan-out by keying the first level on the first two hex characters.
func (s *Store) blobPath(d digest.Digest) string {
	hex := d.Encoded()
	shard := hex
	if len(hex) >= 2 {
		shard = hex[:2]
	}
	return filepath.Join(s.blobsDir, d.Algorithm().String(), shard, hex)
}

// Lookup stats the final path for digest d. It never opens the file: a
// present result means the path exists and (by the store's invariant)
// was verified at promotion time.
func (s *Store) Lookup(d digest.Digest) (size int64, present bool, err error) {
	fi, err := os.Stat(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, apierr.New(apierr.StorageIoError, "stat "+d.String(), err)
	}
	return fi.Size(), true, nil
}

// OpenForRead opens the verified blob for digest d. Returns a NotFound
// error (as apierr.StorageIoError is not appropriate here — callers
// distinguish "absent" via ErrNotFound) if the blob isn't present.
func (s *Store) OpenForRead(d digest.Digest) (*os.File, error) {
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, apierr.New(apierr.StorageIoError, "open "+d.String(), err)
	}
	return f, nil
}

// ErrNotFound is returned by OpenForRead when the digest has no final path.
var ErrNotFound = fmt.Errorf("blobstore: digest not found")

// Staging is a handle over a uniquely named temp file in the staging
// directory — the "temporary ingest file" of spec §3.
type Staging struct {
	File *os.File
	Path string
	hash hash.Hash
}

// Hasher returns the running SHA-256 hasher attached to the staging
// file. Coordinator code writes chunks through both File and Hasher as
// they arrive, and reads Sum() off it at promotion time.
func (st *Staging) Hasher() hash.Hash { return st.hash }

// CreateStaging opens a freshly created, uniquely named file under
// staging/ for writing, plus an attached SHA-256 hasher.
func (s *Store) CreateStaging() (*Staging, error) {
	f, err := os.CreateTemp(s.stagingDir, "ingest-*")
	if err != nil {
		return nil, apierr.New(apierr.StorageIoError, "create staging", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, apierr.New(apierr.StorageIoError, "chmod staging", err)
	}
	return &Staging{File: f, Path: f.Name(), hash: sha256.New()}, nil
}

// Promote finalizes an ingest. The caller supplies the digest it expects
// (the one the client requested) and the digest actually computed while
// streaming the body. On match, the staging file is renamed into the
// final sharded path — one atomic filesystem operation. On mismatch,
// the staging file is unlinked and a DigestMismatch error is returned.
// If the final path already exists (a concurrent ingest completed
// first), the staging file is unlinked and promotion still reports
// success: the content is content-addressed, so the winner's bytes are
// already correct.
func (s *Store) Promote(st *Staging, expected digest.Digest, computed digest.Digest) error {
	if err := st.File.Close(); err != nil {
		os.Remove(st.Path)
		return apierr.New(apierr.StorageIoError, "close staging", err)
	}

	if computed != expected {
		os.Remove(st.Path)
		return apierr.New(apierr.DigestMismatch, "", fmt.Errorf("expected %s, computed %s", expected, computed))
	}

	final := s.blobPath(expected)
	if err := os.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		os.Remove(st.Path)
		return apierr.New(apierr.StorageIoError, "mkdir "+filepath.Dir(final), err)
	}

	if err := os.Rename(st.Path, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			os.Remove(st.Path)
			return nil
		}
		os.Remove(st.Path)
		return apierr.New(apierr.StorageIoError, "rename "+st.Path+" -> "+final, err)
	}

	return nil
}

// Abort unconditionally unlinks the staging file. Idempotent: removing
// an already-removed file is not an error.
func (s *Store) Abort(st *Staging) {
	st.File.Close()
	if err := os.Remove(st.Path); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("path", st.Path).Warn("failed to remove staging file")
	}
}

// StagingDir exposes the staging root directory.
func (s *Store) StagingDir() string { return s.stagingDir }
