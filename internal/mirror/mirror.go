// Package mirror implements the optional one-way cold-storage mirror
// named in SPEC_FULL.md's domain stack: newly promoted blobs are
// uploaded to S3 in the background, best-effort, never on a client's
// request path.
//
// Adapted from the teacher's internal/storage/s3.go, stripped of its
// CacheEntry/TTL/lookup machinery (the blob store, not S3, is the
// lookup path now) and kept to what an archival writer needs: an
// uploader, its retry loop, and awserr-aware logging.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocicache/registry-cache/internal/blobstore"
)

const maxUploadAttempts = 5

// Mirror uploads promoted blobs to a configured S3 bucket.
type Mirror struct {
	uploader *s3manager.Uploader
	bucket   string
	store    *blobstore.Store
	log      *logrus.Entry
}

// New constructs a Mirror. Returns nil (a valid, inert value for
// Archive to no-op against) when bucket is empty, so callers can
// unconditionally hook Coordinator.OnPromoted at startup.
func New(logger *logrus.Logger, store *blobstore.Store, bucket, region, endpoint string) *Mirror {
	if bucket == "" {
		return nil
	}

	awsConfig := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(endpoint != ""),
	}
	if endpoint != "" {
		awsConfig.Endpoint = aws.String(endpoint)
	}
	sess := session.Must(session.NewSession(awsConfig))

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024
		u.Concurrency = 3
		u.LeavePartsOnError = false
	})

	return &Mirror{
		uploader: uploader,
		bucket:   bucket,
		store:    store,
		log:      logger.WithField("component", "mirror"),
	}
}

// Archive uploads the blob for d in the background. It is meant to be
// passed directly as an ingest.Coordinator.OnPromoted hook; m may be
// nil (mirroring disabled), in which case Archive is a no-op.
func (m *Mirror) Archive(d digest.Digest) {
	if m == nil {
		return
	}
	go m.archive(d)
}

func (m *Mirror) archive(d digest.Digest) {
	log := m.log.WithField("digest", d)

	f, err := m.store.OpenForRead(d)
	if err != nil {
		log.WithError(err).Warn("mirror: failed to open promoted blob for upload")
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	key := fmt.Sprintf("blobs/%s/%s", d.Algorithm(), d.Encoded())

	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if _, err := f.Seek(0, 0); err != nil {
			log.WithError(err).Warn("mirror: failed to rewind blob for retry")
			return
		}
		_, err := m.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String("application/octet-stream"),
		})
		if err == nil {
			log.Debug("mirror: archived blob")
			return
		}

		fields := logrus.Fields{"attempt": attempt}
		if awsErr, ok := err.(awserr.Error); ok {
			fields["code"] = awsErr.Code()
		}
		log.WithFields(fields).WithError(err).Warn("mirror: upload attempt failed")
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	log.Warn("mirror: giving up after max attempts")
}
