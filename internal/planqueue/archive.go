// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package planqueue

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads a retired spill segment somewhere durable. Implementations
// must be safe to call from the single goroutine that owns the Store (spec
// §5) — ArchiveRetired never runs concurrently with PutTuple/GetTupleMulti.
type Archiver interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// S3Archiver uploads retired segments to a single S3 bucket/prefix — the
// cold tier named in the plan-queue design note ("in-memory ring →
// zstd-compressed disk spill → optional S3 archival of retention-aged
// segments"). Disk spill stays in place after upload: this tier is a
// durability copy, not a disk-space reclamation mechanism, so GetTupleMulti
// never needs to know a segment was archived.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver builds an Archiver backed by an already-configured S3 client
// (region/credentials resolved by the caller via aws-sdk-go-v2/config, same
// as every other AWS-backed component in this module).
func NewS3Archiver(client *s3.Client, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Upload(ctx context.Context, key string, body []byte) error {
	fullKey := key
	if a.prefix != "" {
		fullKey = a.prefix + "/" + key
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(fullKey),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("planqueue: uploading %s to s3://%s/%s: %w", key, a.bucket, fullKey, err)
	}
	return nil
}

// ConfigureArchive enables cold archival of segments older than retentionAge.
// Must be called before any PutTuple if archival is desired, since it only
// affects segments spilled after this call.
func (s *Store) ConfigureArchive(a Archiver, retentionAge time.Duration) {
	s.archiver = a
	s.retentionAge = retentionAge
	s.segmentAge = make(map[string]time.Time)
	s.archived = make(map[string]bool)
}

// ArchiveRetired uploads every retired segment older than retentionAge that
// hasn't already been archived. Returns the number of segments uploaded.
// Driven by internal/maintenance's archive sweep, invoked from the event
// loop goroutine alongside every other Store access (spec §5).
func (s *Store) ArchiveRetired(ctx context.Context) (int, error) {
	if s.archiver == nil {
		return 0, nil
	}
	uploaded := 0
	for _, path := range s.segments {
		if s.archived[path] {
			continue
		}
		createdAt, ok := s.segmentAge[path]
		if !ok || time.Since(createdAt) < s.retentionAge {
			continue
		}
		body, err := os.ReadFile(path)
		if err != nil {
			return uploaded, fmt.Errorf("planqueue: reading segment for archival %s: %w", path, err)
		}
		key := fmt.Sprintf("plan-%d/%s", s.planID, filepath.Base(path))
		if err := s.archiver.Upload(ctx, key, body); err != nil {
			return uploaded, err
		}
		s.archived[path] = true
		uploaded++
		s.logger.Info("archived spill segment to cold storage", "segment", path, "key", key)
	}
	return uploaded, nil
}
