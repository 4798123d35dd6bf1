// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loaders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	log "github.com/golang/glog"
	"google.golang.org/api/option"
)

const jsonContentType = "application/json"

// StagingArtifact is the GCS object holding the line-delimited records of one API run.
// It is overwritten by every run and never deleted.
type StagingArtifact struct {
	Bucket string
	Object string
}

// URI returns the `gs://` form of the artifact used by load jobs.
func (a StagingArtifact) URI() string {
	return fmt.Sprintf("gs://%s/%s", a.Bucket, a.Object)
}

// ObjectStore is the subset of GCS used by the stager.
//
// EnsureBucket checks for existence and then creates; concurrent first runs may race, and
// the loser of the race is treated as success.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, a StagingArtifact, data []byte, contentType string) error
}

// ToJSONLines serializes each record on its own line, in order, with no trailing newline.
func ToJSONLines(records []json.RawMessage) ([]byte, error) {
	buf := new(bytes.Buffer)
	for i, rec := range records {
		if i > 0 {
			buf.WriteByte('\n')
		}
		if err := json.Compact(buf, rec); err != nil {
			return nil, fmt.Errorf("record %d is not valid JSON: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// GCS implements ObjectStore on top of a Cloud Storage client.
type GCS struct {
	client    *storage.Client
	projectID string
	location  string
}

// NewGCS returns a GCS store that creates missing buckets in projectID at location.
func NewGCS(ctx context.Context, projectID, location string, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create new GCS client: %w", err)
	}
	if location == "" {
		location = DefaultLocation
	}
	return &GCS{client: client, projectID: projectID, location: location}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) EnsureBucket(ctx context.Context, bucket string) error {
	bkt := g.client.Bucket(bucket)
	_, err := bkt.Attrs(ctx)
	if err == nil {
		log.Infof("GCS bucket %s already exists.", bucket)
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to get attributes of bucket %q: %w", bucket, err)
	}

	if err := bkt.Create(ctx, g.projectID, &storage.BucketAttrs{Location: g.location}); err != nil {
		if isConflict(err) {
			log.Warningf("GCS bucket %s was created concurrently: %v", bucket, err)
			return nil
		}
		return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
	}
	log.Infof("Created GCS bucket %s", bucket)
	return nil
}

func (g *GCS) Upload(ctx context.Context, a StagingArtifact, data []byte, contentType string) error {
	w := g.client.Bucket(a.Bucket).Object(a.Object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", a.URI(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", a.URI(), err)
	}
	log.Infof("Data uploaded to GCS at %s", a.Object)
	return nil
}

// NewReader opens an object for reading. It backs `gs://` config overlays.
func (g *GCS) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.client.Bucket(bucket).Object(object).NewReader(ctx)
}
