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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/bigquery"
	log "github.com/golang/glog"
	"google.golang.org/api/option"
)

// DatasetRef names a BigQuery dataset.
type DatasetRef struct {
	ProjectID string
	DatasetID string
}

func (d DatasetRef) String() string {
	return d.ProjectID + "." + d.DatasetID
}

// TableRef names a BigQuery table by its three-part name.
type TableRef struct {
	ProjectID string
	DatasetID string
	TableID   string
}

// Dataset returns the dataset holding the table.
func (t TableRef) Dataset() DatasetRef {
	return DatasetRef{ProjectID: t.ProjectID, DatasetID: t.DatasetID}
}

func (t TableRef) String() string {
	return t.ProjectID + "." + t.DatasetID + "." + t.TableID
}

// LoadJobConfig describes how staged data is read by a load job. Every load job replaces
// the contents of its destination table; there is no append mode.
type LoadJobConfig struct {
	SourceFormat bigquery.DataFormat
	// Schema is optional. Without it, BigQuery detects the schema from the data.
	Schema bigquery.Schema
}

func (c LoadJobConfig) apply(fc *bigquery.FileConfig) {
	fc.SourceFormat = c.SourceFormat
	fc.Schema = c.Schema
	fc.AutoDetect = c.detectsSchema()
}

func (c LoadJobConfig) detectsSchema() bool { return len(c.Schema) == 0 }

// Warehouse is the subset of BigQuery used by the pipelines: the destination registrar
// (Ensure*) and the bulk loader (Load*, NumRows).
//
// EnsureDataset and EnsureTable check for existence and then create. The two calls are not
// atomic; a concurrent creator that wins the race is treated as success.
type Warehouse interface {
	EnsureDataset(ctx context.Context, ds DatasetRef) error
	EnsureTable(ctx context.Context, dst TableRef, schema bigquery.Schema) error
	LoadFile(ctx context.Context, r io.Reader, dst TableRef, cfg LoadJobConfig) (int64, error)
	LoadURI(ctx context.Context, uri string, dst TableRef, cfg LoadJobConfig) (int64, error)
	NumRows(ctx context.Context, dst TableRef) (uint64, error)
}

// BigQuery implements Warehouse on top of a BigQuery client.
type BigQuery struct {
	client   *bigquery.Client
	location string
}

// NewBigQuery returns a BigQuery warehouse that creates missing datasets in location.
func NewBigQuery(ctx context.Context, projectID, location string, opts ...option.ClientOption) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bigquery client: %w", err)
	}
	if location == "" {
		location = DefaultLocation
	}
	return &BigQuery{client: client, location: location}, nil
}

// Close releases the underlying client.
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) EnsureDataset(ctx context.Context, ds DatasetRef) error {
	dataset := b.client.DatasetInProject(ds.ProjectID, ds.DatasetID)
	_, err := dataset.Metadata(ctx)
	if err == nil {
		log.Infof("Dataset %s already exists.", ds)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to get metadata for dataset %s: %w", ds, err)
	}

	log.V(2).Infof("dataset %s not found, creating it in %s", ds, b.location)
	if err := dataset.Create(ctx, &bigquery.DatasetMetadata{Location: b.location}); err != nil {
		if isConflict(err) {
			log.Warningf("Dataset %s was created concurrently: %v", ds, err)
			return nil
		}
		return fmt.Errorf("failed to create dataset %s: %w", ds, err)
	}
	log.Infof("Created dataset %s", ds)
	return nil
}

func (b *BigQuery) EnsureTable(ctx context.Context, dst TableRef, schema bigquery.Schema) error {
	table := b.table(dst)
	_, err := table.Metadata(ctx)
	if err == nil {
		log.Infof("Table %s already exists.", dst)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to get metadata for table %s: %w", dst, err)
	}

	if err := table.Create(ctx, &bigquery.TableMetadata{Schema: schema}); err != nil {
		if isConflict(err) {
			log.Warningf("Table %s was created concurrently: %v", dst, err)
			return nil
		}
		return fmt.Errorf("failed to create table %s: %w", dst, err)
	}
	log.Infof("Created table %s", dst)
	return nil
}

func (b *BigQuery) LoadFile(ctx context.Context, r io.Reader, dst TableRef, cfg LoadJobConfig) (int64, error) {
	src := bigquery.NewReaderSource(r)
	cfg.apply(&src.FileConfig)
	return b.run(ctx, b.table(dst).LoaderFrom(src))
}

func (b *BigQuery) LoadURI(ctx context.Context, uri string, dst TableRef, cfg LoadJobConfig) (int64, error) {
	src := bigquery.NewGCSReference(uri)
	cfg.apply(&src.FileConfig)
	return b.run(ctx, b.table(dst).LoaderFrom(src))
}

func (b *BigQuery) NumRows(ctx context.Context, dst TableRef) (uint64, error) {
	md, err := b.table(dst).Metadata(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get metadata for table %s: %w", dst, err)
	}
	return md.NumRows, nil
}

func (b *BigQuery) table(dst TableRef) *bigquery.Table {
	return b.client.DatasetInProject(dst.ProjectID, dst.DatasetID).Table(dst.TableID)
}

// run submits the load job and blocks until it is done. A failed job never commits, so the
// destination keeps its previous contents.
func (b *BigQuery) run(ctx context.Context, loader *bigquery.Loader) (int64, error) {
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to run load job: %w", err)
	}
	log.V(2).Infof("submitted load job %s", job.ID())

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to wait for load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("load job %s failed: %w", job.ID(), err)
	}

	if status.Statistics == nil {
		return 0, errors.New("load job finished without statistics")
	}
	stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics)
	if !ok {
		return 0, errors.New("load job finished without load statistics")
	}
	return stats.OutputRows, nil
}

// LoadSchema reads a BigQuery JSON schema document (the `bq` CLI format).
func LoadSchema(path string) (bigquery.Schema, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %q: %w", path, err)
	}
	schema, err := bigquery.SchemaFromJSON(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema file %q: %w", path, err)
	}
	return schema, nil
}
