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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
)

// fakeWarehouse keeps row counts per table and mimics WRITE_TRUNCATE: a successful load
// replaces the count, a failed one leaves it untouched.
type fakeWarehouse struct {
	store *fakeStore

	datasets map[DatasetRef]bool
	tables   map[TableRef]int64
	schemas  map[TableRef]bigquery.Schema

	datasetCreates int
	tableCreates   int
	loads          []LoadJobConfig

	failDataset error
}

func newFakeWarehouse(store *fakeStore) *fakeWarehouse {
	return &fakeWarehouse{
		store:    store,
		datasets: map[DatasetRef]bool{},
		tables:   map[TableRef]int64{},
		schemas:  map[TableRef]bigquery.Schema{},
	}
}

func (f *fakeWarehouse) EnsureDataset(_ context.Context, ds DatasetRef) error {
	if f.failDataset != nil {
		return f.failDataset
	}
	if !f.datasets[ds] {
		f.datasets[ds] = true
		f.datasetCreates++
	}
	return nil
}

func (f *fakeWarehouse) EnsureTable(_ context.Context, dst TableRef, schema bigquery.Schema) error {
	if !f.datasets[dst.Dataset()] {
		return fmt.Errorf("dataset %s does not exist", dst.Dataset())
	}
	if _, ok := f.tables[dst]; !ok {
		f.tables[dst] = 0
		f.schemas[dst] = schema
		f.tableCreates++
	}
	return nil
}

func (f *fakeWarehouse) LoadFile(_ context.Context, r io.Reader, dst TableRef, cfg LoadJobConfig) (int64, error) {
	f.loads = append(f.loads, cfg)
	if cfg.SourceFormat != bigquery.CSV {
		return 0, fmt.Errorf("unexpected source format %q", cfg.SourceFormat)
	}
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("error while reading data, error message: %w", err)
	}
	n := int64(0)
	if len(records) > 1 {
		n = int64(len(records) - 1)
	}
	f.tables[dst] = n
	return n, nil
}

func (f *fakeWarehouse) LoadURI(_ context.Context, uri string, dst TableRef, cfg LoadJobConfig) (int64, error) {
	f.loads = append(f.loads, cfg)
	if cfg.SourceFormat != bigquery.JSON {
		return 0, fmt.Errorf("unexpected source format %q", cfg.SourceFormat)
	}
	data, ok := f.store.objects[uri]
	if !ok {
		return 0, fmt.Errorf("not found: URI %s", uri)
	}
	n := int64(0)
	if len(data) > 0 {
		for _, line := range bytes.Split(data, []byte("\n")) {
			if !json.Valid(line) {
				return 0, fmt.Errorf("error while reading data: invalid JSON line %q", line)
			}
			n++
		}
	}
	f.tables[dst] = n
	return n, nil
}

func (f *fakeWarehouse) NumRows(_ context.Context, dst TableRef) (uint64, error) {
	n, ok := f.tables[dst]
	if !ok {
		return 0, fmt.Errorf("not found: table %s", dst)
	}
	return uint64(n), nil
}

type fakeStore struct {
	buckets      map[string]bool
	objects      map[string][]byte
	contentTypes map[string]string

	bucketCreates int
	failUpload    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		buckets:      map[string]bool{},
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
	}
}

func (f *fakeStore) EnsureBucket(_ context.Context, bucket string) error {
	if !f.buckets[bucket] {
		f.buckets[bucket] = true
		f.bucketCreates++
	}
	return nil
}

func (f *fakeStore) Upload(_ context.Context, a StagingArtifact, data []byte, contentType string) error {
	if f.failUpload != nil {
		return f.failUpload
	}
	if !f.buckets[a.Bucket] {
		return fmt.Errorf("bucket %q does not exist", a.Bucket)
	}
	f.objects[a.URI()] = append([]byte(nil), data...)
	f.contentTypes[a.URI()] = contentType
	return nil
}

type fakeRecordSource struct {
	records []json.RawMessage
	err     error
}

func (f *fakeRecordSource) Fetch(context.Context) ([]json.RawMessage, error) {
	return f.records, f.err
}

type fakeReporter struct {
	got []Result
}

func (f *fakeReporter) Report(_ context.Context, r Result) {
	f.got = append(f.got, r)
}

// readUpload splits a request body into its JSON metadata and media. Plain JSON requests
// have no media; multipart/related media uploads carry both.
func readUpload(r *http.Request) (meta, media []byte, err error) {
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mt, "multipart/") {
		meta, err = io.ReadAll(r.Body)
		return meta, nil, err
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var parts [][]byte
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		b, err := io.ReadAll(p)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, b)
	}
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("got %d multipart parts, want 2", len(parts))
	}
	return parts[0], parts[1], nil
}
