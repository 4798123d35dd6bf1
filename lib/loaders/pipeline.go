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
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	log "github.com/golang/glog"
)

// Pipeline is one source-to-table load. Load runs every step in order and stops at the
// first error.
type Pipeline interface {
	// Name is a short label used in metrics, e.g. "csv".
	Name() string
	// Subject describes what is being loaded in log lines, e.g. "CSV file".
	Subject() string
	Destination() TableRef
	Load(ctx context.Context) (int64, error)
}

// Result is the terminal state of a pipeline run: completed when Err is nil, failed otherwise.
type Result struct {
	Pipeline string
	Subject  string
	Table    TableRef
	Rows     int64
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the pipeline completed.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Reporter publishes pipeline results. Reporting failures are the reporter's to log.
type Reporter interface {
	Report(ctx context.Context, r Result)
}

// Run executes the pipelines one after the other. A failed pipeline is logged and does not
// prevent the next one from running.
func Run(ctx context.Context, reporters []Reporter, pipelines ...Pipeline) []Result {
	results := make([]Result, 0, len(pipelines))
	for _, p := range pipelines {
		start := time.Now()
		rows, err := p.Load(ctx)
		r := Result{
			Pipeline: p.Name(),
			Subject:  p.Subject(),
			Table:    p.Destination(),
			Rows:     rows,
			Duration: time.Since(start),
			Err:      err,
		}
		if err != nil {
			log.Errorf("Error loading %s: %v", p.Subject(), err)
		} else {
			log.Infof("%s loaded successfully.", p.Subject())
		}
		for _, rep := range reporters {
			rep.Report(ctx, r)
		}
		results = append(results, r)
	}
	return results
}

// CSVPipeline loads a local CSV file straight into a table, detecting the schema.
type CSVPipeline struct {
	Warehouse Warehouse
	Dest      TableRef
	FilePath  string
}

func (p *CSVPipeline) Name() string          { return "csv" }
func (p *CSVPipeline) Subject() string       { return "CSV file" }
func (p *CSVPipeline) Destination() TableRef { return p.Dest }

// Load returns the number of rows in the table once the load job is done.
func (p *CSVPipeline) Load(ctx context.Context) (int64, error) {
	f, err := OpenCSV(p.FilePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := p.Warehouse.EnsureDataset(ctx, p.Dest.Dataset()); err != nil {
		return 0, err
	}

	if _, err := p.Warehouse.LoadFile(ctx, f, p.Dest, LoadJobConfig{SourceFormat: bigquery.CSV}); err != nil {
		return 0, err
	}

	n, err := p.Warehouse.NumRows(ctx, p.Dest)
	if err != nil {
		return 0, err
	}
	log.Infof("Loaded %d rows to %s", n, p.Dest)
	return int64(n), nil
}

// APIPipeline fetches records from an HTTP endpoint, stages them as JSON lines in GCS and
// loads the staged object into a table.
type APIPipeline struct {
	Source    RecordSource
	Filter    *RecordFilter
	Store     ObjectStore
	Staging   StagingArtifact
	Warehouse Warehouse
	Dest      TableRef
	// Schema is used both to create a missing table and for the load job. Without it the
	// schema is detected from the staged data.
	Schema bigquery.Schema
}

func (p *APIPipeline) Name() string          { return "api" }
func (p *APIPipeline) Subject() string       { return "API data" }
func (p *APIPipeline) Destination() TableRef { return p.Dest }

// Load returns the number of rows written by the load job. A staged object is left in place
// when a later step fails.
func (p *APIPipeline) Load(ctx context.Context) (int64, error) {
	records, err := p.Source.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	records = p.Filter.Keep(records)

	lines, err := ToJSONLines(records)
	if err != nil {
		return 0, err
	}

	if err := p.Store.EnsureBucket(ctx, p.Staging.Bucket); err != nil {
		return 0, err
	}
	if err := p.Store.Upload(ctx, p.Staging, lines, jsonContentType); err != nil {
		return 0, err
	}

	if err := p.Warehouse.EnsureDataset(ctx, p.Dest.Dataset()); err != nil {
		return 0, err
	}
	if err := p.Warehouse.EnsureTable(ctx, p.Dest, p.Schema); err != nil {
		return 0, err
	}

	cfg := LoadJobConfig{SourceFormat: bigquery.JSON, Schema: p.Schema}
	if cfg.detectsSchema() {
		// WRITE_TRUNCATE with autodetect also replaces the schema of an existing table.
		log.Warningf("No schema configured for %s; detecting it from %s and replacing the table schema", p.Dest, p.Staging.URI())
	}
	n, err := p.Warehouse.LoadURI(ctx, p.Staging.URI(), p.Dest, cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", p.Staging.URI(), err)
	}
	log.Infof("Loaded %d rows into %s", n, p.Dest)
	return n, nil
}
