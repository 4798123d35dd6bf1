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

// Package loaders copies data into BigQuery: a local CSV file directly, and an HTTP API's
// JSON payload through a GCS staging object.
package loaders

import (
	"context"
	"flag"
	"fmt"

	log "github.com/golang/glog"
	"google.golang.org/api/option"

	"github.com/dataplumb/warehouse-loaders/lib/secrets"
)

// Flags.
var (
	smoketestFlag = flag.Bool("smoketest", false, "If true, Main will simply log the loader configuration and exit.")
)

// Main is called by the `warehouse` binary. It builds the clients once, runs the CSV
// pipeline then the API pipeline, and returns nil whatever their outcome: pipeline
// failures are logged, only startup failures are returned.
func Main() error {
	if !flag.Parsed() {
		flag.Parse()
	}

	ctx := context.Background()
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	if cfg.ConfigPath != "" {
		if err := applyOverlay(ctx, cfg); err != nil {
			return fmt.Errorf("failed to apply config from %q: %w", cfg.ConfigPath, err)
		}
	}

	if *smoketestFlag {
		log.V(0).Infof("loader smoketest: project=%q location=%q csv=%+v api=%+v", cfg.ProjectID, cfg.Location, cfg.CSV, cfg.API)
		return nil
	}

	store, wh, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	defer wh.Close()

	var sg secrets.SecretGetter
	if cfg.API.TokenSecret != "" {
		sm, err := secrets.NewSecretManager(ctx, clientOptions(cfg)...)
		if err != nil {
			return err
		}
		defer sm.Close()
		sg = sm
	}

	pipelines := buildPipelines(ctx, cfg, wh, store, sg)
	if len(pipelines) == 0 {
		log.Warningf("no pipeline is configured, nothing to do")
		return nil
	}

	var reporters []Reporter
	var metrics *MetricsReporter
	if cfg.Report.PushgatewayURL != "" {
		metrics = NewMetricsReporter(cfg.Report.PushgatewayURL)
		reporters = append(reporters, metrics)
	}
	if cfg.Report.SlackWebhookURL != "" {
		reporters = append(reporters, NewSlackReporter(cfg.Report.SlackWebhookURL))
	}

	Run(ctx, reporters, pipelines...)

	if metrics != nil {
		if err := metrics.Push(ctx); err != nil {
			log.Warningf("%v", err)
		}
	}
	return nil
}

// applyOverlay reads CONFIG_PATH into cfg. A `gs://` document is read with a bootstrap
// client built from the environment; it is closed before the real clients are built.
func applyOverlay(ctx context.Context, cfg *Config) error {
	boot, err := NewGCS(ctx, cfg.ProjectID, cfg.Location, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	defer boot.Close()
	return overlayConfig(ctx, boot, cfg.ConfigPath, cfg)
}

// connect builds the GCS and BigQuery clients from the final configuration. extra is
// appended to the options derived from cfg.
func connect(ctx context.Context, cfg *Config, extra ...option.ClientOption) (*GCS, *BigQuery, error) {
	opts := append(clientOptions(cfg), extra...)
	store, err := NewGCS(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		return nil, nil, err
	}
	wh, err := NewBigQuery(ctx, cfg.ProjectID, cfg.Location, opts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, wh, nil
}

func clientOptions(cfg *Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	log.V(2).Infof("using credentials file %q", cfg.CredentialsFile)
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// buildPipelines returns the pipelines that are fully configured, CSV first. A pipeline that
// is missing configuration is skipped with a logged error; the other one still runs.
func buildPipelines(ctx context.Context, cfg *Config, wh Warehouse, store ObjectStore, sg secrets.SecretGetter) []Pipeline {
	var pipelines []Pipeline

	if err := checkCSVConfig(cfg); err != nil {
		log.Errorf("Error loading CSV file: %v", err)
	} else {
		pipelines = append(pipelines, &CSVPipeline{
			Warehouse: wh,
			Dest:      TableRef{ProjectID: cfg.ProjectID, DatasetID: cfg.CSV.Dataset, TableID: cfg.CSV.Table},
			FilePath:  cfg.CSV.FilePath,
		})
	}

	if p, err := newAPIPipeline(ctx, cfg, wh, store, sg); err != nil {
		log.Errorf("Error loading API data: %v", err)
	} else {
		pipelines = append(pipelines, p)
	}
	return pipelines
}

func newAPIPipeline(ctx context.Context, cfg *Config, wh Warehouse, store ObjectStore, sg secrets.SecretGetter) (*APIPipeline, error) {
	if err := checkAPIConfig(cfg); err != nil {
		return nil, err
	}

	filter, err := MakeRecordFilter(cfg.API.Filter)
	if err != nil {
		return nil, err
	}

	token, err := secrets.Resolve(ctx, sg, cfg.API.TokenSecret, "")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve API token: %w", err)
	}

	p := &APIPipeline{
		Source: &APISource{
			URL:         cfg.API.Endpoint,
			Token:       token,
			RecordsPath: cfg.API.RecordsPath,
		},
		Filter:    filter,
		Store:     store,
		Staging:   StagingArtifact{Bucket: cfg.API.Bucket, Object: cfg.API.StagingObject},
		Warehouse: wh,
		Dest:      TableRef{ProjectID: cfg.ProjectID, DatasetID: cfg.API.Dataset, TableID: cfg.API.Table},
	}
	if cfg.API.SchemaPath != "" {
		if p.Schema, err = LoadSchema(cfg.API.SchemaPath); err != nil {
			return nil, err
		}
	}
	return p, nil
}
