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
	"io"
	"os"
	"sort"
	"strings"

	"github.com/caarlos0/env/v11"
	log "github.com/golang/glog"
	"gopkg.in/yaml.v2"
)

const (
	// DefaultLocation is the region used for datasets and buckets created by the loaders.
	DefaultLocation = "europe-west1"
	// DefaultStagingObject is the object path the API pipeline stages its records at.
	DefaultStagingObject = "data/playstation_games.jsonl"
)

// Config is read once from the environment at startup and handed to each pipeline.
// Fields present in the optional CONFIG_PATH YAML document override the environment.
type Config struct {
	ProjectID       string `env:"PROJECT_ID" yaml:"projectId"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS" yaml:"credentialsFile"`
	Location        string `env:"BIGQUERY_LOCATION" envDefault:"europe-west1" yaml:"location"`

	CSV    CSVConfig    `yaml:"csv"`
	API    APIConfig    `yaml:"api"`
	Report ReportConfig `yaml:"report"`

	ConfigPath string `env:"CONFIG_PATH" yaml:"-"`
}

// CSVConfig configures the local CSV file to BigQuery pipeline.
type CSVConfig struct {
	Dataset  string `env:"BIGQUERY_DATASET" yaml:"dataset"`
	Table    string `env:"BIGQUERY_TABLE" yaml:"table"`
	FilePath string `env:"CSV_FILE_PATH" yaml:"filePath"`
}

// APIConfig configures the API to GCS to BigQuery pipeline.
type APIConfig struct {
	Bucket        string `env:"GCS_BUCKET_NAME" yaml:"bucket"`
	Endpoint      string `env:"API_ENDPOINT" yaml:"endpoint"`
	Dataset       string `env:"API_BIGQUERY_DATASET" yaml:"dataset"`
	Table         string `env:"API_BIGQUERY_TABLE" yaml:"table"`
	SchemaPath    string `env:"API_TABLE_SCHEMA_PATH" yaml:"schemaPath"`
	RecordsPath   string `env:"API_RECORDS_PATH" yaml:"recordsPath"`
	Filter        string `env:"API_RECORD_FILTER" yaml:"filter"`
	TokenSecret   string `env:"API_TOKEN_SECRET" yaml:"tokenSecret"`
	StagingObject string `env:"STAGING_OBJECT" envDefault:"data/playstation_games.jsonl" yaml:"stagingObject"`
}

// ReportConfig configures where pipeline outcomes are published. Both targets are optional.
type ReportConfig struct {
	PushgatewayURL  string `env:"PUSHGATEWAY_URL" yaml:"pushgatewayUrl"`
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL" yaml:"slackWebhookUrl"`
}

// LoadConfig parses the process environment into a Config.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvVariable, err.Error())
	}
	log.V(2).Infof("loaded config from environment: project=%q location=%q csv=%+v api=%+v", cfg.ProjectID, cfg.Location, cfg.CSV, cfg.API)
	return &cfg, nil
}

// checkCSVConfig returns an error naming every variable the CSV pipeline needs but does not have.
func checkCSVConfig(cfg *Config) error {
	return missing(map[string]string{
		"PROJECT_ID":       cfg.ProjectID,
		"BIGQUERY_DATASET": cfg.CSV.Dataset,
		"BIGQUERY_TABLE":   cfg.CSV.Table,
		"CSV_FILE_PATH":    cfg.CSV.FilePath,
	})
}

// checkAPIConfig returns an error naming every variable the API pipeline needs but does not have.
func checkAPIConfig(cfg *Config) error {
	return missing(map[string]string{
		"PROJECT_ID":           cfg.ProjectID,
		"GCS_BUCKET_NAME":      cfg.API.Bucket,
		"API_ENDPOINT":         cfg.API.Endpoint,
		"API_BIGQUERY_DATASET": cfg.API.Dataset,
		"API_BIGQUERY_TABLE":   cfg.API.Table,
		"STAGING_OBJECT":       cfg.API.StagingObject,
	})
}

func missing(values map[string]string) error {
	names := make([]string, 0)
	for name, v := range values {
		if v == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %s", ErrMissingEnvVariable, strings.Join(names, ", "))
}

type objectReaderFactory interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// overlayConfig decodes the YAML document at path on top of cfg. The path is either a
// local file or a `gs://bucket/object` URI read through orf.
func overlayConfig(ctx context.Context, orf objectReaderFactory, path string, cfg *Config) error {
	var r io.ReadCloser
	if trm := strings.TrimPrefix(path, "gs://"); trm != path {
		split := strings.SplitN(trm, "/", 2)
		if len(split) != 2 || split[0] == "" || split[1] == "" {
			return fmt.Errorf("path has incorrect format (expected form: `gs://bucket/path/to/object`): %q", path)
		}
		gr, err := orf.NewReader(ctx, split[0], split[1])
		if err != nil {
			return fmt.Errorf("failed to get reader for (bucket=%q, object=%q): %w", split[0], split[1], err)
		}
		r = gr
	} else {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open config file %q: %w", path, err)
		}
		r = f
	}
	defer r.Close()

	dcd := yaml.NewDecoder(r)
	dcd.SetStrict(true)
	if err := dcd.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse configuration from YAML at %q: %w", path, err)
	}
	log.V(2).Infof("applied config overlay from %q", path)
	return nil
}
