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
	"fmt"
	"io"
	"net/http"
	"os"

	log "github.com/golang/glog"
)

// RecordSource produces the raw records of one API pipeline run.
type RecordSource interface {
	Fetch(ctx context.Context) ([]json.RawMessage, error)
}

// APISource fetches records with a single blocking GET. There is no pagination or retry.
type APISource struct {
	Client *http.Client
	URL    string
	// Token, if set, is sent as a bearer token.
	Token string
	// RecordsPath, if set, is a `$(...)` JSONPath selecting the records inside the response.
	// Otherwise the response must be a JSON array of records.
	RecordsPath string
}

// Fetch returns the records in the order the endpoint returned them. A non-2xx status
// yields an *HTTPError.
func (s *APISource) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new HTTP request: %w", err)
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", "warehouse-loaders/0.1 (api)")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warningf("got a non-OK response status %q (%d) from %q", resp.Status, resp.StatusCode, s.URL)
		return nil, &HTTPError{URL: s.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %q: %w", s.URL, err)
	}

	var records []json.RawMessage
	if s.RecordsPath == "" {
		records, err = decodeArray(body)
	} else {
		records, err = selectRecords(s.RecordsPath, body)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode records from %q: %w", s.URL, err)
	}
	log.Infof("Fetched %d records from API", len(records))
	return records, nil
}

// decodeArray splits a JSON array into its elements, keeping each element's bytes (and so
// its field order) intact.
func decodeArray(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("expected a JSON array of records")
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// OpenCSV opens the local CSV file handed to the bulk loader.
func OpenCSV(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	return f, nil
}
