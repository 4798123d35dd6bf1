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

// Package secrets resolves credentials kept in Secret Manager.
package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	smpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	log "github.com/golang/glog"
	"google.golang.org/api/option"
)

// SecretGetter allows for fetching secrets from some key store.
type SecretGetter interface {
	GetSecret(context.Context, string) (string, error)
}

// SecretManager is a SecretGetter backed by Secret Manager.
type SecretManager struct {
	client *secretmanager.Client
}

// NewSecretManager creates the Secret Manager client.
func NewSecretManager(ctx context.Context, opts ...option.ClientOption) (*SecretManager, error) {
	smc, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create new SecretManager client: %w", err)
	}
	return &SecretManager{client: smc}, nil
}

// GetSecret returns the payload of the given secret version resource, e.g.
// `projects/my-project/secrets/my-secret/versions/latest`.
func (a *SecretManager) GetSecret(ctx context.Context, name string) (string, error) {
	res, err := a.client.AccessSecretVersion(ctx, &smpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to get secret named %q: %w", name, err)
	}
	return string(res.GetPayload().GetData()), nil
}

// Close releases the underlying client.
func (a *SecretManager) Close() error {
	return a.client.Close()
}

// Resolve returns the secret named by resource, or fallback when resource is empty.
func Resolve(ctx context.Context, sg SecretGetter, resource, fallback string) (string, error) {
	if resource == "" {
		return fallback, nil
	}
	if sg == nil {
		return "", fmt.Errorf("no secret getter available to resolve %q", resource)
	}
	v, err := sg.GetSecret(ctx, resource)
	if err != nil {
		return "", err
	}
	log.V(2).Infof("resolved secret %q", resource)
	return v, nil
}
