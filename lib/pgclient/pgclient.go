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

// Package pgclient connects to PostgreSQL and runs ad hoc queries.
package pgclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	log "github.com/golang/glog"
	_ "github.com/lib/pq"
)

// ErrInvalidEnvVariable reports POSTGRES_* values that cannot be parsed.
var ErrInvalidEnvVariable = errors.New("invalid PostgreSQL connection setting")

// Config holds the connection parameters read from the environment.
type Config struct {
	User     string `env:"POSTGRES_USER"`
	Password string `env:"POSTGRES_PASSWORD"`
	// PasswordSecret, if set, names a Secret Manager secret version that replaces Password.
	PasswordSecret string `env:"POSTGRES_PASSWORD_SECRET"`
	Host           string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port           int    `env:"POSTGRES_PORT" envDefault:"5434"`
	DBName         string `env:"POSTGRES_DB"`
	SSLMode        string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
}

// LoadConfig parses the process environment into a Config.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvVariable, err.Error())
	}
	log.V(2).Infof("postgres config: host=%q port=%d user=%q dbname=%q", cfg.Host, cfg.Port, cfg.User, cfg.DBName)
	return &cfg, nil
}

// DSN returns the key/value connection string understood by lib/pq. Empty values are
// omitted so the driver defaults apply.
func (c *Config) DSN() string {
	parts := make([]string, 0, 6)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quote(v))
		}
	}
	add("host", c.Host)
	if c.Port != 0 {
		add("port", fmt.Sprint(c.Port))
	}
	add("user", c.User)
	add("password", c.Password)
	add("dbname", c.DBName)
	add("sslmode", c.SSLMode)
	return strings.Join(parts, " ")
}

// quote escapes a DSN value the way libpq expects: single quotes around values with spaces
// or quotes, backslash-escaping both.
func quote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Connect opens a connection and pings it. On failure nothing is left open.
func Connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}
	log.Infof("connected to PostgreSQL database %q on %s:%d", cfg.DBName, cfg.Host, cfg.Port)
	return db, nil
}

// Query runs query and returns every row, with []byte values converted to strings.
func Query(ctx context.Context, db *sql.DB, query string) ([][]interface{}, error) {
	if db == nil {
		return nil, errors.New("database connection not established")
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get column names: %w", err)
	}

	result := make([][]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}
