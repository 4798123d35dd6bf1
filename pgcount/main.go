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

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dataplumb/warehouse-loaders/lib/pgclient"
	"github.com/dataplumb/warehouse-loaders/lib/secrets"
	log "github.com/golang/glog"
)

const countQuery = `
SELECT COUNT(*)
FROM alt_school.dataco_supply_chain;
`

func main() {
	flag.Parse()
	defer log.Flush()

	ctx := context.Background()
	cfg, err := pgclient.LoadConfig()
	if err != nil {
		log.Fatalf("fatal error: %v", err)
	}

	if cfg.PasswordSecret != "" {
		sm, err := secrets.NewSecretManager(ctx)
		if err != nil {
			log.Fatalf("fatal error: %v", err)
		}
		cfg.Password, err = secrets.Resolve(ctx, sm, cfg.PasswordSecret, cfg.Password)
		sm.Close()
		if err != nil {
			log.Fatalf("failed to resolve PostgreSQL password: %v", err)
		}
	}

	db, err := pgclient.Connect(ctx, cfg)
	if err != nil {
		log.Errorf("Error connecting to PostgreSQL database: %v", err)
		fmt.Println("Failed to connect to the database.")
		return
	}
	defer db.Close()

	run(ctx, os.Stdout, db, countQuery)
}

// run prints the rows returned by query. A failed query prints an empty result.
func run(ctx context.Context, w io.Writer, db *sql.DB, query string) {
	rows, err := pgclient.Query(ctx, db, query)
	if err != nil {
		log.Errorf("Error executing query: %v", err)
		rows = [][]interface{}{}
	}
	fmt.Fprintln(w, rows)
}
