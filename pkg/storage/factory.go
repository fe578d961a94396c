// Copyright 2026 The EverMemOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	// Database drivers. sqlite comes from the pure-Go modernc driver so
	// builds never need CGO.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/zhisenyang/EverMemOS/internal/sqlitedriver"
)

// Config selects and configures a store backend.
type Config struct {
	// Backend names the implementation: "memory" (default), "sqlite",
	// "postgres", or "mysql".
	Backend string

	// DSN is the database connection string for SQL backends. For
	// sqlite this is a file path (or ":memory:").
	DSN string

	// Logger receives store diagnostics. Defaults to a nop logger.
	Logger *zap.Logger
}

// NewStore creates the configured profile store.
func NewStore(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(cfg.Logger), nil
	case "sqlite", "sqlite3", "postgres", "postgresql", "mysql":
		return NewSQLStore(cfg.Backend, cfg.DSN, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want memory, sqlite, postgres, or mysql)", cfg.Backend)
	}
}
