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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// SQLStore persists profiles through database/sql. Timestamps live inside
// the JSON payloads; the unix-seconds columns exist only for filtering.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewSQLStore opens a connection pool for the given driver ("sqlite",
// "postgres", or "mysql") and initializes the schema.
func NewSQLStore(driverName, dsn string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var driver string
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
	case "postgres", "postgresql":
		driver = "postgres"
	case "mysql":
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported database driver %q (want sqlite, postgres, or mysql)", driverName)
	}
	if dsn == "" {
		return nil, fmt.Errorf("database DSN required for driver %q", driverName)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// modernc sqlite allows one writer, and :memory: databases are
		// per-connection; a single pooled connection avoids both traps.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	text := "TEXT"
	if s.driver == "mysql" {
		text = "MEDIUMTEXT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS profiles (
			user_id    VARCHAR(255) PRIMARY KEY,
			scenario   VARCHAR(32) NOT NULL,
			version    BIGINT NOT NULL,
			data       %s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS profile_versions (
			user_id    VARCHAR(255) NOT NULL,
			version    BIGINT NOT NULL,
			record     %s NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, version)
		)`, text),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isDuplicateKey matches the three drivers' unique-violation messages.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

// Save stores the profile under the optimistic-concurrency contract, and
// appends the version record in the same transaction.
func (s *SQLStore) Save(ctx context.Context, userID string, profile *types.Profile, meta SaveMetadata) error {
	if userID == "" || profile == nil {
		return fmt.Errorf("save: user id and profile required")
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile %s: %w", userID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE profiles SET scenario = ?, version = ?, data = ?, updated_at = ? WHERE user_id = ? AND version = ?`),
		string(profile.Scenario), profile.Version, string(data), profile.UpdatedAt.Unix(),
		userID, profile.Version-1)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}

	if affected == 0 {
		var existing int64
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT version FROM profiles WHERE user_id = ?`), userID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, s.rebind(
				`INSERT INTO profiles (user_id, scenario, version, data, updated_at) VALUES (?, ?, ?, ?, ?)`),
				userID, string(profile.Scenario), profile.Version, string(data), profile.UpdatedAt.Unix())
			if isDuplicateKey(err) {
				return fmt.Errorf("insert profile %s: %w", userID, ErrVersionConflict)
			}
			if err != nil {
				return fmt.Errorf("insert profile %s: %w", userID, err)
			}
		case err != nil:
			return fmt.Errorf("read profile version %s: %w", userID, err)
		default:
			return fmt.Errorf("save %s: have v%d, got v%d: %w",
				userID, existing, profile.Version, ErrVersionConflict)
		}
	}

	if meta.Version != nil {
		record, err := json.Marshal(meta.Version)
		if err != nil {
			return fmt.Errorf("marshal version record %s: %w", userID, err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO profile_versions (user_id, version, record, created_at) VALUES (?, ?, ?, ?)`),
			userID, meta.Version.Version, string(record), meta.Version.CreatedAt.Unix())
		if isDuplicateKey(err) {
			return fmt.Errorf("insert version record %s v%d: %w", userID, meta.Version.Version, ErrVersionConflict)
		}
		if err != nil {
			return fmt.Errorf("insert version record %s v%d: %w", userID, meta.Version.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save %s: %w", userID, err)
	}

	s.logger.Debug("profile saved",
		zap.String("user_id", userID),
		zap.Int64("version", profile.Version),
		zap.String("unit_id", meta.UnitID))
	return nil
}

// Get returns the user's profile or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, userID string) (*types.Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT data FROM profiles WHERE user_id = ?`), userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", userID, err)
	}

	var p types.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile %s: %w", userID, err)
	}
	return &p, nil
}

// GetAll returns every stored profile keyed by user id.
func (s *SQLStore) GetAll(ctx context.Context) (map[string]*types.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, data FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("get all profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*types.Profile)
	for rows.Next() {
		var userID, data string
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		var p types.Profile
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal profile %s: %w", userID, err)
		}
		out[userID] = &p
	}
	return out, rows.Err()
}

// GetHistory returns version records newest-first.
func (s *SQLStore) GetHistory(ctx context.Context, userID string, limit int) ([]*types.ProfileVersion, error) {
	query := `SELECT record FROM profile_versions WHERE user_id = ? ORDER BY version DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*types.ProfileVersion
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		var v types.ProfileVersion
		if err := json.Unmarshal([]byte(record), &v); err != nil {
			return nil, fmt.Errorf("unmarshal version record: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// Clear removes all profiles and history.
func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profile_versions`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles`); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// PruneHistory implements HistoryPruner.
func (s *SQLStore) PruneHistory(ctx context.Context, keepPerUser int, olderThan time.Time) (int64, error) {
	if keepPerUser < 0 {
		keepPerUser = 0
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM profile_versions
		 WHERE created_at < ?
		   AND (user_id, version) IN (
		        SELECT user_id, version FROM (
		            SELECT user_id, version,
		                   ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY version DESC) AS rn
		              FROM profile_versions
		        ) ranked
		        WHERE ranked.rn > ?)`),
		olderThan.Unix(), keepPerUser)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}

	if deleted > 0 {
		s.logger.Info("pruned version history",
			zap.Int64("deleted", deleted),
			zap.Int("keep_per_user", keepPerUser),
			zap.Time("older_than", olderThan))
	}
	return deleted, nil
}
