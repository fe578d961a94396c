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
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/zhisenyang/EverMemOS/internal/csync"
	"github.com/zhisenyang/EverMemOS/pkg/storage"
	"github.com/zhisenyang/EverMemOS/pkg/types"
)

// ExportOptions controls ExportProfiles.
type ExportOptions struct {
	// IncludeHistory also writes every version record under
	// history/<user>/.
	IncludeHistory bool

	// Compress writes zstd-compressed .json.zst files instead of plain
	// JSON.
	Compress bool
}

// Archiver moves profiles between a store and an export directory. It is
// the storage-only slice of the pipeline: no LLM provider is involved, so
// administrative tools can export and import without one. A Manager
// delegates its ExportProfiles/ImportProfiles here, sharing its user
// locks.
type Archiver struct {
	store  storage.Store
	logger *zap.Logger
	locks  *csync.KeyedMutex[string]
}

// NewArchiver creates an archiver over the store.
func NewArchiver(store storage.Store, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("profile store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		logger: logger,
		locks:  csync.NewKeyedMutex[string](),
	}, nil
}

// ExportProfiles writes the manager's stored profiles into dir. See
// Archiver.ExportProfiles.
func (m *Manager) ExportProfiles(ctx context.Context, dir string, opts ExportOptions) (int, error) {
	return m.archiver().ExportProfiles(ctx, dir, opts)
}

// ImportProfiles reads an export directory back into the store, under the
// manager's user locks so imports and live merges never interleave for
// the same user.
func (m *Manager) ImportProfiles(ctx context.Context, dir string) (int, error) {
	return m.archiver().ImportProfiles(ctx, dir)
}

// archiver wraps the manager's store and locks for export/import work.
func (m *Manager) archiver() *Archiver {
	return &Archiver{store: m.store, logger: m.logger, locks: m.userLocks}
}

// ExportProfiles writes every stored profile into dir as
// profile_<user>.json, plus history/<user>/version_NNN.json per version
// record when IncludeHistory is set. Returns the number of profiles
// written.
func (a *Archiver) ExportProfiles(ctx context.Context, dir string, opts ExportOptions) (int, error) {
	profiles, err := a.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load profiles: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}

	userIDs := make([]string, 0, len(profiles))
	for userID := range profiles {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	count := 0
	for _, userID := range userIDs {
		data, err := json.MarshalIndent(profiles[userID], "", "  ")
		if err != nil {
			return count, fmt.Errorf("encode profile %s: %w", userID, err)
		}
		name := filepath.Join(dir, fmt.Sprintf("profile_%s.json", userID))
		if err := writeExportFile(name, data, opts.Compress); err != nil {
			return count, err
		}
		count++

		if !opts.IncludeHistory {
			continue
		}
		if err := a.exportHistory(ctx, dir, userID, opts.Compress); err != nil {
			return count, err
		}
	}

	a.logger.Info("exported profiles",
		zap.String("dir", dir),
		zap.Int("count", count),
		zap.Bool("history", opts.IncludeHistory),
		zap.Bool("compressed", opts.Compress))
	return count, nil
}

func (a *Archiver) exportHistory(ctx context.Context, dir, userID string, compress bool) error {
	records, err := a.store.GetHistory(ctx, userID, 0)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", userID, err)
	}
	if len(records) == 0 {
		return nil
	}

	hdir := filepath.Join(dir, "history", userID)
	if err := os.MkdirAll(hdir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	for _, rec := range records {
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode version %d for %s: %w", rec.Version, userID, err)
		}
		name := filepath.Join(hdir, fmt.Sprintf("version_%03d.json", rec.Version))
		if err := writeExportFile(name, data, compress); err != nil {
			return err
		}
	}
	return nil
}

// ImportProfiles reads an export directory back into the store. History
// records, when present, are replayed oldest-first so the version sequence
// rebuilds without gaps; bare profiles insert at their exported version.
// Versions already present are skipped. Returns the number of profiles
// imported or confirmed present.
func (a *Archiver) ImportProfiles(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read export dir: %w", err)
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "profile_") {
			continue
		}

		data, err := readExportFile(filepath.Join(dir, name))
		if err != nil {
			return count, err
		}
		var p types.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return count, fmt.Errorf("decode %s: %w", name, err)
		}
		if p.UserID == "" {
			return count, fmt.Errorf("decode %s: missing user_id", name)
		}

		if err := a.importUser(ctx, dir, &p); err != nil {
			return count, err
		}
		count++
	}

	a.logger.Info("imported profiles", zap.String("dir", dir), zap.Int("count", count))
	return count, nil
}

// importUser replays one user's history (when exported) and then the live
// profile, all under the user's lock.
func (a *Archiver) importUser(ctx context.Context, dir string, p *types.Profile) error {
	unlock := a.locks.Lock(p.UserID)
	defer unlock()

	hdir := filepath.Join(dir, "history", p.UserID)
	if entries, err := os.ReadDir(hdir); err == nil {
		records := make([]*types.ProfileVersion, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "version_") {
				continue
			}
			data, err := readExportFile(filepath.Join(hdir, entry.Name()))
			if err != nil {
				return err
			}
			var rec types.ProfileVersion
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", entry.Name(), err)
			}
			if rec.Snapshot == nil {
				return fmt.Errorf("decode %s: missing snapshot", entry.Name())
			}
			records = append(records, &rec)
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })

		for _, rec := range records {
			err := a.store.Save(ctx, p.UserID, rec.Snapshot, storage.SaveMetadata{Version: rec})
			if errors.Is(err, storage.ErrVersionConflict) {
				a.logger.Debug("skipping already-present version",
					zap.String("user_id", p.UserID),
					zap.Int64("version", rec.Version))
				continue
			}
			if err != nil {
				return fmt.Errorf("replay version %d for %s: %w", rec.Version, p.UserID, err)
			}
		}
	}

	current, err := a.store.Get(ctx, p.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := a.store.Save(ctx, p.UserID, p, storage.SaveMetadata{}); err != nil {
			return fmt.Errorf("import profile %s: %w", p.UserID, err)
		}
	case err != nil:
		return fmt.Errorf("load profile %s: %w", p.UserID, err)
	case current.Version < p.Version:
		if err := a.store.Save(ctx, p.UserID, p, storage.SaveMetadata{}); err != nil &&
			!errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("import profile %s: %w", p.UserID, err)
		}
	}
	return nil
}

func writeExportFile(path string, data []byte, compress bool) error {
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()
		data = enc.EncodeAll(data, nil)
		path += ".zst"
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// readExportFile reads path, or its .zst sibling when the plain file is
// absent, decompressing as needed.
func readExportFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !strings.HasSuffix(path, ".zst") {
		path += ".zst"
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err := dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		return data, nil
	}
	return raw, nil
}
