package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// Seed loads bundled adapter specs from dir into the public registry. A
// bundled spec only replaces an existing public adapter when its version is
// strictly newer, so operator promotions survive restarts.
func Seed(ctx context.Context, store *Store, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "read bundled adapters dir")
	}

	log := slog.Default().With("component", "adapters")
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, dirEntry.Name())
		source, err := os.ReadFile(path)
		if err != nil {
			log.Warn("read bundled adapter", "path", path, "error", err)
			continue
		}
		if err := seedOne(ctx, store, source); err != nil {
			log.Warn("seed bundled adapter", "path", path, "error", err)
		}
	}
	return nil
}

func seedOne(ctx context.Context, store *Store, source []byte) error {
	spec, err := ParseSpec(source)
	if err != nil {
		return err
	}
	platform := spec.Manifest.Platform

	current, err := store.Public(ctx, platform)
	if err != nil && !faults.IsNotFound(err) {
		return err
	}
	if current != nil {
		if !bundledIsNewer(spec.Manifest.Version, current) {
			return nil
		}
		if current.OwnerID != SystemOwner {
			// A promoted community adapter holds the slot. Leave it.
			return nil
		}
	}

	now := database.FormatTime(time.Now())
	hash := SourceHash(source)
	path := store.publicPath(platform)

	err = database.WithTx(ctx, store.db, func(tx *sql.Tx) error {
		if current != nil {
			_, err := tx.ExecContext(ctx, `
			UPDATE adapters SET source_code = ?, source_hash = ?, file_path = ?, updated_at = ?
			WHERE id = ?`,
				string(source), hash, path, now, current.ID)
			if err != nil {
				return faults.Wrap(faults.KindTransient, err, "update bundled adapter")
			}
			return nil
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO adapters (id, platform, owner_id, status, file_path, source_code, source_hash, created_at, updated_at, promoted_at, promoted_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), platform, SystemOwner, StatusPublic, path,
			string(source), hash, now, now, now, SystemOwner)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "insert bundled adapter")
		}
		return nil
	})
	if err != nil {
		return err
	}
	return store.writeFile(path, source)
}

// bundledIsNewer compares semver versions. Unparseable versions fall back to
// inequality so a malformed bundled version never clobbers a good row.
func bundledIsNewer(bundledVersion string, current *Record) bool {
	var currentSpec Spec
	if err := json.Unmarshal([]byte(current.SourceCode), &currentSpec); err != nil {
		return true
	}
	bundled, err := semver.NewVersion(bundledVersion)
	if err != nil {
		return false
	}
	installed, err := semver.NewVersion(currentSpec.Manifest.Version)
	if err != nil {
		return true
	}
	return bundled.GreaterThan(installed)
}
