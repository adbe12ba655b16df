package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeBundled(t *testing.T, dir, platform, version string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, platform+".json")
	if err := os.WriteFile(path, specSource(platform, version), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSeedInstallsBundledAdapters(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	bundled := filepath.Join(t.TempDir(), "bundled")
	writeBundled(t, bundled, "toast", "1.0.0")
	writeBundled(t, bundled, "square", "1.2.0")

	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}

	for _, platform := range []string{"toast", "square"} {
		record, err := store.Public(ctx, platform)
		if err != nil {
			t.Fatalf("%s: %v", platform, err)
		}
		if record.OwnerID != SystemOwner {
			t.Errorf("%s owner = %s", platform, record.OwnerID)
		}
		if _, err := os.Stat(record.FilePath); err != nil {
			t.Errorf("%s file not written: %v", platform, err)
		}
	}
}

func TestSeedUpgradesOnlyNewerVersions(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	bundled := filepath.Join(t.TempDir(), "bundled")
	writeBundled(t, bundled, "toast", "1.0.0")
	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}
	installed, _ := store.Public(ctx, "toast")

	// Same version again is a no-op.
	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}
	after, _ := store.Public(ctx, "toast")
	if after.SourceHash != installed.SourceHash {
		t.Error("same-version seed rewrote the row")
	}

	// An older bundled version never downgrades.
	writeBundled(t, bundled, "toast", "0.9.0")
	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}
	after, _ = store.Public(ctx, "toast")
	if after.SourceHash != installed.SourceHash {
		t.Error("older bundled version downgraded the row")
	}

	// A newer one upgrades in place.
	writeBundled(t, bundled, "toast", "1.1.0")
	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}
	after, _ = store.Public(ctx, "toast")
	if after.SourceHash == installed.SourceHash {
		t.Error("newer bundled version did not upgrade")
	}
	if after.ID != installed.ID {
		t.Error("upgrade replaced the row instead of updating it")
	}
}

func TestSeedLeavesPromotedCommunityAdapters(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, "toast", "user-a", specSource("toast", "1.0.0")); err != nil {
		t.Fatal(err)
	}
	if err := store.Promote(ctx, "toast", "user-a", "admin-1"); err != nil {
		t.Fatal(err)
	}

	bundled := filepath.Join(t.TempDir(), "bundled")
	writeBundled(t, bundled, "toast", "9.0.0")
	if err := Seed(ctx, store, bundled); err != nil {
		t.Fatal(err)
	}

	record, err := store.Public(ctx, "toast")
	if err != nil {
		t.Fatal(err)
	}
	if record.OwnerID != "user-a" {
		t.Errorf("community adapter displaced, owner = %s", record.OwnerID)
	}
}

func TestSeedMissingDirIsNoop(t *testing.T) {
	store, _ := setupStore(t)
	if err := Seed(context.Background(), store, filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatal(err)
	}
	if err := Seed(context.Background(), store, ""); err != nil {
		t.Fatal(err)
	}
}
