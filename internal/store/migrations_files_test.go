package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

func TestMigrationFilesAreSequentialAndNonEmpty(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.up\.sql$`)
	seen := map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("migration file %q does not match NNNN_name.up.sql", name)
		}
		version := match[1]
		if prev, dup := seen[version]; dup {
			t.Fatalf("version %s used by both %q and %q", version, prev, name)
		}
		seen[version] = name

		contents, rerr := os.ReadFile(filepath.Join(migrationsDir, name))
		if rerr != nil {
			t.Fatalf("read %s: %v", name, rerr)
		}
		if len(contents) == 0 {
			t.Fatalf("migration %s is empty", name)
		}
	}

	if len(seen) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i := 1; i <= len(seen); i++ {
		version := fmt.Sprintf("%04d", i)
		if _, ok := seen[version]; !ok {
			t.Fatalf("missing migration version %s", version)
		}
	}
}
