package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestInitMigrationCreatesCoreTables(t *testing.T) {
	data, err := os.ReadFile(filepath.Join(migrationsDir(), "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sql := string(data)
	for _, table := range []string{"users", "issues", "issue_history", "comments", "notifications", "refresh_sessions", "revoked_access_tokens"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("init migration missing table %s", table)
		}
	}
	if !strings.Contains(sql, "version INTEGER NOT NULL DEFAULT 1") {
		t.Fatal("issues table must default version to 1")
	}
}
