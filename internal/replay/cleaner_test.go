package replay

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"monsterhunt/arengine/internal/logging"
)

func TestCleanerEnforcesMaxSessions(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	//1.- Seed three bundles with distinct ages.
	writeTraceDirectory(t, tmp, "alpha-20260715T090000Z", now.Add(-3*time.Hour), 64)
	writeTraceDirectory(t, tmp, "bravo-20260715T100000Z", now.Add(-2*time.Hour), 32)
	writeTraceDirectory(t, tmp, "charlie-20260715T110000Z", now.Add(-time.Hour), 48)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxSessions: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listBundles(t, tmp)
	expected := []string{"bravo-20260715T100000Z", "charlie-20260715T110000Z"}
	if strings.Join(remaining, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected retained bundles: %v", remaining)
	}
	stats := cleaner.Stats()
	if stats.Sessions != 2 {
		t.Fatalf("expected 2 sessions, got %d", stats.Sessions)
	}
	if stats.Bytes != 80 {
		t.Fatalf("expected byte total 80, got %d", stats.Bytes)
	}
	if !stats.LastSweep.Equal(now) {
		t.Fatalf("expected last sweep %s, got %s", now, stats.LastSweep)
	}
}

func TestCleanerPrunesByAge(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 7, 16, 9, 0, 0, 0, time.UTC)
	writeTraceDirectory(t, tmp, "echo-20260713T080000Z", now.Add(-72*time.Hour), 3)
	writeTraceDirectory(t, tmp, "foxtrot-20260716T070000Z", now.Add(-time.Hour), 5)
	//1.- Loose files are not bundles and must survive the sweep.
	if err := os.WriteFile(filepath.Join(tmp, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write loose file: %v", err)
	}

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 36 * time.Hour, MaxSessions: 5}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listBundles(t, tmp)
	if len(remaining) != 1 || remaining[0] != "foxtrot-20260716T070000Z" {
		t.Fatalf("expected only foxtrot to remain, got %v", remaining)
	}
	if _, err := os.Stat(filepath.Join(tmp, "notes.txt")); err != nil {
		t.Fatalf("expected loose file to survive: %v", err)
	}
}

func TestCleanerIgnoresMissingRoot(t *testing.T) {
	cleaner := NewCleaner(filepath.Join(t.TempDir(), "absent"), RetentionPolicy{MaxSessions: 1}, logging.NewTestLogger())
	cleaner.RunOnce()
	if stats := cleaner.Stats(); !stats.LastSweep.IsZero() {
		t.Fatalf("expected no sweep stats for a missing root, got %+v", stats)
	}
	var nilCleaner *Cleaner
	nilCleaner.RunOnce()
	if stats := nilCleaner.Stats(); stats.Sessions != 0 {
		t.Fatalf("expected zero stats from nil cleaner, got %+v", stats)
	}
}

func writeTraceDirectory(t *testing.T, root, name string, mod time.Time, size int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	//1.- Stamp the directory after writing so its mtime reflects the seeded age.
	if err := os.Chtimes(dir, mod, mod); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func listBundles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}
