package traceplayer

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"monsterhunt/arengine/internal/replay"
)

// Entry pairs a trace manifest with the directory holding it.
type Entry struct {
	Dir      string          `json:"dir"`
	Manifest replay.Manifest `json:"manifest"`
}

// List walks root and returns every trace manifest, oldest first.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var manifest replay.Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, Entry{Dir: filepath.Dir(path), Manifest: manifest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	//1.- RFC 3339 timestamps in UTC sort lexically.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.CreatedAt == entries[j].Manifest.CreatedAt {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Manifest.CreatedAt < entries[j].Manifest.CreatedAt
	})
	return entries, nil
}
