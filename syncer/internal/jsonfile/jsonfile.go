// Package jsonfile persists small JSON documents with crash-safe writes.
// Save goes through a temp file in the same directory followed by a rename,
// so readers never observe a half-written document. Load distinguishes a
// missing document from a corrupt one; both are recoverable conditions for
// the callers (they start from an empty document).
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt marks a document that exists but cannot be decoded (including
// a zero-byte file). Callers treat it as "no prior state" and log it.
var ErrCorrupt = errors.New("jsonfile: corrupt document")

// Load decodes the document at path into v. A missing file returns an error
// wrapping os.ErrNotExist; an empty or undecodable file returns an error
// wrapping ErrCorrupt. v is left untouched in both cases.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("jsonfile: %w", err)
		}
		return fmt.Errorf("jsonfile: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// Save writes v as indented JSON to path atomically: temp file in the same
// directory, fsync, rename. On any failure the temp file is removed and the
// previous document is left intact.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jsonfile: mkdir %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("jsonfile: create temp: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: close temp: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: chmod temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jsonfile: rename: %w", err)
	}
	return nil
}
