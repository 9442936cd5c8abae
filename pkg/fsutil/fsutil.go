// Package fsutil holds the atomic file writes shared by the session store,
// the progress ledger and the harvester manifest.
package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TempPrefix marks in-flight temp files. Directory scans must skip them.
const TempPrefix = ".tmp-"

// IsTemp reports whether name is an in-flight temp file.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// Writer replaces files atomically: temp file in the target directory,
// write, fsync, close, rename, fsync of the directory.
type Writer struct {
	// Perm is applied to the temp file before the rename (default 0o644)
	Perm os.FileMode

	// BeforeRename runs after the temp file is closed. A non-nil error
	// aborts the write and removes the temp file.
	BeforeRename func(tmpPath string) error
}

// WriteBytes atomically replaces path with data.
func (w Writer) WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if w.BeforeRename != nil {
		if err := w.BeforeRename(tmpPath); err != nil {
			cleanup()
			return fmt.Errorf("write %s interrupted: %w", path, err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	if err := SyncDir(dir); err != nil {
		return fmt.Errorf("sync directory of %s: %w", path, err)
	}
	return nil
}

// SyncDir flushes the directory entry of dir so a completed rename
// survives power loss. Windows cannot sync directories; it is a no-op there.
func SyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// WriteJSON marshals v with indentation and writes it atomically.
func (w Writer) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return w.WriteBytes(path, data)
}

// WriteBytes atomically replaces path with data using default settings.
func WriteBytes(path string, data []byte) error {
	return Writer{}.WriteBytes(path, data)
}

// WriteJSON atomically writes v as indented JSON using default settings.
func WriteJSON(path string, v any) error {
	return Writer{}.WriteJSON(path, v)
}

// ReadJSON reads path and unmarshals it into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}
