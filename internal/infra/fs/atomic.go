package fs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename. Readers never observe a partial file.
// The file and its parent directory are fsynced so the commit survives a crash.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return fmt.Errorf("write file atomic: path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write file atomic %s: create parent dir: %w", path, err)
	}
	if perm == 0 {
		perm = 0o644
	}

	// Temp file must live in the same directory for a same-filesystem rename.
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp.%s.%d", filepath.Base(path), os.Getpid()))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write file atomic %s: create temp file: %w", path, err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write file atomic %s: write: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("write file atomic %s: fsync: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write file atomic %s: close: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write file atomic %s: rename: %w", path, err)
	}
	if err := FsyncDir(dir); err != nil {
		return fmt.Errorf("write file atomic %s: rename succeeded but parent sync failed: %w", path, err)
	}
	return nil
}

// AtomicWriteJSON marshals v with indentation and commits it via WriteFileAtomic.
func AtomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomic write json %s: marshal: %w", path, err)
	}
	return WriteFileAtomic(path, append(b, '\n'), 0o644)
}

// AppendNDJSONLine appends one JSON object as a single line to an NDJSON file.
// The file is fsynced after the append for durability.
func AppendNDJSONLine(path string, record any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("append ndjson %s: create parent dir: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append ndjson %s: open: %w", path, err)
	}
	defer f.Close()

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("append ndjson %s: marshal: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append ndjson %s: write: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("append ndjson %s: flush: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("append ndjson %s: fsync: %w", path, err)
	}
	return nil
}

// FsyncDir syncs directory metadata to disk. Required after a rename so the
// directory entry itself is persisted.
func FsyncDir(dirPath string) error {
	if dirPath == "" {
		return fmt.Errorf("fsync dir: path is empty")
	}
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir: open %s: %w", dirPath, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("fsync dir: sync %s: %w", dirPath, err)
	}
	return nil
}
