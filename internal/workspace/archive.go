package workspace

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pipeguard/pipeguard/internal/infra/fs"
)

// archiveManifest is written next to each archive so its contents can be
// audited without unpacking.
type archiveManifest struct {
	Workspace  string      `yaml:"workspace"`
	TaskKey    string      `yaml:"task_key"`
	BasePoint  string      `yaml:"base_point"`
	Status     Status      `yaml:"status"`
	MergeState MergeStatus `yaml:"merge_status"`
	ArchivedAt string      `yaml:"archived_at"`
	Files      []string    `yaml:"files"`
}

// Cleanup removes a workspace tree. With archive set, the tree is packed into
// a tar.gz under the archive directory first and the record keeps pointing at
// it. The record itself always survives for audit. Cleanup of an already
// archived workspace is a no-op.
func (m *Manager) Cleanup(name string, archive bool) error {
	var archivePath string
	err := m.withIndex("workspace.cleanup", func(idx *index) error {
		record := idx.find(name)
		if record == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if record.Status == StatusArchived {
			return nil
		}
		if record.Status == StatusValidating {
			return fmt.Errorf("%w: %s has an interrupted merge; run repair", ErrDirtyState, name)
		}

		exists, err := afero.DirExists(m.opts.Fs, record.Path)
		if err != nil {
			return err
		}
		if exists && archive {
			archivePath, err = m.packArchive(record)
			if err != nil {
				return fmt.Errorf("archive workspace %s: %w", name, err)
			}
			record.ArchivePath = archivePath
		}
		if exists {
			if err := m.opts.Fs.RemoveAll(record.Path); err != nil {
				return fmt.Errorf("remove workspace tree: %w", err)
			}
		}
		record.Status = StatusArchived
		record.LastActivityAt = time.Now().UTC().Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		return err
	}
	m.journal("workspace.cleanup", name, map[string]string{"archive": archivePath})
	return nil
}

// packArchive writes <archive>/<name>.tar.gz plus a YAML manifest and returns
// the archive path.
func (m *Manager) packArchive(record *Record) (string, error) {
	if err := m.opts.Fs.MkdirAll(m.opts.ArchiveDir, 0o755); err != nil {
		return "", err
	}
	archivePath := filepath.Join(m.opts.ArchiveDir, record.Name+".tar.gz")

	out, err := m.opts.Fs.Create(archivePath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var files []string
	err = afero.Walk(m.opts.Fs, record.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(record.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := afero.ReadFile(m.opts.Fs, path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    rel,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	manifest := archiveManifest{
		Workspace:  record.Name,
		TaskKey:    record.TaskKey,
		BasePoint:  record.BasePoint,
		Status:     record.Status,
		MergeState: record.MergeStatus,
		ArchivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Files:      files,
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", err
	}
	manifestPath := filepath.Join(m.opts.ArchiveDir, record.Name+".manifest.yaml")
	if err := fs.WriteFileAtomicFs(m.opts.Fs, manifestPath, data); err != nil {
		return "", err
	}
	return archivePath, nil
}
