package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// reservedPrefix marks bookkeeping files inside a workspace that are owned by
// the lifecycle manager, not the task.
const reservedPrefix = ".pipeguard"

// Manifest maps slash-separated relative paths to hex SHA-256 content hashes.
// It is the unit of comparison between a workspace, its base point, and the
// trunk.
type Manifest map[string]string

// buildManifest hashes every regular file under root. Reserved bookkeeping
// paths are skipped.
func buildManifest(afs afero.Fs, root string) (Manifest, error) {
	manifest := Manifest{}
	err := afero.Walk(afs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, reservedPrefix) {
			return nil
		}
		sum, err := hashFile(afs, path)
		if err != nil {
			return err
		}
		manifest[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("build manifest for %s: %w", root, err)
	}
	return manifest, nil
}

func hashFile(afs afero.Fs, path string) (string, error) {
	f, err := afs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Digest returns a stable hash over the whole manifest, used as a trunk
// reference (base point).
func (m Manifest) Digest() string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s %s\n", p, m[p])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Diff returns the paths whose content differs between base and current:
// additions, modifications, and deletions (present in base, gone in current).
func (m Manifest) Diff(base Manifest) []string {
	var changed []string
	for path, sum := range m {
		if baseSum, ok := base[path]; !ok || baseSum != sum {
			changed = append(changed, path)
		}
	}
	for path := range base {
		if _, ok := m[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
