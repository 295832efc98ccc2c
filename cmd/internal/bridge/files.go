package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// readFiles loads every regular file under dir, keyed by slash-separated relative path.
// A missing dir yields no files.
func readFiles(dir string, limit int64) (map[string][]byte, error) {
	files := make(map[string][]byte)
	var total int64

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return filepath.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		total += int64(len(b))
		if total > limit {
			return fmt.Errorf("credential files exceed %d bytes", limit)
		}
		files[filepath.ToSlash(rel)] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// cleanName validates a sidecar-supplied file name and returns it as a local relative path.
func cleanName(name string) (string, error) {
	clean := path.Clean(name)
	switch {
	case name == "", clean == ".", path.IsAbs(clean), strings.Contains(name, "\\"):
		return "", fmt.Errorf("invalid credential file name %q", name)
	case clean == "..", strings.HasPrefix(clean, "../"):
		return "", fmt.Errorf("credential file name escapes the session dir: %q", name)
	}
	return filepath.FromSlash(clean), nil
}

// writeFiles applies a credential update: each file is replaced atomically, nil content
// removes it. Every name is validated before anything is written.
func writeFiles(dir string, files map[string][]byte) error {
	names := make(map[string]string, len(files))
	for name := range files {
		rel, err := cleanName(name)
		if err != nil {
			return err
		}
		names[name] = rel
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for name, content := range files {
		target := filepath.Join(dir, names[name])
		if content == nil {
			if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			continue
		}
		if err := writeAtomic(target, content); err != nil {
			return err
		}
	}
	return nil
}

func writeAtomic(target string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
