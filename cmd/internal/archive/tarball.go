package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// epoch is written as every entry's mtime so identical content yields identical tar bytes
// (and therefore an identical digest).
var epoch = time.Unix(0, 0).UTC()

// writeTar writes root/name as a tar stream with entries under "name/".
// Only directories and regular files are archived. The sum of file sizes is capped at limit.
func writeTar(w io.Writer, root, name string, limit int64) error {
	tw := tar.NewWriter(w)
	base := filepath.Join(root, name)

	var total int64
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entryName := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     entryName + "/",
				Mode:     0o700,
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			})
		case info.Mode().IsRegular():
			total += info.Size()
			if total > limit {
				return fmt.Errorf("%w: content exceeds %d bytes", ErrTooLarge, limit)
			}
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     entryName,
				Mode:     0o600,
				Size:     info.Size(),
				ModTime:  epoch,
				Format:   tar.FormatPAX,
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.CopyN(tw, f, info.Size())
			_ = f.Close()
			return err
		default:
			// Sockets, symlinks and devices are never credential material.
			return nil
		}
	})
	if walkErr != nil {
		return walkErr
	}
	return tw.Close()
}

// extractTar extracts entries under "name/" into dest (the prefix is stripped).
// Entries outside the prefix, absolute paths, parent traversal and non-regular files are
// rejected. The sum of file sizes is capped at limit.
func extractTar(r io.Reader, dest, name string, limit int64) error {
	tr := tar.NewReader(r)
	prefix := name + "/"

	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar: %v", ErrCorrupt, err)
		}

		clean := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if clean == name {
			continue
		}
		if !strings.HasPrefix(clean, prefix) {
			return fmt.Errorf("%w: entry %q outside %q", ErrCorrupt, hdr.Name, name)
		}
		rel := strings.TrimPrefix(clean, prefix)
		if rel == "" || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
			return fmt.Errorf("%w: unsafe entry %q", ErrCorrupt, hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > limit {
				return fmt.Errorf("%w: content exceeds %d bytes", ErrTooLarge, limit)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.Size); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type %q for %q", ErrCorrupt, hdr.Typeflag, hdr.Name)
		}
	}
}

func writeFile(target string, r io.Reader, size int64) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: short entry %s: %v", ErrCorrupt, filepath.Base(target), err)
	}
	return f.Close()
}
