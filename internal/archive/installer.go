// Package archive installs uploaded module archives into the dynamic
// directory. Only tar-based formats are accepted; layout detection decides
// the module name.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat rejects anything that is not .tar, .tar.gz, or
	// .tgz (including .zip).
	ErrUnsupportedFormat = errors.New("archive: unsupported format")

	// ErrEmptyArchive rejects archives with no regular files.
	ErrEmptyArchive = errors.New("archive: empty archive")
)

// Install extracts archivePath under root and returns the installed module
// name. A nested layout (every entry under a single top-level directory)
// installs as that directory name; a flat layout installs under the
// archive's base name. Entries that would escape the target directory are
// rejected.
func Install(root, archivePath string) (string, error) {
	base, ok := archiveBase(archivePath)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(archivePath))
	}

	entries, err := scanEntries(archivePath)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", ErrEmptyArchive
	}

	module, nested := detectLayout(entries, base)
	target := filepath.Join(root, module)

	if err := extract(archivePath, target, module, nested); err != nil {
		return "", err
	}
	return module, nil
}

// archiveBase strips the archive suffix and reports whether the format is
// accepted.
func archiveBase(path string) (string, bool) {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return strings.TrimSuffix(name, ".tar.gz"), true
	case strings.HasSuffix(name, ".tgz"):
		return strings.TrimSuffix(name, ".tgz"), true
	case strings.HasSuffix(name, ".tar"):
		return strings.TrimSuffix(name, ".tar"), true
	default:
		return "", false
	}
}

// detectLayout reports the module name and whether the archive nests its
// content under one top-level directory.
func detectLayout(entries []string, base string) (module string, nested bool) {
	var top string
	nested = true
	for _, name := range entries {
		first, _, found := strings.Cut(name, "/")
		if !found {
			nested = false
			break
		}
		if top == "" {
			top = first
			continue
		}
		if first != top {
			nested = false
			break
		}
	}
	if nested && top != "" {
		return top, true
	}
	return base, false
}

// scanEntries lists the regular-file entry names, normalized and validated.
func scanEntries(archivePath string) ([]string, error) {
	reader, closer, err := openTar(archivePath)
	if err != nil {
		return nil, err
	}
	defer closer()

	var entries []string
	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive: read %s: %w", archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := safeEntryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		entries = append(entries, name)
	}
	return entries, nil
}

func extract(archivePath, target, module string, nested bool) error {
	reader, closer, err := openTar(archivePath)
	if err != nil {
		return err
	}
	defer closer()

	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: read %s: %w", archivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := safeEntryName(hdr.Name)
		if err != nil {
			return err
		}
		if nested {
			name = strings.TrimPrefix(name, module+"/")
		}

		dest := filepath.Join(target, filepath.FromSlash(name))
		if !strings.HasPrefix(dest, target+string(filepath.Separator)) {
			return fmt.Errorf("archive: entry %q escapes module directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("archive: create directory for %s: %w", name, err)
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("archive: create %s: %w", dest, err)
		}
		if _, err := io.Copy(f, reader); err != nil {
			f.Close()
			return fmt.Errorf("archive: write %s: %w", dest, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("archive: close %s: %w", dest, err)
		}
	}
}

// safeEntryName normalizes an entry name and rejects absolute paths and
// traversal.
func safeEntryName(name string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == "." || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive: unsafe entry name %q", name)
	}
	return clean, nil
}

func openTar(path string) (*tar.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".tar") {
		return tar.NewReader(f), func() { f.Close() }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("archive: gunzip %s: %w", path, err)
	}
	return tar.NewReader(gz), func() { gz.Close(); f.Close() }, nil
}
