package files

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Entry is one file extracted from an archive.
type Entry struct {
	// Name is the slash-separated path inside the archive.
	Name string
	// Path is where the file was written.
	Path string
}

// Extract unpacks the zip archive into dest and marks every file
// executable. Only a failure to open the archive is returned; entries
// that cannot be extracted are logged and skipped. Entries keep archive
// order.
func Extract(archive, dest string) ([]Entry, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(archive), err)
	}
	defer zr.Close()

	var entries []Entry
	for _, f := range zr.File {
		name, ok := safeName(f.Name)
		if !ok {
			log.Printf("Skipping archive entry %q: path escapes the archive", f.Name)
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				log.Printf("Creating %s: %v", name, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			log.Printf("Extracting %s: %v", name, err)
			continue
		}
		entries = append(entries, Entry{Name: name, Path: target})
	}
	return entries, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	return os.Chmod(target, info.Mode()|0111)
}

// safeName cleans an archive path and rejects absolute or escaping ones.
func safeName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}
