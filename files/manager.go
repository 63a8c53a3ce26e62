// Package files keeps downloaded release bundles and uploaded jobs on
// local disk.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ProgressFunc reports download progress. total is 0 when unknown.
type ProgressFunc func(done, total int64)

// Bundle is a cached release archive.
type Bundle struct {
	Tag      string    `json:"tag"`
	Name     string    `json:"name"`
	Path     string    `json:"-"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256,omitempty"`
	Modified time.Time `json:"modified"`
}

// DiskUsage describes the filesystem holding the data directory.
type DiskUsage struct {
	Total uint64 `json:"total"`
	Used  uint64 `json:"used"`
	Free  uint64 `json:"free"`
}

// Manager handles local bundle and job storage.
type Manager struct {
	bundleDir string
	jobDir    string
	client    *http.Client
	userAgent string
}

// NewManager creates a file manager rooted at dataDir.
func NewManager(dataDir, userAgent string) (*Manager, error) {
	m := &Manager{
		bundleDir: filepath.Join(dataDir, "bundles"),
		jobDir:    filepath.Join(dataDir, "jobs"),
		client:    &http.Client{},
		userAgent: userAgent,
	}
	for _, dir := range []string{m.bundleDir, m.jobDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return m, nil
}

// BundlePath returns where the asset name of release tag is cached.
func (m *Manager) BundlePath(tag, name string) string {
	safeTag := strings.NewReplacer("/", "_", "\\", "_").Replace(tag)
	return filepath.Join(m.bundleDir, safeTag, path.Base(name))
}

// Download fetches url into the cache unless the asset is already there.
func (m *Manager) Download(ctx context.Context, url, tag, name string, progress ProgressFunc) (Bundle, error) {
	dest := m.BundlePath(tag, name)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		sum, err := fileSHA256(dest)
		if err == nil {
			if progress != nil {
				progress(info.Size(), info.Size())
			}
			return Bundle{Tag: tag, Name: filepath.Base(dest), Path: dest, Size: info.Size(), SHA256: sum, Modified: info.ModTime()}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return Bundle{}, fmt.Errorf("creating bundle directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("download request: %w", err)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return Bundle{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Bundle{}, fmt.Errorf("download %s returned %d", url, resp.StatusCode)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Bundle{}, fmt.Errorf("creating temp file: %w", err)
	}

	hasher := sha256.New()
	counter := &countingWriter{total: resp.ContentLength, progress: progress}
	if counter.total < 0 {
		counter.total = 0
	}
	n, err := io.Copy(io.MultiWriter(f, hasher, counter), resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return Bundle{}, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return Bundle{}, fmt.Errorf("finalizing %s: %w", name, err)
	}

	return Bundle{
		Tag:      tag,
		Name:     filepath.Base(dest),
		Path:     dest,
		Size:     n,
		SHA256:   hex.EncodeToString(hasher.Sum(nil)),
		Modified: time.Now(),
	}, nil
}

// ListBundles returns every cached bundle, newest first.
func (m *Manager) ListBundles() []Bundle {
	var result []Bundle
	filepath.Walk(m.bundleDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, _ := filepath.Rel(m.bundleDir, p)
		tag := filepath.Dir(rel)
		result = append(result, Bundle{
			Tag:      filepath.ToSlash(tag),
			Name:     info.Name(),
			Path:     p,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Modified.After(result[j].Modified)
	})
	if result == nil {
		result = []Bundle{}
	}
	return result
}

// SaveJob stores an uploaded job and returns its local path.
func (m *Manager) SaveJob(name string, r io.Reader) (string, error) {
	p, err := m.jobPath(name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(p)
	if err != nil {
		return "", fmt.Errorf("creating job file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(p)
		return "", fmt.Errorf("writing job file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing job file: %w", err)
	}
	return p, nil
}

// DeleteJob removes a stored job.
func (m *Manager) DeleteJob(name string) error {
	p, err := m.jobPath(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// jobPath keeps name inside the job directory.
func (m *Manager) jobPath(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return "", fmt.Errorf("invalid path: %s", name)
	}
	return filepath.Join(m.jobDir, base), nil
}

// Usage returns disk usage for the data directory.
func (m *Manager) Usage() DiskUsage {
	u, err := usageOf(m.bundleDir)
	if err != nil {
		log.Printf("Disk usage of %s: %v", m.bundleDir, err)
	}
	return u
}

type countingWriter struct {
	done     int64
	total    int64
	progress ProgressFunc
}

func (c *countingWriter) Write(b []byte) (int, error) {
	c.done += int64(len(b))
	if c.progress != nil {
		c.progress(c.done, c.total)
	}
	return len(b), nil
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
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
