package provision

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hydraresearch/nautilus/duet"
)

// Tree is the result of a recursive listing: flat lists of file and
// directory paths below Root, relative to the SD card root.
type Tree struct {
	Root  string
	Files []string
	Dirs  []string
}

// Lister lists a remote directory.
type Lister interface {
	FileList(ctx context.Context, dir string) ([]duet.FileEntry, error)
}

// Deleter removes a remote file or empty directory.
type Deleter interface {
	Delete(ctx context.Context, p string) error
}

// CollectTree lists root recursively. A missing root yields an empty tree.
func CollectTree(ctx context.Context, l Lister, root string) (*Tree, error) {
	t := &Tree{Root: root}
	if err := t.collect(ctx, l, root); err != nil {
		if duet.IsNotFound(err) && len(t.Files) == 0 && len(t.Dirs) == 0 {
			return t, nil
		}
		return nil, err
	}
	return t, nil
}

func (t *Tree) collect(ctx context.Context, l Lister, dir string) error {
	entries, err := l.FileList(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := dir + "/" + e.Name
		if e.IsDir() {
			t.Dirs = append(t.Dirs, full)
			if err := t.collect(ctx, l, full); err != nil {
				return err
			}
			continue
		}
		t.Files = append(t.Files, full)
	}
	return nil
}

// DeleteOrder returns the paths in deletion order: every file, then the
// directories deepest first.
func (t *Tree) DeleteOrder() []string {
	dirs := append([]string(nil), t.Dirs...)
	sort.SliceStable(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	return append(append([]string(nil), t.Files...), dirs...)
}

// DeleteTree removes the tree, waiting delay after each delete. Connection
// failures abort; other failures are logged and the walk continues.
func DeleteTree(ctx context.Context, d Deleter, t *Tree, delay time.Duration, after func(time.Duration) <-chan time.Time) error {
	if after == nil {
		after = time.After
	}
	for _, p := range t.DeleteOrder() {
		if err := d.Delete(ctx, p); err != nil {
			if fatal(err) {
				return err
			}
			log.Printf("Deleting %s: %v", p, err)
		}
		select {
		case <-after(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fatal reports errors that end a provisioning run.
func fatal(err error) bool {
	return errors.Is(err, duet.ErrStale) || errors.Is(err, context.Canceled) ||
		duet.IsTimeout(err) || duet.IsHostUnreachable(err)
}
