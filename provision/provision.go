package provision

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/files"
)

// FirmwareApply reflashes the controller from the staged images and
// restarts it.
const FirmwareApply = "M997 S0:1:2"

// Remote is the part of a controller session provisioning needs.
type Remote interface {
	Lister
	Deleter
	Upload(ctx context.Context, p string, data []byte, progress duet.ProgressFunc) error
	GCode(ctx context.Context, code string) (string, error)
}

// Bundle names the local archives of one release.
type Bundle struct {
	Tag       string
	ConfigZip string
	MacrosZip string
}

// CounterFunc reports one step per uploaded file.
type CounterFunc func(done, total int)

// Provisioner runs the delete-then-upload cycle.
type Provisioner struct {
	Images      Images
	DeleteDelay time.Duration
	UploadDelay time.Duration
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

// NewProvisioner returns a provisioner with the default images and delays.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		Images:      DefaultImages,
		DeleteDelay: 100 * time.Millisecond,
		UploadDelay: 250 * time.Millisecond,
		After:       time.After,
	}
}

type upload struct {
	dest string
	src  string
}

// Run replaces the macros directory with the macros bundle, stages the
// config bundle and applies the firmware. Entries are routed by Classify.
func (p *Provisioner) Run(ctx context.Context, r Remote, b Bundle, counter CounterFunc) error {
	tmp, err := os.MkdirTemp("", "nautilus-bundle-")
	if err != nil {
		return fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var uploads []upload
	if b.MacrosZip != "" {
		entries, err := files.Extract(b.MacrosZip, tmp+"/macros")
		if err != nil {
			return err
		}
		for _, e := range entries {
			uploads = append(uploads, upload{dest: MacroRoute(e.Name).Path(), src: e.Path})
		}
	}
	if b.ConfigZip != "" {
		entries, err := files.Extract(b.ConfigZip, tmp+"/config")
		if err != nil {
			return err
		}
		for _, e := range entries {
			route := Classify(e.Name, p.Images)
			if route.Skip {
				log.Printf("Skipping bundle entry %s", e.Name)
				continue
			}
			uploads = append(uploads, upload{dest: route.Path(), src: e.Path})
		}
	}

	if b.MacrosZip != "" {
		tree, err := CollectTree(ctx, r, "macros")
		if err != nil {
			return fmt.Errorf("listing macros: %w", err)
		}
		log.Printf("Deleting %d macros and %d directories", len(tree.Files), len(tree.Dirs))
		if err := DeleteTree(ctx, r, tree, p.DeleteDelay, p.after()); err != nil {
			return fmt.Errorf("deleting macros: %w", err)
		}
	}

	for i, u := range uploads {
		data, err := os.ReadFile(u.src)
		if err != nil {
			log.Printf("Reading %s: %v", u.src, err)
		} else if err := r.Upload(ctx, u.dest, data, nil); err != nil {
			return fmt.Errorf("uploading %s: %w", u.dest, err)
		}
		if counter != nil {
			counter(i+1, len(uploads))
		}
		if err := p.wait(ctx, p.UploadDelay); err != nil {
			return err
		}
	}

	if b.ConfigZip != "" {
		if _, err := r.GCode(ctx, FirmwareApply); err != nil {
			return fmt.Errorf("applying firmware: %w", err)
		}
	}
	return nil
}

func (p *Provisioner) after() func(time.Duration) <-chan time.Time {
	if p.After == nil {
		return time.After
	}
	return p.After
}

func (p *Provisioner) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-p.after()(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
