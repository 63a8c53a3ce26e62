package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/files"
	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/version"
)

// ErrPrinterBusy means the controller reported a non-idle status.
var ErrPrinterBusy = errors.New("printer is busy")

// DefaultAlert is shown on the printer's display while it is updated.
const DefaultAlert = `M291 P"Do not power off your printer or close Cura until updates complete" R"Update Alert" S0 T0`

// firmwareVersionPath holds the installed bundle version on the SD card.
const firmwareVersionPath = "private/firmware_version"

// Devices looks up the live device for a printer name.
type Devices interface {
	Get(name string) (*printer.Device, error)
}

// VersionStore records the last known bundle version of a printer.
type VersionStore interface {
	SetFirmwareVersion(name, v string) error
}

// UpdaterConfig configures an Updater.
type UpdaterConfig struct {
	Alert          string
	VersionTimeout time.Duration
	// DisconnectTimeout bounds the closing request. A controller applying
	// firmware is restarting and may never answer it.
	DisconnectTimeout time.Duration
	Provisioner    *Provisioner
	Releases       *Releases
	Files          *files.Manager
	Sink           notify.Sink
}

// Updater checks printers for bundle updates and provisions them.
type Updater struct {
	devices  Devices
	versions VersionStore
	cfg      UpdaterConfig
}

// NewUpdater creates an updater.
func NewUpdater(devices Devices, versions VersionStore, cfg UpdaterConfig) *Updater {
	if cfg.Alert == "" {
		cfg.Alert = DefaultAlert
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = 8 * time.Second
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = 2 * time.Second
	}
	if cfg.Provisioner == nil {
		cfg.Provisioner = NewProvisioner()
	}
	if cfg.Releases == nil {
		cfg.Releases = &Releases{}
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.LogSink{}
	}
	return &Updater{devices: devices, versions: versions, cfg: cfg}
}

// CheckResult is the outcome of an update check.
type CheckResult struct {
	Printer        string `json:"printer"`
	Installed      string `json:"installed"`
	Latest         string `json:"latest"`
	UpdateRequired bool   `json:"update_required"`
}

// Check compares the version installed on the printer with latest. An
// empty latest is looked up from the release feed. A missing version
// file means an update is required.
func (u *Updater) Check(ctx context.Context, name, latest string) (CheckResult, error) {
	res := CheckResult{Printer: name, Latest: latest}

	dev, err := u.devices.Get(name)
	if err != nil {
		return res, err
	}
	if res.Latest == "" {
		rel, err := u.cfg.Releases.Latest(ctx)
		if err != nil {
			u.showError(name, err)
			return res, err
		}
		res.Latest = rel.Tag
	}

	lease, err := dev.Acquire(ctx, "check", "")
	if err != nil {
		return res, err
	}
	installed, missing, err := u.readVersion(name, lease)
	switch {
	case err != nil:
		lease.Release("", err)
		u.showError(name, err)
		return res, err
	case missing:
		res.UpdateRequired = true
	default:
		res.Installed = installed
		res.UpdateRequired = installed == "" || version.Newer(res.Latest, installed)
	}

	if res.UpdateRequired {
		msg := fmt.Sprintf("New features are available for %s! It is recommended to update the firmware on your printer.", name)
		lease.Release(msg, nil)
		u.cfg.Sink.Show(notify.Message{
			Printer: name,
			Level:   notify.LevelWarning,
			Title:   "Update Available",
			Text:    msg,
			Actions: []notify.Action{{ID: "update", Label: "Update"}},
		})
		return res, nil
	}

	if err := u.versions.SetFirmwareVersion(name, installed); err != nil {
		log.Printf("Saving firmware version of %s: %v", name, err)
	}
	lease.Release("Nautilus is up to date!", nil)
	u.cfg.Sink.Show(notify.Message{Printer: name, Level: notify.LevelInfo, Text: "Nautilus is up to date!"})
	return res, nil
}

// readVersion reads the installed bundle version. missing reports that
// the controller answered but has no version file.
func (u *Updater) readVersion(name string, lease *printer.Lease) (installed string, missing bool, err error) {
	ctx := lease.Context()
	s := lease.Session()
	if err := s.Connect(ctx); err != nil {
		return "", false, err
	}
	defer u.disconnect(ctx, s, name)

	vctx, cancel := context.WithTimeout(ctx, u.cfg.VersionTimeout)
	defer cancel()
	body, err := s.Download(vctx, firmwareVersionPath)
	switch {
	case duet.IsNotFound(err):
		return "", true, nil
	case err != nil:
		return "", false, err
	}
	return strings.TrimSpace(string(body)), false, nil
}

// disconnect closes s on a best-effort basis. It runs after the caller's
// context ends and never waits longer than DisconnectTimeout.
func (u *Updater) disconnect(ctx context.Context, s *duet.Session, name string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.DisconnectTimeout)
	defer cancel()
	if err := s.Disconnect(dctx); err != nil {
		log.Printf("Disconnect from %s: %v", name, err)
	}
}

// FetchBundle downloads the latest release bundles into the file cache.
func (u *Updater) FetchBundle(ctx context.Context) (Bundle, error) {
	if u.cfg.Files == nil {
		return Bundle{}, errors.New("no bundle cache configured")
	}
	rel, err := u.cfg.Releases.Latest(ctx)
	if err != nil {
		return Bundle{}, err
	}
	config, err := u.cfg.Files.Download(ctx, rel.ConfigURL, rel.Tag, "Nautilus_config.zip", nil)
	if err != nil {
		return Bundle{}, err
	}
	macros, err := u.cfg.Files.Download(ctx, rel.MacrosURL, rel.Tag, "Nautilus_macros.zip", nil)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Tag: rel.Tag, ConfigZip: config.Path, MacrosZip: macros.Path}, nil
}

// Update provisions the printer from b, or from the latest release when
// b is nil. The printer must report idle.
func (u *Updater) Update(ctx context.Context, name string, b *Bundle) error {
	dev, err := u.devices.Get(name)
	if err != nil {
		return err
	}
	lease, err := dev.Acquire(ctx, "update", history.KindUpdate)
	if err != nil {
		u.cfg.Sink.Show(notify.Message{Printer: name, Level: notify.LevelWarning, Text: fmt.Sprintf("%s is busy, unable to update", name)})
		return err
	}
	ctx = lease.Context()

	progressID := u.cfg.Sink.Show(notify.Message{
		Printer: name,
		Level:   notify.LevelProgress,
		Text:    fmt.Sprintf("Do not power off printer or close Nautilus until updates complete\nUpdating %s", name),
	})
	var warningID string
	hide := func() {
		u.cfg.Sink.Hide(progressID)
		if warningID != "" {
			u.cfg.Sink.Hide(warningID)
		}
	}

	s := lease.Session()
	connected := false
	fail := func(err error) error {
		if connected {
			u.disconnect(ctx, s, name)
		}
		hide()
		lease.Release("", err)
		u.showError(name, err)
		return err
	}

	if b == nil {
		fetched, err := u.FetchBundle(ctx)
		if err != nil {
			return fail(err)
		}
		b = &fetched
	}

	if err := s.Connect(ctx); err != nil {
		return fail(err)
	}
	connected = true
	st, err := s.Status(ctx)
	if err != nil {
		return fail(err)
	}
	if !st.Idle {
		hide()
		msg := fmt.Sprintf("%s is busy, unable to update", name)
		u.disconnect(ctx, s, name)
		lease.Release(msg, ErrPrinterBusy)
		u.cfg.Sink.Show(notify.Message{Printer: name, Level: notify.LevelWarning, Text: msg})
		return ErrPrinterBusy
	}

	if _, err := s.GCode(ctx, u.cfg.Alert); err != nil {
		return fail(err)
	}
	warningID = u.cfg.Sink.Show(notify.Message{
		Printer: name,
		Level:   notify.LevelWarning,
		Text:    "Do not power off printer or close Nautilus until updates complete",
	})

	err = u.cfg.Provisioner.Run(ctx, s, *b, func(done, total int) {
		if total > 0 {
			u.cfg.Sink.Progress(progressID, float64(done)*100/float64(total))
			lease.Progress(float64(done) / float64(total))
		}
	})
	if err != nil {
		return fail(err)
	}

	// The controller restarts after the firmware apply, so a failed
	// disconnect is expected.
	u.disconnect(ctx, s, name)

	hide()
	const done = "Update Complete! Printer restarting..."
	if b.Tag != "" {
		if err := u.versions.SetFirmwareVersion(name, b.Tag); err != nil {
			log.Printf("Saving firmware version of %s: %v", name, err)
		}
	}
	lease.Release(done, nil)
	u.cfg.Sink.Show(notify.Message{Printer: name, Level: notify.LevelInfo, Text: done})
	return nil
}

func (u *Updater) showError(name string, err error) {
	var de *duet.Error
	text := fmt.Sprintf("There was an error updating %s", name)
	if errors.As(err, &de) {
		text = printer.ErrorMessage(name, err)
	}
	log.Printf("Update of %s failed: %v", name, err)
	u.cfg.Sink.Show(notify.Message{Printer: name, Level: notify.LevelError, Title: "Error", Text: text})
}
