package main

import (
	"fmt"
	"path/filepath"

	"github.com/hydraresearch/nautilus/database"
	"github.com/hydraresearch/nautilus/files"
	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/provision"
	"github.com/hydraresearch/nautilus/registry"
)

// app holds the services shared by every command.
type app struct {
	cfg      *Config
	db       *database.Database
	registry *registry.Registry
	history  *history.Manager
	files    *files.Manager
	printers *printer.Manager
	updater  *provision.Updater
}

// hooks connect the services to whatever front end is running.
type hooks struct {
	Sink      notify.Sink
	Confirmer printer.Confirmer
	Events    printer.EventFunc
	History   history.ChangedCallback
}

func newApp(cfg *Config, h hooks) (*app, error) {
	db, err := database.New(filepath.Join(cfg.DataDir, "database"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	reg, err := registry.New(db, cfg.registryConfig())
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	hist, err := history.NewManager(filepath.Join(cfg.DataDir, "history"), h.History)
	if err != nil {
		return nil, err
	}
	fm, err := files.NewManager(filepath.Join(cfg.DataDir, "files"), cfg.Profile.UserAgent)
	if err != nil {
		return nil, err
	}

	opts := cfg.deviceOptions()
	opts.Sink = h.Sink
	opts.Confirmer = h.Confirmer
	opts.Events = h.Events
	opts.History = hist
	printers := printer.NewManager(reg, opts)

	updater := provision.NewUpdater(printers, reg, provision.UpdaterConfig{
		Alert:          cfg.Provision.Alert,
		VersionTimeout: cfg.Timeouts.Version,
		Provisioner:    cfg.provisioner(),
		Releases:       cfg.releases(),
		Files:          fm,
		Sink:           h.Sink,
	})

	return &app{
		cfg:      cfg,
		db:       db,
		registry: reg,
		history:  hist,
		files:    fm,
		printers: printers,
		updater:  updater,
	}, nil
}

func (a *app) Close() {
	a.printers.Close()
}
