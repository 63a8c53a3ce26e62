package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hydraresearch/nautilus/console"
	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/gcode"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/provision"
	"github.com/hydraresearch/nautilus/registry"
	"github.com/hydraresearch/nautilus/server"
)

// CLI is the root command structure for nautilus.
type CLI struct {
	Config  string `short:"c" default:"nautilus.yaml" type:"path" help:"Path to the configuration file"`
	Verbose bool   `short:"v" help:"Log every controller request"`

	Serve    ServeCmd    `cmd:"" help:"Run the HTTP and WebSocket API"`
	Printers PrintersCmd `cmd:"" help:"Manage printer connections"`
	Upload   UploadCmd   `cmd:"" help:"Send a g-code file to a printer"`
	Check    CheckCmd    `cmd:"" help:"Check a printer for configuration updates"`
	Update   UpdateCmd   `cmd:"" help:"Install the configuration and macro bundles on a printer"`
	Discover DiscoverCmd `cmd:"" help:"Find controllers on the local network"`
}

// load reads the configuration and starts the services with console
// output.
func (c *CLI) load(confirmer printer.Confirmer) (*app, error) {
	duet.Verbose = c.Verbose
	cfg, err := LoadConfig(c.Config)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, hooks{
		Sink:      console.NewSink(os.Stdout, console.DefaultStyles()),
		Confirmer: confirmer,
	})
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- Serve ---

type ServeCmd struct{}

func (c *ServeCmd) Run(globals *CLI) error {
	duet.Verbose = globals.Verbose
	cfg, err := LoadConfig(globals.Config)
	if err != nil {
		return err
	}

	hub := server.NewHub()
	a, err := newApp(cfg, hooks{
		Sink:    notify.Multi{notify.LogSink{}, hub},
		Events:  hub.WriteEvent,
		History: hub.HistoryChanged,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	log.Printf("Nautilus starting")
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("API: http://%s", cfg.ListenAddr())
	log.Printf("Printers: %v", a.registry.Names())

	srv := server.New(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, server.Deps{
		Registry: a.registry,
		Printers: a.printers,
		Updater:  a.updater,
		Files:    a.files,
		History:  a.history,
	}, hub)

	ctx, stop := signalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		log.Printf("Shutting down...")
		for _, d := range a.printers.Devices() {
			d.Reset()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// --- Printers ---

type PrintersCmd struct {
	List   PrintersListCmd   `cmd:"" default:"1" help:"List configured printers"`
	Add    PrintersAddCmd    `cmd:"" help:"Add or change a printer"`
	Remove PrintersRemoveCmd `cmd:"" help:"Remove a printer"`
}

type PrintersListCmd struct {
	Latest string `help:"Compare each printer's recorded version with this release"`
}

func (c *PrintersListCmd) Run(globals *CLI) error {
	a, err := globals.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	instances := a.registry.All()
	if len(instances) == 0 {
		fmt.Println("No printers configured.")
		return nil
	}
	for _, inst := range instances {
		line := fmt.Sprintf("%-20s %s", inst.Name, inst.URL)
		if inst.FirmwareVersion != "" {
			line += "  v" + inst.FirmwareVersion
		}
		if c.Latest != "" {
			status, err := a.registry.NeedsUpdate(inst.Name, c.Latest)
			if err != nil {
				return err
			}
			line += "  " + status
		}
		fmt.Println(line)
	}
	return nil
}

type PrintersAddCmd struct {
	Name         string `arg:"" help:"Printer name"`
	URL          string `arg:"" help:"Controller base URL, e.g. http://192.168.1.20/"`
	Rename       string `help:"Existing printer this entry replaces"`
	Password     string `help:"Controller password"`
	HTTPUser     string `name:"http-user" help:"HTTP basic auth user"`
	HTTPPassword string `name:"http-password" help:"HTTP basic auth password"`
}

func (c *PrintersAddCmd) Run(globals *CLI) error {
	a, err := globals.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.registry.Save(c.Rename, registry.Instance{
		Name:         c.Name,
		URL:          c.URL,
		Password:     c.Password,
		HTTPUser:     c.HTTPUser,
		HTTPPassword: c.HTTPPassword,
	})
}

type PrintersRemoveCmd struct {
	Name string `arg:"" help:"Printer name"`
}

func (c *PrintersRemoveCmd) Run(globals *CLI) error {
	a, err := globals.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.registry.Remove(c.Name)
}

// --- Upload ---

type UploadCmd struct {
	Printer  string `arg:"" help:"Printer name"`
	File     string `arg:"" type:"existingfile" help:"Sliced g-code file"`
	Print    bool   `xor:"mode" help:"Start printing after the upload"`
	Simulate bool   `xor:"mode" help:"Simulate the file after the upload and report the result"`
	Name     string `help:"Remote file name; skips the confirmation prompt"`
	Yes      bool   `short:"y" help:"Accept the proposed file name"`
}

func (c *UploadCmd) mode() printer.Mode {
	switch {
	case c.Print:
		return printer.ModePrint
	case c.Simulate:
		return printer.ModeSimulate
	}
	return printer.ModeUpload
}

func (c *UploadCmd) Run(globals *CLI) error {
	var confirmer printer.Confirmer = console.NewPrompt(os.Stdin, os.Stdout)
	if c.Yes {
		confirmer = printer.AcceptName
	}
	a, err := globals.load(confirmer)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.printers.Get(c.Printer)
	if err != nil {
		return err
	}

	src := gcode.FileWriter{Path: c.File}
	meta, err := src.Meta()
	if err != nil {
		log.Printf("Reading metadata of %s: %v", filepath.Base(c.File), err)
	}

	ctx, stop := signalContext()
	defer stop()
	return d.RequestWrite(ctx, printer.Job{Writer: src, Meta: meta, Mode: c.mode(), Name: c.Name})
}

// --- Provisioning ---

type CheckCmd struct {
	Printer string `arg:"" help:"Printer name"`
	Latest  string `help:"Version to compare against instead of the latest release"`
}

func (c *CheckCmd) Run(globals *CLI) error {
	a, err := globals.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	res, err := a.updater.Check(ctx, c.Printer, c.Latest)
	if err != nil {
		return err
	}
	installed := res.Installed
	if installed == "" {
		installed = "unknown"
	}
	fmt.Printf("installed: %s  latest: %s\n", installed, res.Latest)
	return nil
}

type UpdateCmd struct {
	Printer   string `arg:"" help:"Printer name"`
	ConfigZip string `name:"config-zip" type:"existingfile" help:"Local configuration bundle"`
	MacrosZip string `name:"macros-zip" type:"existingfile" help:"Local macros bundle"`
	Tag       string `help:"Version recorded for local bundles"`
}

func (c *UpdateCmd) Run(globals *CLI) error {
	a, err := globals.load(nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var bundle *provision.Bundle
	if c.ConfigZip != "" || c.MacrosZip != "" {
		bundle = &provision.Bundle{Tag: c.Tag, ConfigZip: c.ConfigZip, MacrosZip: c.MacrosZip}
	}

	ctx, stop := signalContext()
	defer stop()
	return a.updater.Update(ctx, c.Printer, bundle)
}

// --- Discover ---

type DiscoverCmd struct {
	Timeout time.Duration `default:"3s" help:"How long to browse"`
	Probe   bool          `help:"Connect to each controller to report its API dialect"`
}

func (c *DiscoverCmd) Run(globals *CLI) error {
	duet.Verbose = globals.Verbose
	cfg, err := LoadConfig(globals.Config)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	log.Println("Discovering controllers on the network...")
	found, err := printer.Discover(ctx, c.Timeout)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No controllers found.")
		return nil
	}

	fmt.Printf("Found %d controller(s):\n", len(found))
	for i, p := range found {
		if c.Probe {
			dialect, err := printer.Probe(ctx, p.URL, "", cfg.deviceOptions())
			if err != nil {
				p.Dialect = "unreachable"
			} else {
				p.Dialect = dialect.String()
			}
		}
		line := fmt.Sprintf("  %d. %s - %s", i+1, p.Name, p.URL)
		if p.Dialect != "" {
			line += " (" + p.Dialect + ")"
		}
		fmt.Println(line)
	}
	return nil
}
