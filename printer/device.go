package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/gcode"
	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/registry"
)

var (
	ErrDeviceBusy   = errors.New("device busy")
	ErrCanceled     = errors.New("canceled")
	ErrWriterFailed = errors.New("g-code writer failed")
)

// Mode selects what happens after a job is uploaded.
type Mode int

const (
	ModeUpload Mode = iota
	ModePrint
	ModeSimulate
)

func (m Mode) String() string {
	switch m {
	case ModePrint:
		return "print"
	case ModeSimulate:
		return "simulate"
	default:
		return "upload"
	}
}

// ParseMode parses "upload", "print" or "simulate". Empty means upload.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "upload":
		return ModeUpload, nil
	case "print":
		return ModePrint, nil
	case "simulate":
		return ModeSimulate, nil
	}
	return ModeUpload, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) kind() history.JobKind {
	switch m {
	case ModePrint:
		return history.KindPrint
	case ModeSimulate:
		return history.KindSimulate
	default:
		return history.KindUpload
	}
}

// Job is one write request.
type Job struct {
	Writer gcode.Writer
	Meta   gcode.Meta
	Mode   Mode
	// Name skips the confirmation step when set.
	Name string
}

// Confirmer presents a proposed file name and returns the accepted one.
type Confirmer interface {
	ConfirmName(ctx context.Context, printer, proposed string) (string, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, printer, proposed string) (string, error)

func (fn ConfirmFunc) ConfirmName(ctx context.Context, printer, proposed string) (string, error) {
	return fn(ctx, printer, proposed)
}

// AcceptName confirms every proposal unchanged.
var AcceptName Confirmer = ConfirmFunc(func(_ context.Context, _, proposed string) (string, error) {
	return proposed, nil
})

// EventKind names a write signal.
type EventKind string

const (
	EventWriteStarted  EventKind = "write_started"
	EventWriteProgress EventKind = "write_progress"
	EventWriteFinished EventKind = "write_finished"
	EventWriteError    EventKind = "write_error"
)

// Event is a signal emitted to the caller of a write.
type Event struct {
	Kind     EventKind `json:"kind"`
	Printer  string    `json:"printer"`
	File     string    `json:"file,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// EventFunc receives write events.
type EventFunc func(Event)

// Options configures every device built from a registry instance.
type Options struct {
	UserAgent      string
	RequestTimeout time.Duration
	StatusTimeout  time.Duration
	// PollInterval spaces status polls during a simulation.
	PollInterval time.Duration
	// SimulationDelay is the wait between starting a simulation and the
	// first status poll.
	SimulationDelay time.Duration

	Confirmer Confirmer
	Sink      notify.Sink
	Events    EventFunc
	History   *history.Manager

	// After replaces time.After in tests.
	After      func(time.Duration) <-chan time.Time
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SimulationDelay <= 0 {
		o.SimulationDelay = 2 * time.Second
	}
	if o.StatusTimeout <= 0 {
		o.StatusTimeout = duet.DefaultStatusTimeout
	}
	if o.Confirmer == nil {
		o.Confirmer = AcceptName
	}
	if o.Sink == nil {
		o.Sink = notify.LogSink{}
	}
	if o.After == nil {
		o.After = time.After
	}
	return o
}

// Device is the output target for one registry instance. It runs at most
// one write or provisioning activity at a time.
type Device struct {
	inst      registry.Instance
	opts      Options
	transport *duet.Transport
	session   *duet.Session
	state     *State

	mu         sync.Mutex
	claimed    bool
	gen        uint64
	cancel     context.CancelFunc
	progressID string
	jobID      string
}

// NewDevice creates a device for inst.
func NewDevice(inst registry.Instance, opts Options) *Device {
	opts = opts.withDefaults()
	t := duet.NewTransport(inst.URL, duet.TransportConfig{
		UserAgent:    opts.UserAgent,
		HTTPUser:     inst.HTTPUser,
		HTTPPassword: inst.HTTPPassword,
		Timeout:      opts.RequestTimeout,
		Client:       opts.HTTPClient,
	})
	return &Device{
		inst:      inst,
		opts:      opts,
		transport: t,
		session: duet.NewSession(t, duet.SessionConfig{
			Password:      inst.Password,
			StatusTimeout: opts.StatusTimeout,
		}),
		state: NewState(inst.Name),
	}
}

// Name returns the instance name.
func (d *Device) Name() string { return d.inst.Name }

// Instance returns the settings the device was built from.
func (d *Device) Instance() registry.Instance { return d.inst }

// URL returns the normalized controller base URL.
func (d *Device) URL() string { return d.transport.BaseURL() }

// Snapshot returns a copy of the device state.
func (d *Device) Snapshot() StateData { return d.state.Snapshot() }

// Busy reports whether a write or provisioning activity holds the device.
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed
}

// claim takes the device for one activity. The claim is taken before any
// network exchange so a second caller fails fast.
func (d *Device) claim(ctx context.Context) (uint64, context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed {
		return 0, nil, ErrDeviceBusy
	}
	d.claimed = true
	d.gen++
	ctx, d.cancel = context.WithCancel(ctx)
	return d.gen, ctx, nil
}

// current reports whether gen still owns the device.
func (d *Device) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.claimed && d.gen == gen
}

// release drops the claim of gen and resets the session. It returns false
// when gen was stale.
func (d *Device) release(gen uint64) (progressID, jobID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.claimed || d.gen != gen {
		return "", "", false
	}
	d.gen++
	d.claimed = false
	d.session.Reset()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	progressID, jobID = d.progressID, d.jobID
	d.progressID, d.jobID = "", ""
	return progressID, jobID, true
}

// Reset abandons the current activity. Late replies to it are dropped and
// produce no further signals.
func (d *Device) Reset() {
	d.mu.Lock()
	gen, claimed := d.gen, d.claimed
	d.mu.Unlock()

	if !claimed {
		d.session.Reset()
		return
	}
	progressID, jobID, ok := d.release(gen)
	if !ok {
		return
	}
	if progressID != "" {
		d.opts.Sink.Hide(progressID)
	}
	if d.opts.History != nil && jobID != "" {
		d.opts.History.FinishJob(jobID, history.StatusCancelled, "reset")
	}
	d.state.end("", nil)
	log.Printf("%s: device reset", d.inst.Name)
}

// RequestWrite uploads job and, depending on its mode, starts or
// simulates it. It returns after the terminal signal has been emitted.
func (d *Device) RequestWrite(ctx context.Context, job Job) error {
	gen, ctx, err := d.claim(ctx)
	if err != nil {
		log.Printf("%s: write rejected, device is busy", d.inst.Name)
		return err
	}

	name, err := d.confirmName(ctx, job)
	if err != nil {
		d.release(gen)
		return err
	}

	d.begin(gen, job.Mode.String(), name, job.Mode.kind(), fmt.Sprintf("Sending %s to %s", name, d.inst.Name))
	message, err := d.write(ctx, gen, job, name)
	return d.finish(gen, message, err)
}

func (d *Device) confirmName(ctx context.Context, job Job) (string, error) {
	name := job.Name
	if name == "" {
		proposed := ProposeName(job.Meta)
		if proposed == "" {
			proposed = "untitled.gcode"
		}
		confirmed, err := d.opts.Confirmer.ConfirmName(ctx, d.inst.Name, proposed)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		name = confirmed
	}
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		log.Printf("%s: rejected file name %q", d.inst.Name, name)
		return "", err
	}
	return EnsureExtension(name), nil
}

// begin moves the device to Writing and shows the progress message.
func (d *Device) begin(gen uint64, activity, file string, kind history.JobKind, text string) {
	var jobID string
	if d.opts.History != nil {
		jobID = d.opts.History.StartJob(d.inst.Name, file, kind)
	}
	progressID := d.opts.Sink.Show(notify.Message{
		Printer:  d.inst.Name,
		Level:    notify.LevelProgress,
		Text:     text,
		Progress: 0,
	})

	d.mu.Lock()
	if d.gen == gen {
		d.progressID, d.jobID = progressID, jobID
	}
	d.mu.Unlock()

	d.state.begin(activity, file)
	d.emit(Event{Kind: EventWriteStarted, Printer: d.inst.Name, File: file, Mode: activity})
}

// swapProgress replaces the progress message of gen with a new one.
func (d *Device) swapProgress(gen uint64, text string, percent float64) {
	id := d.opts.Sink.Show(notify.Message{
		Printer:  d.inst.Name,
		Level:    notify.LevelProgress,
		Text:     text,
		Progress: percent,
	})

	d.mu.Lock()
	old := d.progressID
	stale := d.gen != gen || !d.claimed
	if !stale {
		d.progressID = id
	}
	d.mu.Unlock()

	if stale {
		d.opts.Sink.Hide(id)
		return
	}
	if old != "" {
		d.opts.Sink.Hide(old)
	}
}

// progress reports fraction (0..1) for gen.
func (d *Device) progress(gen uint64, file string, fraction float64) {
	d.mu.Lock()
	id := d.progressID
	ok := d.claimed && d.gen == gen
	d.mu.Unlock()
	if !ok {
		return
	}
	d.state.setProgress(fraction)
	if id != "" {
		d.opts.Sink.Progress(id, fraction*100)
	}
	d.emit(Event{Kind: EventWriteProgress, Printer: d.inst.Name, File: file, Progress: fraction})
}

func (d *Device) write(ctx context.Context, gen uint64, job Job, name string) (string, error) {
	var buf bytes.Buffer
	if job.Writer == nil || !job.Writer.Write(&buf) {
		return "", ErrWriterFailed
	}

	if err := d.session.Connect(ctx); err != nil {
		return "", err
	}
	d.state.setDialect(d.session.Dialect().String())

	err := d.session.Upload(ctx, "gcodes/"+name, buf.Bytes(), func(sent, total int64) {
		if total > 0 {
			d.progress(gen, name, float64(sent)/float64(total))
		}
	})
	if err != nil {
		return "", err
	}

	var message string
	switch job.Mode {
	case ModePrint:
		if !d.current(gen) {
			return "", duet.ErrStale
		}
		if _, err := d.session.GCode(ctx, fmt.Sprintf(`M32 "0:/gcodes/%s"`, name)); err != nil {
			return "", err
		}
		message = fmt.Sprintf("Print started on %s with file %s.", d.inst.Name, name)
	case ModeSimulate:
		reply, err := d.simulate(ctx, gen, name)
		if err != nil {
			return "", err
		}
		message = fmt.Sprintf("Simulation finished on %s:\n\n%s", d.inst.Name, reply)
	default:
		message = fmt.Sprintf("Uploaded file %s to %s.", name, d.inst.Name)
	}

	if !d.current(gen) {
		return "", duet.ErrStale
	}
	if err := d.session.Disconnect(ctx); err != nil {
		if errors.Is(err, duet.ErrStale) {
			return "", err
		}
		log.Printf("%s: disconnect failed: %v", d.inst.Name, err)
	}
	return message, nil
}

// finish runs the terminal transition of gen exactly once: hide progress,
// show one message, emit one signal, record history and reset.
func (d *Device) finish(gen uint64, message string, err error) error {
	progressID, jobID, ok := d.release(gen)
	if !ok {
		return fmt.Errorf("%w: device was reset", ErrCanceled)
	}

	if progressID != "" {
		d.opts.Sink.Hide(progressID)
	}

	snap := d.state.Snapshot()
	if err != nil {
		text := ErrorMessage(d.inst.Name, err)
		log.Printf("%s: %s failed: %v", d.inst.Name, snap.Activity, err)
		d.opts.Sink.Show(notify.Message{Printer: d.inst.Name, Level: notify.LevelError, Title: "Error", Text: text})
		if d.opts.History != nil && jobID != "" {
			d.opts.History.FinishJob(jobID, history.StatusError, text)
		}
		d.state.end(text, err)
		d.emit(Event{Kind: EventWriteError, Printer: d.inst.Name, File: snap.FileName, Mode: snap.Activity, Error: text})
		return err
	}

	d.opts.Sink.Show(notify.Message{Printer: d.inst.Name, Level: notify.LevelInfo, Text: message})
	if d.opts.History != nil && jobID != "" {
		d.opts.History.FinishJob(jobID, history.StatusCompleted, message)
	}
	d.state.end(message, nil)
	d.emit(Event{Kind: EventWriteFinished, Printer: d.inst.Name, File: snap.FileName, Mode: snap.Activity, Message: message})
	return nil
}

func (d *Device) emit(ev Event) {
	if d.opts.Events != nil {
		d.opts.Events(ev)
	}
}

// wait blocks for dur or until ctx ends.
func (d *Device) wait(ctx context.Context, dur time.Duration) error {
	select {
	case <-d.opts.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorMessage renders err as the user-facing text for printer.
func ErrorMessage(printer string, err error) string {
	var de *duet.Error
	switch {
	case errors.Is(err, ErrWriterFailed):
		return fmt.Sprintf("Unable to write g-code for %s", printer)
	case duet.IsTimeout(err):
		return fmt.Sprintf("Unable to connect to %s, the connection timed out", printer)
	case duet.IsHostUnreachable(err):
		return fmt.Sprintf("Unable to connect to %s, the address is invalid or does not exist", printer)
	case errors.As(err, &de):
		return fmt.Sprintf("There was a network error: %d %s", de.Code, de.Error())
	default:
		return fmt.Sprintf("There was a network error: %v", err)
	}
}
