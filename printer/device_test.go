package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/gcode"
	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/notify"
	"github.com/hydraresearch/nautilus/registry"
)

// fakeController emulates both controller dialects.
type fakeController struct {
	mu       sync.Mutex
	sbc      bool
	calls    []string
	gcodes   []string
	uploads  map[string]string
	statuses []string
	reply    string

	// connectEntered and connectRelease hold rr_connect open when set.
	connectEntered chan struct{}
	connectRelease chan struct{}
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "rr_connect":
		if f.connectEntered != nil {
			close(f.connectEntered)
			select {
			case <-f.connectRelease:
			case <-r.Context().Done():
				return
			}
		}
		if f.sbc {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"err":0}`)
	case path == "rr_upload":
		f.store(strings.TrimPrefix(r.URL.Query().Get("name"), "0:/"), body)
		fmt.Fprint(w, `{"err":0}`)
	case path == "rr_gcode":
		f.addGCode(r.URL.Query().Get("gcode"))
		fmt.Fprint(w, `{"buff":255}`)
	case path == "rr_status":
		fmt.Fprintf(w, `{"status":%q,"fractionPrinted":50}`, f.nextStatus())
	case path == "rr_reply":
		fmt.Fprint(w, f.reply)
	case path == "rr_disconnect":
		fmt.Fprint(w, `{"err":0}`)
	case f.sbc && path == "machine/status":
		fmt.Fprintf(w, `{"state":{"status":%q}}`, f.nextStatus())
	case f.sbc && strings.HasPrefix(path, "machine/file/") && r.Method == http.MethodPut:
		f.store(strings.TrimPrefix(path, "machine/file/"), body)
		w.WriteHeader(http.StatusCreated)
	case f.sbc && path == "machine/code":
		f.addGCode(string(body))
		fmt.Fprint(w, f.reply)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeController) store(name string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[name] = string(body)
}

func (f *fakeController) addGCode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcodes = append(f.gcodes, code)
}

func (f *fakeController) nextStatus() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		if f.sbc {
			return "idle"
		}
		return "I"
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return st
}

func (f *fakeController) upload(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.uploads[name]
	return body, ok
}

func (f *fakeController) gcodeList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gcodes...)
}

func (f *fakeController) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// events collects write events.
type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) count(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.all {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func newTestDevice(t *testing.T, url string, opts Options) (*Device, *notify.Recorder, *events) {
	t.Helper()
	rec := &notify.Recorder{}
	ev := &events{}
	opts.Sink = rec
	opts.Events = ev.add
	if opts.After == nil {
		opts.After = immediate
	}
	d := NewDevice(registry.Instance{Name: "Nautilus", URL: url, Password: "reprap"}, opts)
	return d, rec, ev
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}

func TestRequestWritePrint(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	hist, err := history.NewManager(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	d, rec, ev := newTestDevice(t, srv.URL, Options{History: hist})

	job := Job{
		Writer: gcode.BytesWriter("G28\nG1 X10\n"),
		Meta:   gcode.Meta{JobName: "bracket", Materials: []string{"PLA"}, Nozzle: "0.4mm", LayerHeight: 0.2},
		Mode:   ModePrint,
	}
	if err := d.RequestWrite(context.Background(), job); err != nil {
		t.Fatalf("RequestWrite: %v", err)
	}

	const file = "bracket - PLA - 0.4mm - 200um.gcode"
	if got, _ := fc.upload("gcodes/" + file); got != "G28\nG1 X10\n" {
		t.Fatalf("uploaded body = %q", got)
	}
	if codes := fc.gcodeList(); len(codes) != 1 || codes[0] != `M32 "0:/gcodes/`+file+`"` {
		t.Fatalf("gcodes = %q", codes)
	}

	calls := fc.callList()
	order := []string{"GET /rr_connect", "POST /rr_upload", "GET /rr_gcode", "GET /rr_disconnect"}
	last := -1
	for _, c := range order {
		i := indexOf(calls, c)
		if i <= last {
			t.Fatalf("calls out of order: %v", calls)
		}
		last = i
	}

	if n := ev.count(EventWriteFinished); n != 1 {
		t.Fatalf("finished events = %d, want 1", n)
	}
	if n := ev.count(EventWriteError); n != 0 {
		t.Fatalf("error events = %d, want 0", n)
	}
	terminal := rec.Terminal()
	if len(terminal) != 1 || terminal[0].Level != notify.LevelInfo {
		t.Fatalf("terminal messages = %+v", terminal)
	}
	if want := "Print started on Nautilus with file " + file + "."; terminal[0].Text != want {
		t.Fatalf("message = %q, want %q", terminal[0].Text, want)
	}
	for _, m := range rec.Visible() {
		if m.Level == notify.LevelProgress {
			t.Fatalf("progress message left visible: %+v", m)
		}
	}

	snap := d.Snapshot()
	if snap.Stage != StageReady || snap.FileName != "" || snap.Dialect != "rrf" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if d.session.State() != duet.StateReady {
		t.Fatalf("session state = %v", d.session.State())
	}

	jobs, _ := hist.ListJobs(0, 0, "Nautilus", "")
	if len(jobs) != 1 || jobs[0].Status != history.StatusCompleted || jobs[0].Kind != history.KindPrint {
		t.Fatalf("history = %+v", jobs)
	}
}

func TestRequestWriteWhileBusy(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	confirm := ConfirmFunc(func(ctx context.Context, _, proposed string) (string, error) {
		close(entered)
		<-proceed
		return proposed, nil
	})
	d, _, _ := newTestDevice(t, srv.URL, Options{Confirmer: confirm})

	done := make(chan error, 1)
	go func() {
		done <- d.RequestWrite(context.Background(), Job{
			Writer: gcode.BytesWriter("G28\n"),
			Meta:   gcode.Meta{JobName: "first"},
		})
	}()
	<-entered

	// The name is still being confirmed, so the stage has not moved yet.
	if d.Snapshot().Stage != StageReady {
		t.Fatalf("stage = %v before confirmation", d.Snapshot().Stage)
	}
	err := d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "second.gcode"})
	if !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second RequestWrite = %v, want ErrDeviceBusy", err)
	}
	if calls := fc.callList(); len(calls) != 0 {
		t.Fatalf("busy write reached the network: %v", calls)
	}

	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first RequestWrite: %v", err)
	}
	if _, ok := fc.upload("gcodes/first.gcode"); !ok {
		t.Fatalf("first.gcode not uploaded: %v", fc.callList())
	}
}

func TestRequestWriteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d, rec, ev := newTestDevice(t, srv.URL, Options{RequestTimeout: 50 * time.Millisecond})

	err := d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "part"})
	if !duet.IsTimeout(err) {
		t.Fatalf("err = %v, want timeout", err)
	}

	terminal := rec.Terminal()
	if len(terminal) != 1 {
		t.Fatalf("terminal messages = %+v, want exactly one", terminal)
	}
	if want := "Unable to connect to Nautilus, the connection timed out"; terminal[0].Text != want {
		t.Fatalf("message = %q, want %q", terminal[0].Text, want)
	}
	if ev.count(EventWriteError) != 1 || ev.count(EventWriteFinished) != 0 {
		t.Fatalf("events = %+v", ev.all)
	}
	if len(rec.Visible()) != 1 {
		t.Fatalf("visible = %+v, want only the error", rec.Visible())
	}
	if d.Snapshot().Stage != StageReady || d.Busy() {
		t.Fatalf("device not reset: %+v", d.Snapshot())
	}
}

func TestWriterFailureResets(t *testing.T) {
	fc := &fakeController{}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	d, rec, ev := newTestDevice(t, srv.URL, Options{})

	failing := gcode.WriterFunc(func(io.Writer) bool { return false })
	err := d.RequestWrite(context.Background(), Job{Writer: failing, Name: "part.gcode"})
	if !errors.Is(err, ErrWriterFailed) {
		t.Fatalf("err = %v, want ErrWriterFailed", err)
	}
	if calls := fc.callList(); len(calls) != 0 {
		t.Fatalf("writer failure reached the network: %v", calls)
	}
	if terminal := rec.Terminal(); len(terminal) != 1 || terminal[0].Level != notify.LevelError {
		t.Fatalf("terminal = %+v", terminal)
	}
	if ev.count(EventWriteError) != 1 {
		t.Fatalf("error events = %d", ev.count(EventWriteError))
	}

	// The device is usable again.
	if err := d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "part.gcode"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestRequestWriteRejectsInvalidName(t *testing.T) {
	tests := []struct {
		name      string
		job       Job
		confirmed string
	}{
		{name: "confirmed name", confirmed: "part:1?.gcode"},
		{name: "job name", job: Job{Name: "part:1?.gcode"}},
		{name: "directory", job: Job{Name: "../sys/config.g"}},
		{name: "empty confirmation", confirmed: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeController{}
			srv := httptest.NewServer(fc)
			defer srv.Close()

			confirmed := tt.confirmed
			d, _, ev := newTestDevice(t, srv.URL, Options{
				Confirmer: ConfirmFunc(func(context.Context, string, string) (string, error) {
					return confirmed, nil
				}),
			})

			job := tt.job
			job.Writer = gcode.BytesWriter("G28\n")
			if err := d.RequestWrite(context.Background(), job); !errors.Is(err, ErrInvalidName) {
				t.Fatalf("err = %v, want ErrInvalidName", err)
			}
			if calls := fc.callList(); len(calls) != 0 {
				t.Fatalf("invalid name reached the network: %v", calls)
			}
			if ev.count(EventWriteStarted) != 0 {
				t.Fatalf("write started for an invalid name")
			}
			if d.Busy() {
				t.Fatal("device still claimed")
			}
		})
	}
}

func TestRequestWriteSimulate(t *testing.T) {
	fc := &fakeController{statuses: []string{"M", "M", "I"}, reply: "Simulation took 1h 2m"}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	d, rec, ev := newTestDevice(t, srv.URL, Options{})

	err := d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "cube.gcode", Mode: ModeSimulate})
	if err != nil {
		t.Fatalf("RequestWrite: %v", err)
	}

	want := []string{`M37 P"0:/gcodes/cube.gcode"`, "M37"}
	if got := fc.gcodeList(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("gcodes = %q, want %q", got, want)
	}
	calls := fc.callList()
	if i, j := indexOf(calls, "GET /rr_reply"), indexOf(calls, "GET /rr_disconnect"); i < 0 || j < i {
		t.Fatalf("reply not fetched before disconnect: %v", calls)
	}

	terminal := rec.Terminal()
	if len(terminal) != 1 || terminal[0].Text != "Simulation finished on Nautilus:\n\nSimulation took 1h 2m" {
		t.Fatalf("terminal = %+v", terminal)
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	for _, e := range ev.all {
		if e.Kind == EventWriteProgress && e.Progress == 0.5 {
			return
		}
	}
	t.Fatalf("simulation progress not reported: %+v", ev.all)
}

func TestRequestWriteSBC(t *testing.T) {
	fc := &fakeController{sbc: true}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	d, rec, _ := newTestDevice(t, srv.URL, Options{})

	if err := d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "x"}); err != nil {
		t.Fatalf("RequestWrite: %v", err)
	}
	if got, _ := fc.upload("gcodes/x.gcode"); got != "G28\n" {
		t.Fatalf("uploaded body = %q", got)
	}
	calls := fc.callList()
	if indexOf(calls, "PUT /machine/file/gcodes/x.gcode") < 0 || indexOf(calls, "GET /rr_disconnect") >= 0 {
		t.Fatalf("calls = %v", calls)
	}
	if terminal := rec.Terminal(); len(terminal) != 1 || terminal[0].Text != "Uploaded file x.gcode to Nautilus." {
		t.Fatalf("terminal = %+v", terminal)
	}
	if d.Snapshot().Dialect != "sbc" {
		t.Fatalf("dialect = %q", d.Snapshot().Dialect)
	}
}

func TestResetDropsLateReply(t *testing.T) {
	fc := &fakeController{
		connectEntered: make(chan struct{}),
		connectRelease: make(chan struct{}),
	}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	d, rec, ev := newTestDevice(t, srv.URL, Options{})

	done := make(chan error, 1)
	go func() {
		done <- d.RequestWrite(context.Background(), Job{Writer: gcode.BytesWriter("G28\n"), Name: "late.gcode"})
	}()
	<-fc.connectEntered

	d.Reset()
	close(fc.connectRelease)

	if err := <-done; !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if ev.count(EventWriteFinished) != 0 || ev.count(EventWriteError) != 0 {
		t.Fatalf("late reply emitted a signal: %+v", ev.all)
	}
	if len(rec.Terminal()) != 0 || len(rec.Visible()) != 0 {
		t.Fatalf("messages after reset: terminal %+v visible %+v", rec.Terminal(), rec.Visible())
	}
	if _, ok := fc.upload("gcodes/late.gcode"); ok {
		t.Fatalf("upload issued after reset")
	}
	if d.Snapshot().Stage != StageReady {
		t.Fatalf("stage = %v", d.Snapshot().Stage)
	}
}

func TestAcquireHoldsClaim(t *testing.T) {
	d, _, _ := newTestDevice(t, "http://127.0.0.1:1", Options{})

	lease, err := d.Acquire(context.Background(), "update", history.KindUpdate)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := d.RequestWrite(context.Background(), Job{Name: "x.gcode"}); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("RequestWrite during lease = %v", err)
	}
	if _, err := d.Acquire(context.Background(), "update", history.KindUpdate); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Acquire = %v", err)
	}
	if d.Snapshot().Activity != "update" {
		t.Fatalf("activity = %q", d.Snapshot().Activity)
	}

	if err := lease.Release("done", nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lease.Release("again", nil); !errors.Is(err, ErrCanceled) {
		t.Fatalf("second Release = %v", err)
	}
	if d.Busy() || d.Snapshot().LastMessage != "done" {
		t.Fatalf("after release: %+v", d.Snapshot())
	}
	if lease.Context().Err() == nil {
		t.Fatalf("lease context still live after release")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "timeout",
			err:  &duet.Error{Kind: duet.KindTimeout, Err: context.DeadlineExceeded},
			want: "Unable to connect to P1, the connection timed out",
		},
		{
			name: "unreachable",
			err:  &duet.Error{Kind: duet.KindHostUnreachable, Err: errors.New("no such host")},
			want: "Unable to connect to P1, the address is invalid or does not exist",
		},
		{
			name: "unknown carries code",
			err:  &duet.Error{Kind: duet.KindUnknown, Op: "rr_upload", Code: 500, Err: errors.New("HTTP 500: boom")},
			want: "There was a network error: 500 rr_upload: HTTP 500: boom",
		},
		{
			name: "writer",
			err:  ErrWriterFailed,
			want: "Unable to write g-code for P1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorMessage("P1", tt.err); got != tt.want {
				t.Fatalf("ErrorMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
