package duet

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder logs every request path a test server sees.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Method+" "+req.URL.Path)
}

func (r *recorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)
}

func newTestSession(url string) *Session {
	return NewSession(NewTransport(url, TransportConfig{}), SessionConfig{Password: "pw", Now: fixedNow})
}

func TestConnectLegacy(t *testing.T) {
	rec := &recorder{}
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		query = r.URL.RawQuery
		w.Write([]byte(`{"err":0}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.Dialect() != DialectLegacy {
		t.Fatalf("dialect = %v, want rrf", s.Dialect())
	}
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
	if want := "password=pw&time=2024-05-06T07%3A08%3A09"; query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if rec.count("GET /machine/status") != 0 {
		t.Fatalf("unexpected SBC probe")
	}
}

func TestConnectRejectedPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"err":1}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	err := s.Connect(context.Background())
	if KindOf(err) != KindUnknown || err == nil {
		t.Fatalf("err = %v, want Unknown", err)
	}
	if !strings.Contains(err.Error(), "invalid password") {
		t.Fatalf("err = %v, want password hint", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}
}

func TestConnectFallsBackToSBC(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		switch r.URL.Path {
		case "/machine/status":
			w.Write([]byte(`{"result":{"state":{"status":"idle"}}}`))
		case "/machine/code":
			body, _ := io.ReadAll(r.Body)
			w.Write([]byte("ok " + string(body)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.Dialect() != DialectSBC {
		t.Fatalf("dialect = %v, want sbc", s.Dialect())
	}
	if n := rec.count("GET /machine/status"); n != 1 {
		t.Fatalf("SBC probes = %d, want 1", n)
	}

	reply, err := s.GCode(context.Background(), "M115")
	if err != nil {
		t.Fatalf("GCode: %v", err)
	}
	if reply != "ok M115" {
		t.Fatalf("reply = %q", reply)
	}
	if rec.count("POST /machine/code") != 1 {
		t.Fatalf("gcode did not use SBC mapping: %v", rec.calls)
	}

	if err := s.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if rec.count("GET /rr_disconnect") != 0 {
		t.Fatalf("SBC disconnect must not issue a request")
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
}

func TestConnectFallbackFailureKeepsOriginalError(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		if r.URL.Path == "/machine/status" {
			http.Error(w, "nope", http.StatusServiceUnavailable)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	err := s.Connect(context.Background())
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err %T is not *Error", err)
	}
	if e.Op != "rr_connect" {
		t.Fatalf("op = %q, want rr_connect", e.Op)
	}
	if e.Fallback == nil || KindOf(e.Fallback) != KindUnknown {
		t.Fatalf("fallback = %v, want Unknown", e.Fallback)
	}
	if n := rec.count("GET /machine/status"); n != 1 {
		t.Fatalf("SBC probes = %d, want exactly 1", n)
	}
}

func TestStaleReplyIsDropped(t *testing.T) {
	var s *Session
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The session is reset while the request is in flight.
		s.Reset()
		w.Write([]byte(`{"err":0}`))
	}))
	defer srv.Close()

	s = newTestSession(srv.URL)
	err := s.Connect(context.Background())
	if !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
	if s.Dialect() != DialectLegacy {
		t.Fatalf("dialect changed by stale reply")
	}
}

func TestLegacyCommandsCarryTimestamp(t *testing.T) {
	var mu sync.Mutex
	queries := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries[r.URL.Path] = r.URL.RawQuery
		mu.Unlock()
		switch r.URL.Path {
		case "/rr_status":
			w.Write([]byte(`{"status":"I"}`))
		case "/rr_reply":
			w.Write([]byte("Simulated print time 12s"))
		default:
			w.Write([]byte(`{"err":0}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s := newTestSession(srv.URL)
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Upload(ctx, "gcodes/a.gcode", []byte("G28\n"), nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Idle || st.Busy {
		t.Fatalf("status = %+v, want idle", st)
	}
	if _, err := s.GCode(ctx, `M32 "0:/gcodes/a.gcode"`); err != nil {
		t.Fatalf("GCode: %v", err)
	}
	reply, err := s.Reply(ctx)
	if err != nil || reply != "Simulated print time 12s" {
		t.Fatalf("Reply = %q, %v", reply, err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	const stamp = "time=2024-05-06T07%3A08%3A09"
	for _, path := range []string{"/rr_connect", "/rr_upload", "/rr_status", "/rr_gcode", "/rr_reply", "/rr_disconnect"} {
		if !strings.HasSuffix(queries[path], stamp) {
			t.Errorf("%s query = %q, want %s suffix", path, queries[path], stamp)
		}
	}
	if want := "name=0%3A%2Fgcodes%2Fa.gcode&" + stamp; queries["/rr_upload"] != want {
		t.Errorf("upload query = %q, want %q", queries["/rr_upload"], want)
	}
}

func TestUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rr_upload" {
			w.Write([]byte(`{"err":1}`))
			return
		}
		w.Write([]byte(`{"err":0}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := s.Upload(context.Background(), "gcodes/a.gcode", []byte("x"), nil)
	if err == nil || KindOf(err) != KindUnknown {
		t.Fatalf("err = %v, want Unknown", err)
	}
}

func TestFileListDialects(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		path    string
		body    string
		want    []FileEntry
	}{
		{
			name:    "legacy",
			dialect: DialectLegacy,
			path:    "/rr_filelist",
			body:    `{"dir":"0:/macros","first":0,"files":[{"type":"d","name":"lib"},{"type":"f","name":"home.g","size":12}]}`,
			want:    []FileEntry{{Type: "d", Name: "lib"}, {Type: "f", Name: "home.g", Size: 12}},
		},
		{
			name:    "sbc",
			dialect: DialectSBC,
			path:    "/machine/directory/macros",
			body:    `[{"type":"f","name":"home.g","size":3}]`,
			want:    []FileEntry{{Type: "f", Name: "home.g", Size: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := newTestSession(srv.URL)
			s.dialect = tt.dialect
			entries, err := s.FileList(context.Background(), "macros")
			if err != nil {
				t.Fatalf("FileList: %v", err)
			}
			if gotPath != tt.path {
				t.Fatalf("path = %q, want %q", gotPath, tt.path)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("entries = %+v, want %+v", entries, tt.want)
			}
			for i := range entries {
				if entries[i] != tt.want[i] {
					t.Fatalf("entry %d = %+v, want %+v", i, entries[i], tt.want[i])
				}
			}
		})
	}
}

func TestFileListMissingDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"err":2}`))
	}))
	defer srv.Close()

	s := newTestSession(srv.URL)
	if _, err := s.FileList(context.Background(), "macros"); !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
