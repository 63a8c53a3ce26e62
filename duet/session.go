package duet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the position of a session in its connect/disconnect cycle.
type State int

const (
	StateReady State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "ready"
	}
}

// DefaultStatusTimeout bounds status requests.
const DefaultStatusTimeout = 3 * time.Second

// SessionConfig configures a Session.
type SessionConfig struct {
	Password      string
	StatusTimeout time.Duration
	// Now supplies the legacy time= parameter. Defaults to time.Now.
	Now func() time.Time
}

// Session runs one connect, operate, disconnect exchange with a controller.
// Operations are issued sequentially by a single caller; Reset may be
// called from any goroutine to abandon the exchange.
type Session struct {
	doer Doer
	cfg  SessionConfig

	mu      sync.Mutex
	state   State
	dialect Dialect
	gen     uint64
}

// NewSession creates a session over doer.
func NewSession(doer Doer, cfg SessionConfig) *Session {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{doer: doer, cfg: cfg}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dialect returns the dialect detected by Connect.
func (s *Session) Dialect() Dialect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialect
}

// Reset abandons the current exchange. Replies to requests issued before
// the reset return ErrStale and leave the session untouched.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.state = StateReady
	s.dialect = DialectLegacy
}

// snapshot returns the generation and dialect an operation runs under.
func (s *Session) snapshot() (uint64, Dialect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, s.dialect
}

// setState moves to st unless gen is stale.
func (s *Session) setState(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.state = st
	return true
}

// send issues req and drops the reply when the session was reset meanwhile.
func (s *Session) send(ctx context.Context, gen uint64, req Request) (*Response, error) {
	if strings.HasPrefix(req.Path, "rr_") {
		req.Query = append(req.Query, Param{"time", timestamp(s.cfg.Now())})
	}

	resp, err := s.doer.Send(ctx, req)

	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return nil, ErrStale
	}
	return resp, err
}

// fail records a terminal error unless the session moved on.
func (s *Session) fail(gen uint64, err error) error {
	if errors.Is(err, ErrStale) {
		return err
	}
	s.setState(gen, StateFailed)
	return err
}

// Connect opens the session. A NotFound from the legacy connect endpoint
// triggers exactly one probe of the SBC status endpoint; on success the
// session speaks the SBC dialect from then on.
func (s *Session) Connect(ctx context.Context) error {
	gen, _ := s.snapshot()
	if !s.setState(gen, StateConnecting) {
		return ErrStale
	}

	resp, err := s.send(ctx, gen, DialectLegacy.connectRequest(s.cfg.Password))
	if err == nil {
		if err := checkLegacyReply("rr_connect", resp.Body); err != nil {
			return s.fail(gen, err)
		}
		return s.connected(gen, DialectLegacy)
	}
	if !IsNotFound(err) {
		return s.fail(gen, err)
	}

	probe := DialectSBC.statusRequest()
	probe.Timeout = s.cfg.StatusTimeout
	if _, fbErr := s.send(ctx, gen, probe); fbErr != nil {
		if errors.Is(fbErr, ErrStale) {
			return fbErr
		}
		var orig *Error
		errors.As(err, &orig)
		withFallback := *orig
		withFallback.Fallback = fbErr
		return s.fail(gen, &withFallback)
	}
	return s.connected(gen, DialectSBC)
}

func (s *Session) connected(gen uint64, d Dialect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrStale
	}
	s.state = StateConnected
	s.dialect = d
	return nil
}

// Status fetches the controller status.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	gen, d := s.snapshot()
	req := d.statusRequest()
	req.Timeout = s.cfg.StatusTimeout

	resp, err := s.send(ctx, gen, req)
	if err != nil {
		return nil, err
	}

	var st *Status
	if d == DialectSBC {
		st, err = parseSBCStatus(resp.Body)
	} else {
		st, err = parseLegacyStatus(resp.Body)
	}
	if err != nil {
		return nil, asError(req.Path, err)
	}
	return st, nil
}

// Upload writes data to p, a path relative to the SD card root such as
// "gcodes/part.gcode".
func (s *Session) Upload(ctx context.Context, p string, data []byte, progress ProgressFunc) error {
	gen, d := s.snapshot()
	req := d.uploadRequest(p, data)
	req.Progress = progress

	resp, err := s.send(ctx, gen, req)
	if err != nil {
		return err
	}
	if d == DialectLegacy {
		return checkLegacyReply("rr_upload", resp.Body)
	}
	return nil
}

// GCode runs code on the controller and returns the immediate response
// body. For the SBC dialect that body is the command's reply text.
func (s *Session) GCode(ctx context.Context, code string) (string, error) {
	gen, d := s.snapshot()
	resp, err := s.send(ctx, gen, d.gcodeRequest(code))
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// Reply fetches buffered gcode replies. The SBC dialect has no reply
// buffer and returns an empty string without a request.
func (s *Session) Reply(ctx context.Context) (string, error) {
	gen, d := s.snapshot()
	if d == DialectSBC {
		return "", nil
	}
	resp, err := s.send(ctx, gen, d.replyRequest())
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// Disconnect closes the session. Only the legacy dialect sends a request.
func (s *Session) Disconnect(ctx context.Context) error {
	gen, d := s.snapshot()
	if !s.setState(gen, StateDisconnecting) {
		return ErrStale
	}
	if d == DialectLegacy {
		if _, err := s.send(ctx, gen, d.disconnectRequest()); err != nil {
			return s.fail(gen, err)
		}
	}
	if !s.setState(gen, StateReady) {
		return ErrStale
	}
	return nil
}

// FileList lists dir, a path relative to the SD card root.
func (s *Session) FileList(ctx context.Context, dir string) ([]FileEntry, error) {
	gen, d := s.snapshot()
	req := d.fileListRequest(dir)
	resp, err := s.send(ctx, gen, req)
	if err != nil {
		return nil, err
	}
	entries, err := parseFileList(d, resp.Body)
	if err != nil {
		return nil, asError(req.Path, err)
	}
	return entries, nil
}

// Delete removes the file or empty directory at p.
func (s *Session) Delete(ctx context.Context, p string) error {
	gen, d := s.snapshot()
	resp, err := s.send(ctx, gen, d.deleteRequest(p))
	if err != nil {
		return err
	}
	if d == DialectLegacy {
		return checkLegacyReply("rr_delete", resp.Body)
	}
	return nil
}

// Download returns the contents of the file at p.
func (s *Session) Download(ctx context.Context, p string) ([]byte, error) {
	gen, d := s.snapshot()
	resp, err := s.send(ctx, gen, d.downloadRequest(p))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

var legacyConnectErrors = map[int]string{
	1: "invalid password",
	2: "no more sessions available",
}

// checkLegacyReply inspects the {"err":N} field of a legacy reply. Bodies
// that are not JSON objects are accepted as-is.
func checkLegacyReply(op string, body []byte) error {
	var reply struct {
		Err *int `json:"err"`
	}
	if json.Unmarshal(body, &reply) != nil || reply.Err == nil || *reply.Err == 0 {
		return nil
	}

	msg := fmt.Sprintf("controller returned err=%d", *reply.Err)
	if op == "rr_connect" {
		if text, ok := legacyConnectErrors[*reply.Err]; ok {
			msg += ": " + text
		}
	}
	return &Error{Kind: KindUnknown, Op: op, Err: errors.New(msg)}
}

// asError tags decode failures as Unknown.
func asError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindUnknown, Op: op, Err: err}
}
