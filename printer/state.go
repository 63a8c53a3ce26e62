package printer

import (
	"sync"
	"time"
)

// Stage is the write stage of a device.
type Stage int

const (
	StageReady Stage = iota
	StageWriting
)

func (s Stage) String() string {
	if s == StageWriting {
		return "writing"
	}
	return "ready"
}

func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateData holds device state values without synchronization.
// Safe to copy by value.
type StateData struct {
	Printer string `json:"printer"`
	Stage   Stage  `json:"stage"`

	// Current activity: "upload", "print", "simulate" or "update".
	Activity string  `json:"activity,omitempty"`
	FileName string  `json:"file_name,omitempty"`
	Progress float64 `json:"progress"` // 0.0 - 1.0

	// Dialect detected by the last connect.
	Dialect string `json:"dialect,omitempty"`

	LastError   string    `json:"last_error,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// State provides thread-safe access to StateData.
type State struct {
	mu   sync.RWMutex
	data StateData
	now  func() time.Time
}

// NewState creates a ready state for printer.
func NewState(printer string) *State {
	s := &State{now: time.Now}
	s.data = StateData{Printer: printer, Stage: StageReady, UpdatedAt: s.now()}
	return s
}

// Snapshot returns a copy of the current state data.
func (s *State) Snapshot() StateData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *State) update(fn func(d *StateData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
	s.data.UpdatedAt = s.now()
}

// begin records the start of an activity.
func (s *State) begin(activity, file string) {
	s.update(func(d *StateData) {
		d.Stage = StageWriting
		d.Activity = activity
		d.FileName = file
		d.Progress = 0
		d.LastError = ""
	})
}

// end returns the state to Ready, keeping the outcome for display.
func (s *State) end(message string, err error) {
	s.update(func(d *StateData) {
		d.Stage = StageReady
		d.Activity = ""
		d.FileName = ""
		d.Progress = 0
		d.LastMessage = message
		d.LastError = ""
		if err != nil {
			d.LastError = err.Error()
		}
	})
}

func (s *State) setProgress(fraction float64) {
	s.update(func(d *StateData) { d.Progress = fraction })
}

func (s *State) setDialect(dialect string) {
	s.update(func(d *StateData) { d.Dialect = dialect })
}
