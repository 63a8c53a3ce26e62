// Package notify carries user-facing messages from the workflows to
// whatever is displaying them: the console, WebSocket clients or the log.
package notify

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// Level is the severity of a message.
type Level string

const (
	LevelInfo     Level = "info"
	LevelProgress Level = "progress"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
)

// Action is a button offered alongside a message.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Message is one user-facing notification.
type Message struct {
	ID      string `json:"id"`
	Printer string `json:"printer,omitempty"`
	Level   Level  `json:"level"`
	Title   string `json:"title,omitempty"`
	Text    string `json:"text"`
	// Progress is 0..100, or -1 for an indeterminate progress message.
	Progress float64  `json:"progress"`
	Actions  []Action `json:"actions,omitempty"`
}

// Sink displays messages. Show returns the message ID for later
// Progress and Hide calls.
type Sink interface {
	Show(m Message) string
	Progress(id string, percent float64)
	Hide(id string)
}

// NewID returns a fresh message ID.
func NewID() string {
	return uuid.NewString()
}

// ensureID fills in a missing message ID.
func ensureID(m *Message) {
	if m.ID == "" {
		m.ID = NewID()
	}
}

// LogSink writes messages to the standard logger.
type LogSink struct{}

func (LogSink) Show(m Message) string {
	ensureID(&m)
	if m.Printer != "" {
		log.Printf("[%s] %s: %s", m.Level, m.Printer, m.Text)
	} else {
		log.Printf("[%s] %s", m.Level, m.Text)
	}
	return m.ID
}

func (LogSink) Progress(id string, percent float64) {}

func (LogSink) Hide(id string) {}

// Multi fans out to several sinks under one message ID.
type Multi []Sink

func (ms Multi) Show(m Message) string {
	ensureID(&m)
	for _, s := range ms {
		s.Show(m)
	}
	return m.ID
}

func (ms Multi) Progress(id string, percent float64) {
	for _, s := range ms {
		s.Progress(id, percent)
	}
}

func (ms Multi) Hide(id string) {
	for _, s := range ms {
		s.Hide(id)
	}
}

// Recorder keeps every message it is shown. It tracks which messages
// are still visible.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	visible  map[string]bool
	progress map[string]float64
}

func (r *Recorder) Show(m Message) string {
	ensureID(&m)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visible == nil {
		r.visible = make(map[string]bool)
		r.progress = make(map[string]float64)
	}
	r.messages = append(r.messages, m)
	r.visible[m.ID] = true
	return m.ID
}

func (r *Recorder) Progress(id string, percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.progress == nil {
		r.progress = make(map[string]float64)
	}
	r.progress[id] = percent
}

func (r *Recorder) Hide(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.visible, id)
}

// Messages returns all messages shown so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Visible returns the messages that have not been hidden.
func (r *Recorder) Visible() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if r.visible[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// Terminal returns the shown messages that are not progress indicators.
func (r *Recorder) Terminal() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Level != LevelProgress {
			out = append(out, m)
		}
	}
	return out
}

// LastProgress returns the latest progress reported for id.
func (r *Recorder) LastProgress(id string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[id]
	return p, ok
}
