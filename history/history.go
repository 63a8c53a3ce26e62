package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JobStatus represents the outcome of a job.
type JobStatus string

const (
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
	StatusError      JobStatus = "error"
)

// JobKind is what the job did on the printer.
type JobKind string

const (
	KindUpload   JobKind = "upload"
	KindPrint    JobKind = "print"
	KindSimulate JobKind = "simulate"
	KindUpdate   JobKind = "update"
)

// Job is one recorded operation against a printer.
type Job struct {
	JobID         string    `json:"job_id"`
	Printer       string    `json:"printer"`
	Filename      string    `json:"filename"`
	Kind          JobKind   `json:"kind"`
	Status        JobStatus `json:"status"`
	StartTime     float64   `json:"start_time"`     // Unix timestamp
	EndTime       float64   `json:"end_time"`       // Unix timestamp
	TotalDuration float64   `json:"total_duration"` // seconds
	Message       string    `json:"message,omitempty"`
}

// Totals represents cumulative statistics.
type Totals struct {
	TotalJobs     int     `json:"total_jobs"`
	TotalTime     float64 `json:"total_time"`
	LongestJob    float64 `json:"longest_job"`
	CompletedJobs int     `json:"completed_jobs"`
	CancelledJobs int     `json:"cancelled_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
}

// ChangedAction is the action type for history change events.
type ChangedAction string

const (
	ActionAdded    ChangedAction = "added"
	ActionFinished ChangedAction = "finished"
	ActionDeleted  ChangedAction = "deleted"
)

// ChangedCallback is called when the history changes.
type ChangedCallback func(action ChangedAction, job Job)

// Manager records jobs for all printers.
type Manager struct {
	mu        sync.RWMutex
	jobs      []*Job
	dataPath  string
	nextJobID int
	callback  ChangedCallback
	now       func() time.Time
}

// NewManager creates a history manager persisting to dataDir.
func NewManager(dataDir string, callback ChangedCallback) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	m := &Manager{
		dataPath:  filepath.Join(dataDir, "history.json"),
		jobs:      make([]*Job, 0),
		nextJobID: 1,
		callback:  callback,
		now:       time.Now,
	}

	if err := m.load(); err != nil {
		// An unreadable history starts over empty.
		log.Printf("Warning: failed to load history: %v", err)
	}

	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state struct {
		Jobs      []*Job `json:"jobs"`
		NextJobID int    `json:"next_job_id"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	m.jobs = state.Jobs
	m.nextJobID = state.NextJobID
	if m.nextJobID == 0 {
		m.nextJobID = len(m.jobs) + 1
	}

	// Jobs left running by a previous process never finished.
	for _, job := range m.jobs {
		if job.Status == StatusInProgress {
			job.Status = StatusCancelled
		}
	}
	return nil
}

func (m *Manager) save() {
	state := struct {
		Jobs      []*Job `json:"jobs"`
		NextJobID int    `json:"next_job_id"`
	}{
		Jobs:      m.jobs,
		NextJobID: m.nextJobID,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Printf("Warning: failed to encode history: %v", err)
		return
	}
	if err := os.WriteFile(m.dataPath, data, 0644); err != nil {
		log.Printf("Warning: failed to save history: %v", err)
	}
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// StartJob begins tracking a job and returns its ID.
func (m *Manager) StartJob(printer, filename string, kind JobKind) string {
	m.mu.Lock()

	job := &Job{
		JobID:     fmt.Sprintf("%06X", m.nextJobID),
		Printer:   printer,
		Filename:  filename,
		Kind:      kind,
		Status:    StatusInProgress,
		StartTime: unix(m.now()),
	}
	m.nextJobID++
	m.jobs = append(m.jobs, job)
	m.save()

	cb, snapshot := m.callback, *job
	m.mu.Unlock()

	if cb != nil {
		cb(ActionAdded, snapshot)
	}
	return snapshot.JobID
}

// FinishJob completes a job. Finishing an unknown or already finished
// job is a no-op.
func (m *Manager) FinishJob(jobID string, status JobStatus, message string) {
	m.mu.Lock()

	var job *Job
	for _, j := range m.jobs {
		if j.JobID == jobID {
			job = j
			break
		}
	}
	if job == nil || job.Status != StatusInProgress {
		m.mu.Unlock()
		return
	}

	job.Status = status
	job.Message = message
	job.EndTime = unix(m.now())
	job.TotalDuration = job.EndTime - job.StartTime
	m.save()

	cb, snapshot := m.callback, *job
	m.mu.Unlock()

	if cb != nil {
		cb(ActionFinished, snapshot)
	}
}

// ListJobs returns jobs with pagination, optionally for one printer.
// Jobs are returned newest first unless order is "asc".
func (m *Manager) ListJobs(start, limit int, printer, order string) ([]Job, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if printer != "" && job.Printer != printer {
			continue
		}
		filtered = append(filtered, *job)
	}

	if order == "asc" {
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].StartTime < filtered[j].StartTime
		})
	} else {
		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].StartTime > filtered[j].StartTime
		})
	}

	total := len(filtered)
	if start >= len(filtered) {
		return []Job{}, total
	}
	filtered = filtered[start:]
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[:limit]
	}
	return filtered, total
}

// GetJob retrieves a job by ID.
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, job := range m.jobs {
		if job.JobID == jobID {
			return *job, true
		}
	}
	return Job{}, false
}

// DeleteJob removes a job from history.
func (m *Manager) DeleteJob(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, job := range m.jobs {
		if job.JobID == jobID {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			m.save()
			return true
		}
	}
	return false
}

// GetTotals calculates cumulative statistics over finished jobs.
func (m *Manager) GetTotals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{}
	for _, job := range m.jobs {
		if job.Status == StatusInProgress {
			continue
		}

		totals.TotalJobs++
		totals.TotalTime += job.TotalDuration
		if job.TotalDuration > totals.LongestJob {
			totals.LongestJob = job.TotalDuration
		}

		switch job.Status {
		case StatusCompleted:
			totals.CompletedJobs++
		case StatusCancelled:
			totals.CancelledJobs++
		case StatusError:
			totals.FailedJobs++
		}
	}
	return totals
}

// Reset clears all history.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make([]*Job, 0)
	m.save()
}
