package history

import (
	"testing"
	"time"
)

func TestStartFinishPersist(t *testing.T) {
	dir := t.TempDir()

	var actions []ChangedAction
	m, err := NewManager(dir, func(action ChangedAction, job Job) {
		actions = append(actions, action)
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }

	id := m.StartJob("Nautilus", "part.gcode", KindPrint)
	clock = clock.Add(90 * time.Second)
	m.FinishJob(id, StatusCompleted, "Print started on Nautilus with file part.gcode.")
	// Finishing twice keeps the first outcome.
	m.FinishJob(id, StatusError, "late")

	if len(actions) != 2 || actions[0] != ActionAdded || actions[1] != ActionFinished {
		t.Fatalf("actions = %v", actions)
	}

	reopened, err := NewManager(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	job, ok := reopened.GetJob(id)
	if !ok {
		t.Fatalf("job %s not persisted", id)
	}
	if job.Status != StatusCompleted || job.TotalDuration != 90 || job.Kind != KindPrint {
		t.Fatalf("job = %+v", job)
	}
}

func TestInterruptedJobsAreCancelledOnLoad(t *testing.T) {
	dir := t.TempDir()
	m, _ := NewManager(dir, nil)
	id := m.StartJob("p", "a.gcode", KindUpload)

	reopened, _ := NewManager(dir, nil)
	job, _ := reopened.GetJob(id)
	if job.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
}

func TestListJobsAndTotals(t *testing.T) {
	m, _ := NewManager(t.TempDir(), nil)
	clock := time.Unix(0, 0)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	a := m.StartJob("one", "a.gcode", KindUpload)
	b := m.StartJob("two", "b.gcode", KindSimulate)
	c := m.StartJob("one", "c.gcode", KindPrint)
	m.FinishJob(a, StatusCompleted, "")
	m.FinishJob(b, StatusError, "timeout")
	m.FinishJob(c, StatusCancelled, "")

	jobs, total := m.ListJobs(0, 0, "one", "")
	if total != 2 || jobs[0].JobID != c || jobs[1].JobID != a {
		t.Fatalf("jobs = %+v total = %d", jobs, total)
	}

	jobs, total = m.ListJobs(1, 1, "", "asc")
	if total != 3 || len(jobs) != 1 || jobs[0].JobID != b {
		t.Fatalf("paged jobs = %+v total = %d", jobs, total)
	}

	totals := m.GetTotals()
	if totals.TotalJobs != 3 || totals.CompletedJobs != 1 || totals.FailedJobs != 1 || totals.CancelledJobs != 1 {
		t.Fatalf("totals = %+v", totals)
	}

	if !m.DeleteJob(a) || m.DeleteJob(a) {
		t.Fatalf("DeleteJob did not remove exactly once")
	}
}
