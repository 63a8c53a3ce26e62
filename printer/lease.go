package printer

import (
	"context"
	"fmt"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/history"
)

// Lease is a claim on a device for an activity other than a write, such
// as provisioning. It holds the same busy claim as RequestWrite.
type Lease struct {
	d   *Device
	gen uint64
	ctx context.Context
}

// Acquire claims the device for activity. It fails with ErrDeviceBusy
// while another write or lease holds the device. A non-empty kind is
// recorded in the job history.
func (d *Device) Acquire(ctx context.Context, activity string, kind history.JobKind) (*Lease, error) {
	gen, ctx, err := d.claim(ctx)
	if err != nil {
		return nil, err
	}

	var jobID string
	if d.opts.History != nil && kind != "" {
		jobID = d.opts.History.StartJob(d.inst.Name, activity, kind)
	}
	d.mu.Lock()
	if d.gen == gen {
		d.jobID = jobID
	}
	d.mu.Unlock()

	d.state.begin(activity, "")
	return &Lease{d: d, gen: gen, ctx: ctx}, nil
}

// Context is canceled when the lease is released or the device reset.
func (l *Lease) Context() context.Context { return l.ctx }

// Session returns the device session. Requests issued after a reset
// return duet.ErrStale.
func (l *Lease) Session() *duet.Session { return l.d.session }

// Active reports whether the lease still owns the device.
func (l *Lease) Active() bool { return l.d.current(l.gen) }

// Progress records a fraction 0..1 on the device state.
func (l *Lease) Progress(fraction float64) {
	if l.Active() {
		l.d.state.setProgress(fraction)
	}
}

// Release ends the lease. message and err are kept as the last outcome.
// Releasing twice, or after a reset, is a no-op and returns ErrCanceled.
func (l *Lease) Release(message string, err error) error {
	_, jobID, ok := l.d.release(l.gen)
	if !ok {
		return fmt.Errorf("%w: device was reset", ErrCanceled)
	}
	if h := l.d.opts.History; h != nil && jobID != "" {
		if err != nil {
			h.FinishJob(jobID, history.StatusError, err.Error())
		} else {
			h.FinishJob(jobID, history.StatusCompleted, message)
		}
	}
	l.d.state.end(message, err)
	return nil
}
