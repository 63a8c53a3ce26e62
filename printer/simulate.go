package printer

import (
	"context"
	"fmt"

	"github.com/hydraresearch/nautilus/duet"
)

// simulate runs name in simulation mode and returns the controller's
// report. Status is polled at the poll interval while the controller is
// busy; the loop ends on the first non-busy status.
func (d *Device) simulate(ctx context.Context, gen uint64, name string) (string, error) {
	if !d.current(gen) {
		return "", duet.ErrStale
	}
	if _, err := d.session.GCode(ctx, fmt.Sprintf(`M37 P"0:/gcodes/%s"`, name)); err != nil {
		return "", err
	}
	d.swapProgress(gen, fmt.Sprintf("Simulating %s on %s", name, d.inst.Name), 0)

	if err := d.wait(ctx, d.opts.SimulationDelay); err != nil {
		return "", err
	}

	for {
		if !d.current(gen) {
			return "", duet.ErrStale
		}
		st, err := d.session.Status(ctx)
		if err != nil {
			return "", err
		}
		if !st.Busy {
			break
		}
		if st.HasFraction {
			d.progress(gen, name, st.Fraction)
		}
		if err := d.wait(ctx, d.opts.PollInterval); err != nil {
			return "", err
		}
	}

	if !d.current(gen) {
		return "", duet.ErrStale
	}
	reply, err := d.session.GCode(ctx, "M37")
	if err != nil {
		return "", err
	}
	if d.session.Dialect() == duet.DialectLegacy {
		if reply, err = d.session.Reply(ctx); err != nil {
			return "", err
		}
	}
	return reply, nil
}
