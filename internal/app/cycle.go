package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Sweep runs exactly one refresh-and-evaluate cycle and prints its report.
func (a *App) Sweep(ctx context.Context) error {
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	report, err := rt.service.RunCycle(ctx)
	if report.Skipped {
		fmt.Fprintln(os.Stdout, "cycle skipped: another instance holds the advisory lock")
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Refreshed\tTotal\tChecked\tTriggered\tFailed\tDuration\tError")
	fmt.Fprintf(writer, "%t\t%d\t%d\t%d\t%d\t%s\t%s\n",
		report.Refreshed,
		report.Sweep.Total,
		report.Sweep.Checked,
		report.Sweep.Triggered,
		report.Sweep.Failed,
		report.Sweep.Duration.Round(time.Millisecond),
		report.Sweep.Error,
	)
	writer.Flush()

	if report.RefreshErr != "" {
		fmt.Fprintf(os.Stdout, "refresh error: %s\n", sanitizeInline(report.RefreshErr))
	}
	return err
}

// Refresh fetches upstream rates once without evaluating alarms.
func (a *App) Refresh(ctx context.Context) error {
	if err := a.requirePersistentCache(); err != nil {
		return err
	}
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	ok, err := rt.refresher.RefreshAll(ctx)
	if err != nil {
		return fmt.Errorf("refresh rates: %w", err)
	}
	if !ok {
		return fmt.Errorf("refresh rates: no usable source")
	}
	fmt.Fprintln(os.Stdout, "rates refreshed")
	return nil
}
