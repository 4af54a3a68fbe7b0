package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/rates"
)

// Rates prints the cached snapshot batches.
func (a *App) Rates(ctx context.Context, opts RatesOptions) error {
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	profiles := rates.Profiles
	if opts.Profile != "" {
		profiles = []rates.Profile{opts.Profile}
	}
	categories := rates.Categories
	if opts.Category != "" {
		categories = []rates.Category{opts.Category}
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Category\tProfile\tAsset\tName\tSell\tChange%\tCaptured (UTC)")

	rows := 0
	for _, p := range profiles {
		for _, cat := range categories {
			snaps, found, err := rt.cache.Load(ctx, cat, p)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			for _, s := range snaps {
				rows++
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					cat,
					p,
					s.AssetCode,
					sanitizeInline(s.DisplayName),
					formatDecimal(s.SellPrice, 4),
					formatDecimal(s.ChangePercent, 2),
					s.CapturedAt.UTC().Format(time.RFC3339),
				)
			}
		}
	}
	if rows == 0 {
		fmt.Fprintln(os.Stdout, "no cached rates; run `refresh` or wait for the next cycle")
		return nil
	}

	writer.Flush()
	return nil
}

// Triggers prints the most recent entries of the trigger audit.
func (a *App) Triggers(ctx context.Context, opts TriggersOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	if !store.Configured() {
		return errors.New("database not configured; cannot show triggers")
	}

	owner := ""
	if opts.Token != "" {
		owner = alarm.HashToken(strings.TrimSpace(opts.Token))
	}

	records, err := store.ListRecentTriggers(ctx, owner, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no triggers found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Fired (UTC)\tOwner\tAsset\tType\tMode\tProfile\tPrice\tThreshold\tOutcome")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.FiredAt.UTC().Format(time.RFC3339),
			rec.OwnerHash,
			rec.AssetCode,
			rec.Kind,
			rec.Mode,
			rec.Profile,
			formatDecimal(rec.Price, 4),
			rec.Threshold.String(),
			rec.Outcome,
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
