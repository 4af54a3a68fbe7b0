package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/rates"
	"rate-alarms/internal/storage"
)

// ListAlarms prints the alarms registered for a device token.
func (a *App) ListAlarms(ctx context.Context, token string) error {
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	alarms, err := rt.alarms.List(ctx, owner)
	if err != nil {
		return err
	}
	if len(alarms) == 0 {
		fmt.Fprintf(os.Stdout, "no alarms for %s\n", owner)
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tType\tProfile\tMode\tCondition\tActive\tCreated (UTC)")
	for _, al := range alarms {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			al.AssetCode,
			al.Kind,
			al.Profile,
			al.Mode(),
			describeCondition(al.Condition),
			al.Active,
			time.Unix(al.CreatedAt, 0).UTC().Format(time.RFC3339),
		)
	}
	writer.Flush()
	return nil
}

// AddAlarm registers the device token and stores one alarm for it.
func (a *App) AddAlarm(ctx context.Context, opts AddAlarmOptions) error {
	if err := a.requirePersistentCache(); err != nil {
		return err
	}
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	kind, err := alarm.ParseKind(opts.Kind)
	if err != nil {
		return err
	}
	profile, err := rates.ParseProfile(opts.Profile)
	if err != nil {
		return err
	}
	asset := rates.NormalizeAssetCode(opts.AssetCode)

	owner, err := rt.tokens.Register(ctx, opts.Token)
	if err != nil {
		return err
	}

	var al alarm.Alarm
	switch strings.ToUpper(strings.TrimSpace(opts.Mode)) {
	case "", string(alarm.ModePrice):
		target, err := parseDecimalFlag("target", opts.Target)
		if err != nil {
			return err
		}
		al = alarm.NewPriceAlarm(owner, asset, kind, profile, target)
	case string(alarm.ModePercent):
		start, err := parseDecimalFlag("start", opts.Start)
		if err != nil {
			return err
		}
		pct, err := parseDecimalFlag("percent", opts.Percent)
		if err != nil {
			return err
		}
		dir, err := alarm.ParseDirection(opts.Direction)
		if err != nil {
			return err
		}
		al = alarm.NewPercentAlarm(owner, asset, kind, profile, start, pct, dir)
	default:
		return fmt.Errorf("unknown alarm mode %q", opts.Mode)
	}

	stored, err := rt.alarms.Create(ctx, al)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "created %s\n", stored.Key())
	return nil
}

// DeleteAlarm removes one alarm identified by asset, type and profile.
func (a *App) DeleteAlarm(ctx context.Context, token, assetCode, kind, profile string) error {
	if err := a.requirePersistentCache(); err != nil {
		return err
	}
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	k, err := alarm.ParseKind(kind)
	if err != nil {
		return err
	}
	p, err := rates.ParseProfile(profile)
	if err != nil {
		return err
	}
	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	if err := rt.alarms.Delete(ctx, owner, rates.NormalizeAssetCode(assetCode), k, p); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "deleted")
	return nil
}

// ClearAlarms removes every alarm of a device token.
func (a *App) ClearAlarms(ctx context.Context, token string) error {
	if err := a.requirePersistentCache(); err != nil {
		return err
	}
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	n, err := rt.alarms.DeleteAll(ctx, owner)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "deleted %d alarms\n", n)
	return nil
}

// SyncAlarms replaces the token's alarms with the JSON array read from path
// ("-" reads stdin).
func (a *App) SyncAlarms(ctx context.Context, token, path string) error {
	if err := a.requirePersistentCache(); err != nil {
		return err
	}
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read alarms file: %w", err)
	}

	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	res, err := syncFromJSON(ctx, rt.alarms, rt.tokens, token, raw)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

// syncFromJSON decodes entries one by one so a malformed entry only counts
// as skipped. The quota applies to the submitted entry count.
func syncFromJSON(ctx context.Context, store *alarm.Store, tokens *alarm.TokenRegistry, token string, raw []byte) (alarm.SyncResult, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return alarm.SyncResult{}, fmt.Errorf("decode alarms: %w", err)
	}
	if len(entries) > store.MaxPerUser() {
		return alarm.SyncResult{}, fmt.Errorf("%w: %d alarms exceed the limit of %d", alarm.ErrQuotaExceeded, len(entries), store.MaxPerUser())
	}

	owner, err := tokens.Register(ctx, token)
	if err != nil {
		return alarm.SyncResult{}, err
	}

	decoded := make([]alarm.Alarm, 0, len(entries))
	skipped := 0
	for _, entry := range entries {
		var al alarm.Alarm
		if err := json.Unmarshal(entry, &al); err != nil {
			skipped++
			continue
		}
		al.AssetCode = rates.NormalizeAssetCode(al.AssetCode)
		decoded = append(decoded, al)
	}

	res, err := store.Sync(ctx, owner, decoded)
	res.Skipped += skipped
	return res, err
}

// AlarmStats prints aggregate alarm counts and the last cycle status.
func (a *App) AlarmStats(ctx context.Context, asJSON bool) error {
	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	stats, err := rt.alarms.Stats(ctx)
	if err != nil {
		return err
	}
	last, found, err := rt.service.LastReport(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("failed to read last sweep status")
	}

	var fired map[string]int64
	if rt.triggers.Configured() {
		fired, err = rt.triggers.CountTriggersSince(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			a.Logger.Warn().Err(err).Msg("failed to count recent triggers")
		}
	}

	if asJSON {
		out := map[string]any{"alarms": stats}
		if found {
			out["last_cycle"] = last
		}
		if fired != nil {
			out["triggers_24h"] = fired
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Alarms\t%d\n", stats.TotalAlarms)
	fmt.Fprintf(writer, "Users\t%d\n", stats.UniqueUsers)
	fmt.Fprintf(writer, "HIGH / LOW\t%d / %d\n", stats.ByKind[alarm.High], stats.ByKind[alarm.Low])
	fmt.Fprintf(writer, "raw / jeweler\t%d / %d\n", stats.ByProfile[rates.ProfileRaw], stats.ByProfile[rates.ProfileJeweler])
	if found {
		fmt.Fprintf(writer, "Last cycle\t%s (checked %d, triggered %d, failed %d)\n",
			last.FinishedAt.Format(time.RFC3339), last.Sweep.Checked, last.Sweep.Triggered, last.Sweep.Failed)
	} else {
		fmt.Fprintln(writer, "Last cycle\tnever")
	}
	if fired != nil {
		fmt.Fprintf(writer, "Fired (24h)\tdelivered %d, orphan %d, failed %d\n",
			fired[storage.OutcomeDelivered], fired[storage.OutcomeOrphan], fired[storage.OutcomeFailed])
	}
	return writer.Flush()
}

func parseDecimalFlag(name, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, fmt.Errorf("--%s is required", name)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return d, nil
}

func describeCondition(c alarm.Condition) string {
	switch v := c.(type) {
	case alarm.PriceCondition:
		return "target " + v.Target.String()
	case alarm.PercentCondition:
		return fmt.Sprintf("%s%% %s from %s", v.Percent, strings.ToLower(string(v.Direction)), v.Start)
	default:
		return "-"
	}
}

var errNoToken = errors.New("--token is required")

func ownerOf(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNoToken
	}
	return alarm.HashToken(token), nil
}
