package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTriggerSQL = `INSERT INTO alarm_triggers (
        alarm_key,
        owner_hash,
        asset_code,
        alarm_type,
        alarm_mode,
        price_profile,
        price,
        threshold,
        outcome,
        fired_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	listRecentTriggersSQL = `SELECT
        id,
        alarm_key,
        owner_hash,
        asset_code,
        alarm_type,
        alarm_mode,
        price_profile,
        price,
        threshold,
        outcome,
        fired_at,
        created_at
    FROM alarm_triggers
    WHERE ($2 = '' OR owner_hash = $2)
    ORDER BY fired_at DESC
    LIMIT $1;`

	countTriggersSinceSQL = `SELECT outcome, COUNT(*)
    FROM alarm_triggers
    WHERE fired_at >= $1
    GROUP BY outcome;`

	deleteTriggersBeforeSQL = `DELETE FROM alarm_triggers WHERE fired_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TriggerStore defines operations for trigger auditing.
type TriggerStore interface {
	InsertTriggers(ctx context.Context, records []TriggerRecord) error
	ListRecentTriggers(ctx context.Context, ownerHash string, limit int) ([]TriggerRecord, error)
	CountTriggersSince(ctx context.Context, since time.Time) (map[string]int64, error)
	DeleteTriggersBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists trigger audit rows in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ TriggerStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store. A nil pool yields a store whose
// every call returns ErrNotConfigured.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Configured reports whether a pool is attached.
func (s *Store) Configured() bool {
	return s != nil && s.pool != nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if !s.Configured() {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is session scoped, so the connection is held until unlock runs.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a failed unlock leaves the session lock behind; drop the connection
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTriggers writes records in one batch round trip.
func (s *Store) InsertTriggers(ctx context.Context, records []TriggerRecord) error {
	if len(records) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertTriggerSQL,
			rec.AlarmKey,
			rec.OwnerHash,
			rec.AssetCode,
			rec.Kind,
			rec.Mode,
			rec.Profile,
			rec.Price.String(),
			rec.Threshold.String(),
			rec.Outcome,
			rec.FiredAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		var (
			id      int64
			created time.Time
		)
		if err := results.QueryRow().Scan(&id, &created); err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
	}
	return nil
}

// ListRecentTriggers lists the newest triggers, optionally for one owner.
func (s *Store) ListRecentTriggers(ctx context.Context, ownerHash string, limit int) ([]TriggerRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentTriggersSQL, limit, ownerHash)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent triggers: %w", queryErr)
	}
	defer rows.Close()

	records := make([]TriggerRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanTrigger(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountTriggersSince groups triggers fired at or after since by outcome.
func (s *Store) CountTriggersSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countTriggersSinceSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("count triggers: %w", queryErr)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// DeleteTriggersBefore prunes audit rows older than olderThan.
func (s *Store) DeleteTriggersBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteTriggersBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete triggers before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanTrigger(rows pgx.Rows) (TriggerRecord, error) {
	var (
		rec          TriggerRecord
		priceStr     string
		thresholdStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.AlarmKey,
		&rec.OwnerHash,
		&rec.AssetCode,
		&rec.Kind,
		&rec.Mode,
		&rec.Profile,
		&priceStr,
		&thresholdStr,
		&rec.Outcome,
		&rec.FiredAt,
		&rec.CreatedAt,
	); err != nil {
		return TriggerRecord{}, err
	}

	var err error
	rec.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return TriggerRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Threshold, err = decimal.NewFromString(thresholdStr)
	if err != nil {
		return TriggerRecord{}, fmt.Errorf("parse threshold: %w", err)
	}
	return rec, nil
}
