package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"rate-alarms/internal/rates"
)

// ErrAllSourcesFailed is returned when no upstream produced a usable table.
var ErrAllSourcesFailed = errors.New("all rate sources failed")

// Record is one upstream row after numeric normalisation.
type Record struct {
	Code          string
	Name          string
	Sell          decimal.Decimal
	ChangePercent decimal.Decimal
	// JewelerSell is zero when the source does not quote a retail price.
	JewelerSell decimal.Decimal
}

// Table holds the rows of every category a source returned.
type Table map[rates.Category][]Record

// Source retrieves one upstream rate table.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Table, error)
}

// UpstreamError reports a source that failed after all retries.
type UpstreamError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("source %s failed after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
