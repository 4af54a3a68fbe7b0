package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerRecord is the audit row written for every alarm claimed by a sweep.
type TriggerRecord struct {
	ID        int64
	AlarmKey  string
	OwnerHash string
	AssetCode string
	Kind      string
	Mode      string
	Profile   string
	Price     decimal.Decimal
	// Threshold is the target price for PRICE alarms or the percent value for
	// PERCENT alarms.
	Threshold decimal.Decimal
	Outcome   string
	FiredAt   time.Time
	CreatedAt time.Time
}

// Trigger outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeOrphan    = "orphan"
)
