package alarm

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"rate-alarms/internal/rates"
)

// Kind is the side an alarm watches.
type Kind string

const (
	High Kind = "HIGH"
	Low  Kind = "LOW"
)

// ParseKind accepts HIGH or LOW in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case High, Low:
		return k, nil
	default:
		return "", fmt.Errorf("unknown alarm kind %q", s)
	}
}

// Mode tags the condition variant.
type Mode string

const (
	ModePrice   Mode = "PRICE"
	ModePercent Mode = "PERCENT"
)

// Direction of a percent move.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// ParseDirection accepts UP or DOWN in any case.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case Up, Down:
		return d, nil
	default:
		return "", fmt.Errorf("unknown percent direction %q", s)
	}
}

// Condition is the trigger rule of an alarm: either PriceCondition or PercentCondition.
type Condition interface {
	Mode() Mode
	validate() error
	// triggered never panics; missing or non-positive inputs yield false.
	triggered(kind Kind, current decimal.Decimal) bool
}

// PriceCondition fires when the price crosses Target on the alarm's side.
type PriceCondition struct {
	Target decimal.Decimal
}

func (PriceCondition) Mode() Mode { return ModePrice }

func (c PriceCondition) validate() error {
	if !c.Target.IsPositive() {
		return invalid("target_price", "must be greater than zero")
	}
	return nil
}

func (c PriceCondition) triggered(kind Kind, current decimal.Decimal) bool {
	if !c.Target.IsPositive() || !current.IsPositive() {
		return false
	}
	switch kind {
	case High:
		return current.GreaterThanOrEqual(c.Target)
	case Low:
		return current.LessThanOrEqual(c.Target)
	default:
		return false
	}
}

var hundred = decimal.NewFromInt(100)

// PercentCondition fires when the move from Start reaches Percent in Direction.
type PercentCondition struct {
	Start     decimal.Decimal
	Percent   decimal.Decimal
	Direction Direction
}

func (PercentCondition) Mode() Mode { return ModePercent }

func (c PercentCondition) validate() error {
	if !c.Start.IsPositive() {
		return invalid("start_price", "must be greater than zero")
	}
	if !c.Percent.IsPositive() || c.Percent.GreaterThan(hundred) {
		return invalid("percent_value", "must be in (0, 100]")
	}
	if c.Direction != Up && c.Direction != Down {
		return invalid("percent_direction", "must be UP or DOWN")
	}
	return nil
}

// Change returns the signed percent move from Start to current.
func (c PercentCondition) Change(current decimal.Decimal) decimal.Decimal {
	if !c.Start.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(c.Start).Div(c.Start).Mul(hundred)
}

func (c PercentCondition) triggered(_ Kind, current decimal.Decimal) bool {
	if !c.Start.IsPositive() || !c.Percent.IsPositive() || !current.IsPositive() {
		return false
	}
	change := c.Change(current)
	switch c.Direction {
	case Up:
		return change.GreaterThanOrEqual(c.Percent)
	case Down:
		return change.LessThanOrEqual(c.Percent.Neg())
	default:
		return false
	}
}

// Alarm is one user-registered, one-shot price condition.
type Alarm struct {
	OwnerHash string
	AssetCode string
	Kind      Kind
	Profile   rates.Profile
	Condition Condition
	CreatedAt int64
	Active    bool
}

// Key returns the alarm's identity key.
func (a Alarm) Key() string {
	return Key(a.OwnerHash, a.AssetCode, a.Kind, a.Profile)
}

// Mode returns the condition's mode, or "" when no condition is set.
func (a Alarm) Mode() Mode {
	if a.Condition == nil {
		return ""
	}
	return a.Condition.Mode()
}

// Triggered evaluates the alarm against current price.
func (a Alarm) Triggered(current decimal.Decimal) bool {
	if a.Condition == nil {
		return false
	}
	return a.Condition.triggered(a.Kind, current)
}

// Validate checks every field of the alarm.
func (a Alarm) Validate() error {
	if !IsTokenHash(a.OwnerHash) {
		return invalid("token_hash", "must be 16 lowercase hex characters")
	}
	if a.AssetCode == "" || strings.ContainsAny(a.AssetCode, ":*?[ ") {
		return invalid("asset_code", "must be a non-empty code without separators")
	}
	if a.Kind != High && a.Kind != Low {
		return invalid("alarm_type", "must be HIGH or LOW")
	}
	if a.Profile != rates.ProfileRaw && a.Profile != rates.ProfileJeweler {
		return invalid("price_profile", "must be raw or jeweler")
	}
	if a.Condition == nil {
		return invalid("alarm_mode", "must be PRICE or PERCENT")
	}
	return a.Condition.validate()
}
