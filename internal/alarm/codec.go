package alarm

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/rates"
)

// record is the stored JSON shape. Percent fields are null for PRICE alarms
// and target_price is null for PERCENT alarms. An absent is_active means
// active.
type record struct {
	TokenHash        string           `json:"token_hash"`
	AssetCode        string           `json:"asset_code"`
	AlarmType        Kind             `json:"alarm_type"`
	AlarmMode        Mode             `json:"alarm_mode"`
	PriceProfile     rates.Profile    `json:"price_profile"`
	TargetPrice      *decimal.Decimal `json:"target_price"`
	StartPrice       *decimal.Decimal `json:"start_price"`
	PercentValue     *decimal.Decimal `json:"percent_value"`
	PercentDirection *Direction       `json:"percent_direction"`
	CreatedAt        int64            `json:"created_at"`
	IsActive         *bool            `json:"is_active"`
}

// MarshalJSON encodes the alarm in its stored form.
func (a Alarm) MarshalJSON() ([]byte, error) {
	active := a.Active
	rec := record{
		TokenHash:    a.OwnerHash,
		AssetCode:    a.AssetCode,
		AlarmType:    a.Kind,
		PriceProfile: a.Profile,
		CreatedAt:    a.CreatedAt,
		IsActive:     &active,
	}
	switch c := a.Condition.(type) {
	case PriceCondition:
		rec.AlarmMode = ModePrice
		rec.TargetPrice = &c.Target
	case PercentCondition:
		rec.AlarmMode = ModePercent
		dir := c.Direction
		rec.StartPrice = &c.Start
		rec.PercentValue = &c.Percent
		rec.PercentDirection = &dir
	default:
		return nil, fmt.Errorf("alarm %s has no condition", a.Key())
	}
	return json.Marshal(rec)
}

// UnmarshalJSON decodes the stored form. Required fields of the mode must be present.
func (a *Alarm) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	out := Alarm{
		OwnerHash: rec.TokenHash,
		AssetCode: rec.AssetCode,
		Kind:      rec.AlarmType,
		Profile:   rec.PriceProfile,
		CreatedAt: rec.CreatedAt,
		Active:    rec.IsActive == nil || *rec.IsActive,
	}
	switch rec.AlarmMode {
	case ModePrice:
		if rec.TargetPrice == nil {
			return invalid("target_price", "required for PRICE alarms")
		}
		out.Condition = PriceCondition{Target: *rec.TargetPrice}
	case ModePercent:
		if rec.StartPrice == nil || rec.PercentValue == nil || rec.PercentDirection == nil {
			return invalid("alarm_mode", "PERCENT alarms need start_price, percent_value and percent_direction")
		}
		out.Condition = PercentCondition{Start: *rec.StartPrice, Percent: *rec.PercentValue, Direction: *rec.PercentDirection}
	default:
		return invalid("alarm_mode", "unknown mode %q", rec.AlarmMode)
	}

	*a = out
	return nil
}
