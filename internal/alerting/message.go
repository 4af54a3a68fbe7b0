package alerting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AlarmFired describes a triggered alarm for rendering.
type AlarmFired struct {
	AssetCode    string
	DisplayName  string
	Kind         string
	Mode         string
	Profile      string
	CurrentPrice decimal.Decimal
	TargetPrice  decimal.Decimal
	StartPrice   decimal.Decimal
	ChangePct    decimal.Decimal
}

// AlarmMessage renders the push sent to the alarm's owner.
func AlarmMessage(token string, f AlarmFired) Message {
	name := f.DisplayName
	if name == "" {
		name = f.AssetCode
	}

	var body string
	switch f.Mode {
	case "PERCENT":
		body = fmt.Sprintf("%s moved %s%% from %s and is now %s.", name, f.ChangePct.StringFixed(2), f.StartPrice.String(), f.CurrentPrice.String())
	default:
		if f.Kind == "LOW" {
			body = fmt.Sprintf("%s fell to %s (target %s).", name, f.CurrentPrice.String(), f.TargetPrice.String())
		} else {
			body = fmt.Sprintf("%s rose to %s (target %s).", name, f.CurrentPrice.String(), f.TargetPrice.String())
		}
	}

	return Message{
		Token: token,
		Title: fmt.Sprintf("%s alarm", f.AssetCode),
		Body:  body,
		Data: map[string]string{
			"asset_code":    f.AssetCode,
			"alarm_type":    f.Kind,
			"alarm_mode":    f.Mode,
			"price_profile": f.Profile,
			"current_price": f.CurrentPrice.String(),
		},
	}
}
