package alarm

import (
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rate-alarms/internal/rates"
)

const ownerHash = "87f8fd2f036b661a"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHashTokenIsStable(t *testing.T) {
	assert.Equal(t, ownerHash, HashToken("device-token-1"))
	assert.Equal(t, "a0434446081ec3fa", HashToken("device-token-2"))
	assert.Equal(t, "alarm:87f8fd2f036b661a:USD:HIGH:raw", Key(ownerHash, "USD", High, rates.ProfileRaw))
}

func TestParseKey(t *testing.T) {
	p, ok := ParseKey("alarm:87f8fd2f036b661a:GRAM:LOW:jeweler")
	require.True(t, ok)
	assert.Equal(t, KeyParts{OwnerHash: ownerHash, AssetCode: "GRAM", Kind: Low, Profile: rates.ProfileJeweler}, p)

	for _, key := range []string{
		"alarm:token_map:87f8fd2f036b661a",
		"alarm:_sys:last_sweep",
		"alarm:87f8fd2f036b661a:USD:HIGH",
		"alarm:87F8FD2F036B661A:USD:HIGH:raw",
		"alarm:87f8fd2f036b661a:USD:MID:raw",
		"alarm:87f8fd2f036b661a:USD:HIGH:retail",
		"currencies:all:raw",
	} {
		_, ok := ParseKey(key)
		assert.False(t, ok, key)
	}
}

func TestPriceHighTriggersAtOrAboveTarget(t *testing.T) {
	a := NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35.00"))
	assert.False(t, a.Triggered(d("34.99")))
	assert.True(t, a.Triggered(d("35.00")))
	assert.True(t, a.Triggered(d("35.10")))
}

func TestPriceLowTriggersAtOrBelowTarget(t *testing.T) {
	a := NewPriceAlarm(ownerHash, "USD", Low, rates.ProfileRaw, d("30"))
	assert.False(t, a.Triggered(d("30.01")))
	assert.True(t, a.Triggered(d("30")))
	assert.True(t, a.Triggered(d("29.5")))
}

func TestPercentConditions(t *testing.T) {
	down := NewPercentAlarm(ownerHash, "USD", Low, rates.ProfileRaw, d("40.00"), d("5"), Down)
	assert.True(t, down.Triggered(d("37.50")), "-6.25%% crosses -5%%")
	assert.True(t, down.Triggered(d("38.00")), "exactly -5%%")
	assert.False(t, down.Triggered(d("38.50")))
	assert.False(t, down.Triggered(d("45")))

	up := NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("40"), d("10"), Up)
	assert.True(t, up.Triggered(d("44")))
	assert.False(t, up.Triggered(d("43.99")))
	assert.False(t, up.Triggered(d("30")))

	c := PercentCondition{Start: d("40"), Percent: d("5"), Direction: Down}
	assert.Equal(t, "-6.25", c.Change(d("37.5")).String())
}

func TestPredicateNeverFiresOnMissingInputs(t *testing.T) {
	zeroStart := Alarm{Kind: High, Condition: PercentCondition{Start: decimal.Zero, Percent: d("5"), Direction: Up}}
	assert.False(t, zeroStart.Triggered(d("100")))

	negStart := Alarm{Kind: High, Condition: PercentCondition{Start: d("-1"), Percent: d("5"), Direction: Down}}
	assert.False(t, negStart.Triggered(d("-100")))

	zeroTarget := Alarm{Kind: Low, Condition: PriceCondition{}}
	assert.False(t, zeroTarget.Triggered(d("1")))

	noCondition := Alarm{Kind: High}
	assert.False(t, noCondition.Triggered(d("1")))

	badDirection := Alarm{Kind: High, Condition: PercentCondition{Start: d("10"), Percent: d("5")}}
	assert.False(t, badDirection.Triggered(d("100")))
}

func TestValidate(t *testing.T) {
	valid := NewPercentAlarm(ownerHash, "USD", Low, rates.ProfileRaw, d("40"), d("100"), Down)
	require.NoError(t, valid.Validate())

	cases := map[string]struct {
		alarm Alarm
		field string
	}{
		"bad hash":         {NewPriceAlarm("xyz", "USD", High, rates.ProfileRaw, d("1")), "token_hash"},
		"empty asset":      {NewPriceAlarm(ownerHash, "", High, rates.ProfileRaw, d("1")), "asset_code"},
		"asset separator":  {NewPriceAlarm(ownerHash, "US:D", High, rates.ProfileRaw, d("1")), "asset_code"},
		"bad kind":         {NewPriceAlarm(ownerHash, "USD", "MID", rates.ProfileRaw, d("1")), "alarm_type"},
		"bad profile":      {NewPriceAlarm(ownerHash, "USD", High, "retail", d("1")), "price_profile"},
		"zero target":      {NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, decimal.Zero), "target_price"},
		"zero start":       {NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, decimal.Zero, d("5"), Up), "start_price"},
		"percent over 100": {NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("1"), d("100.01"), Up), "percent_value"},
		"percent zero":     {NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("1"), decimal.Zero, Up), "percent_value"},
		"no direction":     {NewPercentAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("1"), d("5"), ""), "percent_direction"},
		"no condition":     {Alarm{OwnerHash: ownerHash, AssetCode: "USD", Kind: High, Profile: rates.ProfileRaw}, "alarm_mode"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := tc.alarm.Validate()
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	price := NewPriceAlarm(ownerHash, "USD", High, rates.ProfileRaw, d("35.00"))
	price.CreatedAt = 1_700_000_000

	raw, err := json.Marshal(price)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Nil(t, fields["start_price"])
	assert.Nil(t, fields["percent_value"])
	assert.Nil(t, fields["percent_direction"])
	assert.Equal(t, "PRICE", fields["alarm_mode"])

	var back Alarm
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, price.OwnerHash, back.OwnerHash)
	assert.Equal(t, price.Kind, back.Kind)
	assert.Equal(t, price.Profile, back.Profile)
	assert.Equal(t, price.CreatedAt, back.CreatedAt)
	assert.True(t, back.Active)
	pc, ok := back.Condition.(PriceCondition)
	require.True(t, ok)
	assert.True(t, pc.Target.Equal(d("35")))

	pct := NewPercentAlarm(ownerHash, "GRAM", Low, rates.ProfileJeweler, d("2500.5"), d("2.5"), Down)
	raw, err = json.Marshal(pct)
	require.NoError(t, err)
	back = Alarm{}
	require.NoError(t, json.Unmarshal(raw, &back))
	pcc, ok := back.Condition.(PercentCondition)
	require.True(t, ok)
	assert.True(t, pcc.Start.Equal(d("2500.5")))
	assert.True(t, pcc.Percent.Equal(d("2.5")))
	assert.Equal(t, Down, pcc.Direction)
}

func TestCodecAcceptsNumericFieldsAndRejectsIncompleteModes(t *testing.T) {
	var a Alarm
	require.NoError(t, json.Unmarshal([]byte(`{"token_hash":"87f8fd2f036b661a","asset_code":"USD","alarm_type":"LOW","alarm_mode":"PERCENT","price_profile":"raw","target_price":null,"start_price":40.0,"percent_value":5,"percent_direction":"DOWN","created_at":1,"is_active":true}`), &a))
	assert.Equal(t, ModePercent, a.Mode())
	assert.True(t, a.Triggered(d("37.5")))

	err := json.Unmarshal([]byte(`{"alarm_mode":"PRICE","target_price":null}`), &a)
	assert.ErrorIs(t, err, ErrValidation)

	err = json.Unmarshal([]byte(`{"alarm_mode":"PERCENT","start_price":1}`), &a)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCodecDefaultsMissingActiveFlag(t *testing.T) {
	var a Alarm
	require.NoError(t, json.Unmarshal([]byte(`{"token_hash":"87f8fd2f036b661a","asset_code":"USD","alarm_type":"HIGH","alarm_mode":"PRICE","price_profile":"raw","target_price":"35"}`), &a))
	assert.True(t, a.Active)

	require.NoError(t, json.Unmarshal([]byte(`{"token_hash":"87f8fd2f036b661a","asset_code":"USD","alarm_type":"HIGH","alarm_mode":"PRICE","price_profile":"raw","target_price":"35","is_active":false}`), &a))
	assert.False(t, a.Active)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"is_active":false`)
}
