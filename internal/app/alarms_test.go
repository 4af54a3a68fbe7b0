package app

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/kvcache"
	"rate-alarms/internal/rates"
)

func newAlarmFixtures(t *testing.T, maxPerUser int) (*alarm.Store, *alarm.TokenRegistry) {
	t.Helper()
	kv, err := kvcache.NewMemory(0, zerolog.Nop())
	if err != nil {
		t.Fatalf("创建内存存储失败: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return alarm.NewStore(kv, alarm.Options{MaxPerUser: maxPerUser}, zerolog.Nop()), alarm.NewTokenRegistry(kv, 0)
}

func TestSyncFromJSONSkipsMalformedEntries(t *testing.T) {
	store, tokens := newAlarmFixtures(t, 5)
	ctx := context.Background()

	payload := []byte(`[
		{"asset_code":"usd","alarm_type":"HIGH","alarm_mode":"PRICE","price_profile":"raw","target_price":"35","is_active":true},
		{"asset_code":"gold_GRAM","alarm_type":"LOW","alarm_mode":"PERCENT","price_profile":"jeweler","start_price":"2500","percent_value":"5","percent_direction":"DOWN","is_active":true},
		{"asset_code":"EUR","alarm_type":"HIGH","alarm_mode":"PERCENT","price_profile":"raw","is_active":true},
		"not an alarm"
	]`)

	res, err := syncFromJSON(ctx, store, tokens, "device-token-1", payload)
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if res.Created != 2 || res.Skipped != 2 || res.Deleted != 0 {
		t.Fatalf("同步结果不符合预期: %+v", res)
	}

	owner := alarm.HashToken("device-token-1")
	listed, err := store.List(ctx, owner)
	if err != nil {
		t.Fatalf("列出提醒失败: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("期望 2 条提醒，实际 %d", len(listed))
	}
	if _, err := store.Get(ctx, alarm.Key(owner, "GRAM", alarm.Low, rates.ProfileJeweler)); err != nil {
		t.Fatalf("资产代码未规范化: %v", err)
	}

	raw, err := tokens.Resolve(ctx, owner)
	if err != nil || raw != "device-token-1" {
		t.Fatalf("令牌未注册: %q %v", raw, err)
	}
}

func TestSyncFromJSONRejectsOversizedRequestUpFront(t *testing.T) {
	store, tokens := newAlarmFixtures(t, 1)
	ctx := context.Background()

	first := []byte(`[{"asset_code":"USD","alarm_type":"HIGH","alarm_mode":"PRICE","price_profile":"raw","target_price":"35","is_active":true}]`)
	if _, err := syncFromJSON(ctx, store, tokens, "device-token-1", first); err != nil {
		t.Fatalf("首次同步失败: %v", err)
	}

	oversized := []byte(`[{"x":1},{"y":2}]`)
	_, err := syncFromJSON(ctx, store, tokens, "device-token-1", oversized)
	if !errors.Is(err, alarm.ErrQuotaExceeded) {
		t.Fatalf("期望配额错误，实际 %v", err)
	}

	n, err := store.Count(ctx, alarm.HashToken("device-token-1"))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if n != 1 {
		t.Fatalf("超额请求不应删除已有提醒，剩余 %d", n)
	}
}

func TestSyncFromJSONRejectsNonArray(t *testing.T) {
	store, tokens := newAlarmFixtures(t, 5)
	if _, err := syncFromJSON(context.Background(), store, tokens, "device-token-1", []byte(`{}`)); err == nil {
		t.Fatal("非数组输入应当报错")
	}
}

func TestOwnerOfRequiresToken(t *testing.T) {
	if _, err := ownerOf("  "); !errors.Is(err, errNoToken) {
		t.Fatalf("空令牌应返回 errNoToken，实际 %v", err)
	}
	owner, err := ownerOf(" device-token-1 ")
	if err != nil || owner != alarm.HashToken("device-token-1") {
		t.Fatalf("令牌哈希不一致: %q %v", owner, err)
	}
}

func TestDescribeCondition(t *testing.T) {
	pct := alarm.NewPercentAlarm(alarm.HashToken("t"), "GRAM", alarm.Low, rates.ProfileRaw,
		mustDecimal(t, "2500"), mustDecimal(t, "5"), alarm.Down)
	if got := describeCondition(pct.Condition); got != "5% down from 2500" {
		t.Fatalf("描述不符合预期: %q", got)
	}
	if got := describeCondition(nil); got != "-" {
		t.Fatalf("空条件描述应为 -，实际 %q", got)
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := parseDecimalFlag("value", s)
	if err != nil {
		t.Fatalf("解析数值失败: %v", err)
	}
	return d
}
