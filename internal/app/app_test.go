package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"rate-alarms/internal/alarm"
	"rate-alarms/internal/config"
	"rate-alarms/internal/kvcache"
)

func newTestApp(t *testing.T, cachePath string) *App {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	body := "cache:\n  driver: memory\n  path: \"" + cachePath + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestAlarmsSurviveAcrossCommands(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, filepath.Join(t.TempDir(), "ratealarms.db"))

	err := a.AddAlarm(ctx, AddAlarmOptions{
		Token:     "device-token-1",
		AssetCode: "usd",
		Kind:      "HIGH",
		Profile:   "raw",
		Mode:      "PRICE",
		Target:    "35",
	})
	if err != nil {
		t.Fatalf("添加提醒失败: %v", err)
	}

	rt, closeAll, err := a.build(ctx, nil)
	if err != nil {
		t.Fatalf("重新打开存储失败: %v", err)
	}
	defer closeAll()

	listed, err := rt.alarms.List(ctx, alarm.HashToken("device-token-1"))
	if err != nil {
		t.Fatalf("列出提醒失败: %v", err)
	}
	if len(listed) != 1 || listed[0].AssetCode != "USD" || !listed[0].Active {
		t.Fatalf("第二次命令应看到已保存的提醒，实际 %+v", listed)
	}
}

func TestMutatingCommandsRejectEphemeralCache(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, kvcache.InMemoryPath)

	checks := map[string]error{
		"add":     a.AddAlarm(ctx, AddAlarmOptions{Token: "t", AssetCode: "USD", Kind: "HIGH", Profile: "raw", Target: "1"}),
		"delete":  a.DeleteAlarm(ctx, "t", "USD", "HIGH", "raw"),
		"clear":   a.ClearAlarms(ctx, "t"),
		"sync":    a.SyncAlarms(ctx, "t", "-"),
		"refresh": a.Refresh(ctx),
	}
	for name, err := range checks {
		if !errors.Is(err, errEphemeralCache) {
			t.Fatalf("%s 应拒绝纯内存缓存，实际 %v", name, err)
		}
	}
}

func TestRedisDriverCountsAsPersistent(t *testing.T) {
	a := newTestApp(t, kvcache.InMemoryPath)
	a.Config.Cache.Driver = "redis"
	if err := a.requirePersistentCache(); err != nil {
		t.Fatalf("redis 驱动不应被拒绝: %v", err)
	}
}
