package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"rate-alarms/internal/config"
)

func TestUnconfiguredStore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	if s.Configured() {
		t.Fatal("没有连接池时不应视为已配置")
	}

	if _, _, err := s.TryAdvisoryLock(ctx, 42); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if err := s.InsertTriggers(ctx, []TriggerRecord{{AlarmKey: "k"}}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.ListRecentTriggers(ctx, "", 10); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := s.DeleteTriggersBefore(ctx, time.Now()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("期望 ErrNotConfigured, 实际 %v", err)
	}
	s.Close()
}

func TestInsertNothingIsNoop(t *testing.T) {
	if err := NewStore(nil).InsertTriggers(context.Background(), nil); err != nil {
		t.Fatalf("空批次不应报错: %v", err)
	}
}

func TestNewPoolRequiresDSN(t *testing.T) {
	if _, err := NewPool(context.Background(), config.DatabaseConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("缺少 DSN 时应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, err := NewPool(context.Background(), config.DatabaseConfig{DSN: "://bad"}); err == nil {
		t.Fatal("无效 DSN 应返回错误")
	}
}
