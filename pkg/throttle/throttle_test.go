package throttle

import (
	"context"
	"testing"
	"time"
)

func TestDisabledAlwaysAllows(t *testing.T) {
	th := New(Config{Enabled: false, WindowSeconds: 1, MaxAttemptsPerWindow: 1}, NewMemoryStore())
	for i := 0; i < 10; i++ {
		if d := th.Evaluate(context.Background(), "t", "a", OpExecute); !d.Allowed {
			t.Fatalf("attempt %d: expected allow, got %+v", i, d)
		}
	}
}

func TestFixedWindowLimit(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	th := New(Config{Enabled: true, WindowSeconds: 60, MaxAttemptsPerWindow: 5}, store)
	th.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if d := th.Evaluate(context.Background(), "tenant-a", "restart_service", OpExecute); !d.Allowed {
			t.Fatalf("attempt %d: expected allow, got %+v", i+1, d)
		}
	}
	d := th.Evaluate(context.Background(), "tenant-a", "restart_service", OpExecute)
	if d.Allowed {
		t.Fatal("expected 6th attempt denied")
	}
	if d.ReasonCode != ReasonThrottled {
		t.Fatalf("expected reason throttled, got %q", d.ReasonCode)
	}
	if d.RetryAfterSeconds < 1 || d.RetryAfterSeconds > 60 {
		t.Fatalf("expected retry_after in [1,60], got %d", d.RetryAfterSeconds)
	}

	// Window rolls over: counter resets.
	now = base.Add(61 * time.Second)
	if d := th.Evaluate(context.Background(), "tenant-a", "restart_service", OpExecute); !d.Allowed {
		t.Fatalf("expected allow after window reset, got %+v", d)
	}
}

func TestRetryAfterShrinksWithElapsedTime(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	th := New(Config{Enabled: true, WindowSeconds: 60, MaxAttemptsPerWindow: 1}, store)
	th.now = func() time.Time { return now }

	if d := th.Evaluate(context.Background(), "t", "a", OpExecute); !d.Allowed {
		t.Fatalf("expected first allow, got %+v", d)
	}
	now = base.Add(45 * time.Second)
	d := th.Evaluate(context.Background(), "t", "a", OpExecute)
	if d.Allowed {
		t.Fatal("expected deny")
	}
	if d.RetryAfterSeconds != 15 {
		t.Fatalf("expected retry_after=15, got %d", d.RetryAfterSeconds)
	}
}

func TestOperationKindsTrackedIndependently(t *testing.T) {
	th := New(Config{Enabled: true, WindowSeconds: 60, MaxAttemptsPerWindow: 1}, NewMemoryStore())
	if d := th.Evaluate(context.Background(), "t", "a", OpExecute); !d.Allowed {
		t.Fatalf("expected execute allowed, got %+v", d)
	}
	if d := th.Evaluate(context.Background(), "t", "a", OpExecute); d.Allowed {
		t.Fatal("expected second execute denied")
	}
	if d := th.Evaluate(context.Background(), "t", "a", OpRollbackExecute); !d.Allowed {
		t.Fatal("expected rollback_execute unaffected by execute window")
	}
}

func TestKeyCaseInsensitive(t *testing.T) {
	if Key("Tenant-A", "Restart_Service", "Execute") != Key("tenant-a", "restart_service", "execute") {
		t.Fatal("expected case-insensitive key composition")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.WindowSeconds != 60 || cfg.MaxAttemptsPerWindow != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if d := Deny(0); d.RetryAfterSeconds != 1 {
		t.Fatalf("expected floor of 1, got %d", d.RetryAfterSeconds)
	}
}
