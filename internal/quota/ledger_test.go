package quota_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/quota"
)

func testLedger(t *testing.T, limits quota.Limits) (*quota.Ledger, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "showrunner.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New()
	return quota.NewLedger(store, eventBus, limits, nil), eventBus
}

func TestLedger_LimitResolution(t *testing.T) {
	ledger, _ := testLedger(t, quota.Limits{
		Defaults: map[string]int64{"image": 500},
		Channels: map[string]map[string]int64{
			"alpha": {"image": 100},
		},
	})

	if limit, ok := ledger.LimitFor("alpha", "image"); !ok || limit != 100 {
		t.Fatalf("alpha image limit = %d,%v; want 100,true", limit, ok)
	}
	if limit, ok := ledger.LimitFor("beta", "image"); !ok || limit != 500 {
		t.Fatalf("beta image limit = %d,%v; want 500,true", limit, ok)
	}
	if _, ok := ledger.LimitFor("alpha", "tts"); ok {
		t.Fatal("unconfigured resource must be unlimited")
	}
}

func TestLedger_CheckAndRecord(t *testing.T) {
	ctx := context.Background()
	ledger, _ := testLedger(t, quota.Limits{
		Defaults: map[string]int64{"image": 10},
	})

	ok, err := ledger.Check(ctx, "alpha", "image", 10)
	if err != nil || !ok {
		t.Fatalf("check within budget = %v,%v; want true", ok, err)
	}
	ok, err = ledger.Check(ctx, "alpha", "image", 11)
	if err != nil || ok {
		t.Fatalf("check over budget = %v,%v; want false", ok, err)
	}

	usage, err := ledger.Record(ctx, "alpha", "image", 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if usage.Total != 7 || usage.Limit != 10 {
		t.Fatalf("usage = %+v, want 7/10", usage)
	}

	// Remaining budget is 3; a projection of 4 must be rejected.
	ok, err = ledger.Check(ctx, "alpha", "image", 4)
	if err != nil || ok {
		t.Fatalf("check after spend = %v,%v; want false", ok, err)
	}
	ok, err = ledger.Check(ctx, "alpha", "image", 3)
	if err != nil || !ok {
		t.Fatalf("check exact fit = %v,%v; want true", ok, err)
	}

	// Unlimited resources always pass.
	ok, err = ledger.Check(ctx, "alpha", "tts", 1_000_000)
	if err != nil || !ok {
		t.Fatalf("unlimited check = %v,%v; want true", ok, err)
	}
}

func TestLedger_ChannelIsolation(t *testing.T) {
	ctx := context.Background()
	ledger, _ := testLedger(t, quota.Limits{
		Defaults: map[string]int64{"video": 10},
	})

	if _, err := ledger.Record(ctx, "alpha", "video", 10); err != nil {
		t.Fatalf("record: %v", err)
	}

	ok, err := ledger.Check(ctx, "alpha", "video", 1)
	if err != nil || ok {
		t.Fatal("alpha should be exhausted")
	}
	ok, err = ledger.Check(ctx, "beta", "video", 10)
	if err != nil || !ok {
		t.Fatal("beta must be unaffected by alpha's spend")
	}
}

func TestLedger_ThresholdEvents(t *testing.T) {
	ctx := context.Background()
	ledger, eventBus := testLedger(t, quota.Limits{
		Defaults: map[string]int64{"image": 10},
	})
	sub := eventBus.Subscribe(bus.TopicQuotaThreshold)
	defer eventBus.Unsubscribe(sub)

	// 7/10 stays below the warning line.
	if _, err := ledger.Record(ctx, "alpha", "image", 7); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected threshold event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// 8/10 crosses the 80% warning.
	if _, err := ledger.Record(ctx, "alpha", "image", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.QuotaThreshold)
		if p.Level != "warning" || p.Used != 8 {
			t.Fatalf("payload = %+v, want warning at 8", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for warning event")
	}

	// 9/10 stays at warning: no repeat alert.
	if _, err := ledger.Record(ctx, "alpha", "image", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("repeated warning event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// 10/10 crosses critical.
	if _, err := ledger.Record(ctx, "alpha", "image", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.QuotaThreshold)
		if p.Level != "critical" || p.Used != 10 {
			t.Fatalf("payload = %+v, want critical at 10", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for critical event")
	}
}

func TestUsage_Levels(t *testing.T) {
	cases := []struct {
		total, limit int64
		want         string
	}{
		{0, 10, ""},
		{7, 10, ""},
		{8, 10, "warning"},
		{10, 10, "critical"},
		{15, 10, "critical"},
		{100, 0, ""},
	}
	for _, c := range cases {
		u := quota.Usage{Total: c.total, Limit: c.limit}
		if got := u.Level(); got != c.want {
			t.Fatalf("Level(%d/%d) = %q, want %q", c.total, c.limit, got, c.want)
		}
	}
}

func TestLedger_SetLimitsHotReload(t *testing.T) {
	ctx := context.Background()
	ledger, _ := testLedger(t, quota.Limits{
		Defaults: map[string]int64{"image": 10},
	})
	if _, err := ledger.Record(ctx, "alpha", "image", 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ok, _ := ledger.Check(ctx, "alpha", "image", 1); ok {
		t.Fatal("budget should be exhausted")
	}

	ledger.SetLimits(quota.Limits{Defaults: map[string]int64{"image": 20}})
	if ok, _ := ledger.Check(ctx, "alpha", "image", 10); !ok {
		t.Fatal("raised limit should admit more work")
	}
}
