package tenant

import (
	"strings"
	"testing"
	"time"
)

func TestDailyJobQuotaDeniesAtCap(t *testing.T) {
	g := NewGuardrails()
	fixed := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return fixed })

	// Free plan: 10 jobs per day.
	for i := 0; i < 10; i++ {
		d := g.CheckQuota("tenant-free", "analysis", 0)
		if !d.Allowed {
			t.Fatalf("job %d unexpectedly denied: %s", i, d.Reason)
		}
		g.RecordUsage("tenant-free", "analysis", 0, time.Second)
	}
	d := g.CheckQuota("tenant-free", "analysis", 0)
	if d.Allowed {
		t.Fatalf("expected denial at daily cap")
	}
	if !strings.Contains(d.Reason, "daily job quota") {
		t.Fatalf("unexpected denial reason: %s", d.Reason)
	}
}

func TestDailyCountersResetAtUTCDayBoundary(t *testing.T) {
	g := NewGuardrails()
	day1 := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return day1 })

	for i := 0; i < 10; i++ {
		g.RecordUsage("tenant-free", "analysis", 0.05, time.Second)
	}
	if d := g.CheckQuota("tenant-free", "analysis", 0); d.Allowed {
		t.Fatalf("expected denial before the day boundary")
	}

	day2 := time.Date(2026, 3, 11, 0, 10, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return day2 })

	if d := g.CheckQuota("tenant-free", "analysis", 0); !d.Allowed {
		t.Fatalf("expected admission after UTC day reset, denied: %s", d.Reason)
	}
	u := g.UsageFor("tenant-free")
	if u.JobsToday != 0 || u.CostToday != 0 {
		t.Fatalf("daily counters must reset, got %+v", u)
	}
	if u.JobsThisMonth != 10 {
		t.Fatalf("monthly counter must survive the day boundary, got %d", u.JobsThisMonth)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	g := NewGuardrails()

	g.AcquireSlot("tenant-free", "job-1")
	if d := g.CheckQuota("tenant-free", "analysis", 0); d.Allowed {
		t.Fatalf("free plan allows one concurrent job, expected denial")
	}
	g.ReleaseSlot("job-1")
	if d := g.CheckQuota("tenant-free", "analysis", 0); !d.Allowed {
		t.Fatalf("expected admission after the running job finished: %s", d.Reason)
	}

	// Releasing twice must not drive the counter negative.
	g.ReleaseSlot("job-1")
	g.AcquireSlot("tenant-free", "job-2")
	if d := g.CheckQuota("tenant-free", "analysis", 0); d.Allowed {
		t.Fatalf("counter underflow: concurrency limit lost")
	}
}

func TestSlotAccountingIsPerJob(t *testing.T) {
	g := NewGuardrails()

	// Acquiring the same job twice holds a single slot.
	g.AcquireSlot("tenant-free", "job-1")
	g.AcquireSlot("tenant-free", "job-1")
	g.ReleaseSlot("job-1")
	if d := g.CheckQuota("tenant-free", "analysis", 0); !d.Allowed {
		t.Fatalf("double acquire must not hold two slots: %s", d.Reason)
	}

	// Releasing a job that holds nothing leaves other holders untouched.
	g.AcquireSlot("tenant-free", "job-2")
	g.ReleaseSlot("job-never-admitted")
	if d := g.CheckQuota("tenant-free", "analysis", 0); d.Allowed {
		t.Fatalf("stray release must not free job-2's slot")
	}
}

func TestCostCapIncludesEstimate(t *testing.T) {
	g := NewGuardrails()
	if d := g.CheckQuota("tenant-free", "analysis", 0.60); d.Allowed {
		t.Fatalf("estimate above the free cost cap must be denied")
	}
	if d := g.CheckQuota("tenant-free", "analysis", 0.40); !d.Allowed {
		t.Fatalf("estimate within the cap must pass: %s", d.Reason)
	}
	g.RecordUsage("tenant-free", "analysis", 0.45, time.Second)
	if d := g.CheckQuota("tenant-free", "analysis", 0.10); d.Allowed {
		t.Fatalf("accumulated cost plus estimate exceeds the cap, expected denial")
	}
}

func TestUpgradePlanAndPriorityBoost(t *testing.T) {
	g := NewGuardrails()
	if err := g.UpgradePlan("tenant-a", "platinum"); err == nil {
		t.Fatalf("expected unknown plan to be rejected")
	}
	if err := g.UpgradePlan("tenant-a", PlanEnterprise); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if q := g.QuotaFor("tenant-a"); q.Plan != PlanEnterprise {
		t.Fatalf("expected enterprise quota, got %s", q.Plan)
	}

	if p := g.EffectivePriority("tenant-a", 5); p != 8 {
		t.Fatalf("expected boost 3 applied, got %d", p)
	}
	if p := g.EffectivePriority("tenant-a", 9); p != 10 {
		t.Fatalf("expected clamp at 10, got %d", p)
	}
	if p := g.EffectivePriority("unknown-tenant", 5); p != 5 {
		t.Fatalf("free plan has no boost, got %d", p)
	}
}
