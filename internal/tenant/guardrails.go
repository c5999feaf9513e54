// Package tenant is the admission-control layer: per-tenant quota tiers and
// cached usage counters checked synchronously on the job-submission hot
// path. Two concurrent checks for the same tenant can both pass when one
// unit of quota remains; that inaccuracy is bounded and accepted rather than
// guarded with a distributed lock.
package tenant

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAdmissionDenied = errors.New("admission denied")

const (
	PlanFree         = "free"
	PlanStarter      = "starter"
	PlanProfessional = "professional"
	PlanEnterprise   = "enterprise"
)

type Quota struct {
	Plan              string  `yaml:"plan" json:"plan"`
	MaxJobsPerDay     int     `yaml:"max_jobs_per_day" json:"max_jobs_per_day"`
	MaxCostPerDay     float64 `yaml:"max_cost_per_day" json:"max_cost_per_day"`
	MaxConcurrentJobs int     `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	PriorityBoost     int     `yaml:"priority_boost" json:"priority_boost"`
}

func defaultQuotas() map[string]Quota {
	return map[string]Quota{
		PlanFree:         {Plan: PlanFree, MaxJobsPerDay: 10, MaxCostPerDay: 0.50, MaxConcurrentJobs: 1, PriorityBoost: 0},
		PlanStarter:      {Plan: PlanStarter, MaxJobsPerDay: 100, MaxCostPerDay: 10, MaxConcurrentJobs: 3, PriorityBoost: 1},
		PlanProfessional: {Plan: PlanProfessional, MaxJobsPerDay: 1000, MaxCostPerDay: 100, MaxConcurrentJobs: 10, PriorityBoost: 2},
		PlanEnterprise:   {Plan: PlanEnterprise, MaxJobsPerDay: 10000, MaxCostPerDay: 1000, MaxConcurrentJobs: 50, PriorityBoost: 3},
	}
}

// Usage counters reset on wall-clock comparison against the UTC day/month
// anchor, not a scheduled job.
type Usage struct {
	JobsToday     int     `json:"jobs_today"`
	CostToday     float64 `json:"cost_today"`
	JobsThisMonth int     `json:"jobs_this_month"`
	CostThisMonth float64 `json:"cost_this_month"`

	dayAnchor   time.Time
	monthAnchor time.Time
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

type Guardrails struct {
	mu      sync.Mutex
	tiers   map[string]Quota  // plan name -> quota
	plans   map[string]string // tenant -> plan name
	usage   map[string]*Usage
	active  map[string]int    // tenant -> jobs currently holding a slot
	holders map[string]string // job id -> tenant holding its slot
	now     func() time.Time
}

func NewGuardrails() *Guardrails {
	return &Guardrails{
		tiers:   defaultQuotas(),
		plans:   make(map[string]string),
		usage:   make(map[string]*Usage),
		active:  make(map[string]int),
		holders: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock; tests use it to cross day boundaries.
func (g *Guardrails) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// QuotaFor resolves the tenant's effective quota; unknown tenants are on the
// free plan.
func (g *Guardrails) QuotaFor(tenantID string) Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quotaLocked(tenantID)
}

func (g *Guardrails) quotaLocked(tenantID string) Quota {
	plan, ok := g.plans[tenantID]
	if !ok {
		plan = PlanFree
	}
	q, ok := g.tiers[plan]
	if !ok {
		q = g.tiers[PlanFree]
	}
	return q
}

// CheckQuota is the synchronous admission decision. It reads cached counters
// only and never touches the job store.
func (g *Guardrails) CheckQuota(tenantID, jobType string, estimatedCost float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.quotaLocked(tenantID)
	u := g.usageLocked(tenantID)

	if u.JobsToday >= q.MaxJobsPerDay {
		return deny(fmt.Sprintf("daily job quota reached (%d/%d)", u.JobsToday, q.MaxJobsPerDay))
	}
	if q.MaxCostPerDay > 0 && u.CostToday+estimatedCost > q.MaxCostPerDay {
		return deny(fmt.Sprintf("daily cost quota reached (%.2f of %.2f, estimate %.2f)", u.CostToday, q.MaxCostPerDay, estimatedCost))
	}
	if g.active[tenantID] >= q.MaxConcurrentJobs {
		return deny(fmt.Sprintf("concurrent job limit reached (%d)", q.MaxConcurrentJobs))
	}
	return Decision{Allowed: true}
}

// AcquireSlot marks the job as occupying one of its tenant's concurrency
// slots. Re-acquiring a held slot is a no-op, so requeue and restart paths
// never double count.
func (g *Guardrails) AcquireSlot(tenantID, jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.holders[jobID]; held {
		return
	}
	g.holders[jobID] = tenantID
	g.active[tenantID]++
}

// ReleaseSlot frees the slot held by the job, if any. Every terminal
// transition calls it, whichever path the job took there.
func (g *Guardrails) ReleaseSlot(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tenantID, held := g.holders[jobID]
	if !held {
		return
	}
	delete(g.holders, jobID)
	if g.active[tenantID] > 0 {
		g.active[tenantID]--
	}
}

// RecordUsage is post-hoc accounting after a job reaches a terminal state.
func (g *Guardrails) RecordUsage(tenantID, jobType string, actualCost float64, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := g.usageLocked(tenantID)
	u.JobsToday++
	u.CostToday += actualCost
	u.JobsThisMonth++
	u.CostThisMonth += actualCost
	_ = jobType
	_ = duration
}

// UpgradePlan replaces the tenant's quota tier.
func (g *Guardrails) UpgradePlan(tenantID, plan string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tiers[plan]; !ok {
		return fmt.Errorf("unknown plan %q", plan)
	}
	g.plans[tenantID] = plan
	return nil
}

// EffectivePriority applies the tenant's priority boost, clamped to 0-10.
func (g *Guardrails) EffectivePriority(tenantID string, base int) int {
	q := g.QuotaFor(tenantID)
	p := base + q.PriorityBoost
	if p < 0 {
		p = 0
	}
	if p > 10 {
		p = 10
	}
	return p
}

// UsageFor returns a copy of the tenant's current counters.
func (g *Guardrails) UsageFor(tenantID string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.usageLocked(tenantID)
}

func (g *Guardrails) usageLocked(tenantID string) *Usage {
	now := g.now()
	day := now.Truncate(24 * time.Hour)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	u, ok := g.usage[tenantID]
	if !ok {
		u = &Usage{dayAnchor: day, monthAnchor: month}
		g.usage[tenantID] = u
	}
	if day.After(u.dayAnchor) {
		u.JobsToday = 0
		u.CostToday = 0
		u.dayAnchor = day
	}
	if month.After(u.monthAnchor) {
		u.JobsThisMonth = 0
		u.CostThisMonth = 0
		u.monthAnchor = month
	}
	return u
}
