package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type plansFile struct {
	Plans   map[string]Quota  `yaml:"plans"`
	Tenants map[string]string `yaml:"tenants"`
}

// LoadPlans overlays quota tiers and tenant plan assignments from a YAML
// file. Missing fields inherit the built-in tier values.
func (g *Guardrails) LoadPlans(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f plansFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse plans file %s: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, q := range f.Plans {
		base, ok := g.tiers[name]
		if !ok {
			base = Quota{Plan: name}
		}
		if q.MaxJobsPerDay > 0 {
			base.MaxJobsPerDay = q.MaxJobsPerDay
		}
		if q.MaxCostPerDay > 0 {
			base.MaxCostPerDay = q.MaxCostPerDay
		}
		if q.MaxConcurrentJobs > 0 {
			base.MaxConcurrentJobs = q.MaxConcurrentJobs
		}
		if q.PriorityBoost != 0 {
			base.PriorityBoost = q.PriorityBoost
		}
		base.Plan = name
		g.tiers[name] = base
	}
	for tenantID, plan := range f.Tenants {
		if _, ok := g.tiers[plan]; !ok {
			return fmt.Errorf("tenant %s references unknown plan %q", tenantID, plan)
		}
		g.plans[tenantID] = plan
	}
	return nil
}
