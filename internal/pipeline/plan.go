package pipeline

import (
	"context"
	"fmt"
	"time"
)

type PlanStage struct {
	Name    string        `json:"name"`
	Workers int           `json:"workers"`
	Ready   int           `json:"ready"`
	Est     time.Duration `json:"estimate"`
}

type Plan struct {
	Stages   []PlanStage   `json:"stages"`
	Estimate time.Duration `json:"estimate"`
}

func (p Plan) Ready() int {
	n := 0
	for _, s := range p.Stages {
		n += s.Ready
	}
	return n
}

// DryRun runs every stage's discovery once and reports what a run would
// start with. Later stages usually grow while a real run progresses, so the
// estimate is a lower bound for them.
func (c *Coordinator) DryRun(ctx context.Context) (Plan, error) {
	var plan Plan
	for _, s := range c.stages {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		keys, err := s.Discover(ctx)
		if err != nil {
			return Plan{}, fmt.Errorf("stage %s discovery: %w", s.Name, err)
		}
		ps := PlanStage{Name: s.Name, Workers: s.Workers, Ready: len(unique(keys))}
		if c.estimate != nil {
			ps.Est = c.estimate(s.Name, ps.Ready, s.Workers)
		}
		plan.Estimate += ps.Est
		plan.Stages = append(plan.Stages, ps)
	}
	return plan, nil
}

func unique(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
