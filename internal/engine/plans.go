package engine

import (
	"fmt"

	"launchpath/internal/domain"
	"launchpath/internal/features"
)

type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Plan is how one stage generates its artifacts.
type Plan struct {
	Stage    domain.Stage `json:"stage"`
	Mode     Mode         `json:"mode"`
	Features []string     `json:"features"`
}

func DefaultPlans() map[domain.Stage]Plan {
	return map[domain.Stage]Plan{
		domain.StageIdeaCheck: {
			Stage:    domain.StageIdeaCheck,
			Mode:     ModeParallel,
			Features: []string{"evaluation", "questions", "project_analysis"},
		},
		domain.StageMarketReality: {
			Stage:    domain.StageMarketReality,
			Mode:     ModeParallel,
			Features: []string{"competitors", "market_size"},
		},
		domain.StageBuildPlan: {
			Stage:    domain.StageBuildPlan,
			Mode:     ModeSequential,
			Features: []string{"mvp_scope", "tech_stack"},
		},
		domain.StageLaunchPlan: {
			Stage:    domain.StageLaunchPlan,
			Mode:     ModeParallel,
			Features: []string{"channels", "pricing"},
		},
		domain.StageDecision: {
			Stage:    domain.StageDecision,
			Mode:     ModeSequential,
			Features: []string{"swot", "risk_analysis", "verdict"},
		},
	}
}

// ValidatePlans checks every stage has a plan whose features exist in the
// catalog and belong to that stage.
func ValidatePlans(plans map[domain.Stage]Plan, catalog *features.Catalog) error {
	for _, s := range domain.StageOrder {
		p, ok := plans[s]
		if !ok {
			return fmt.Errorf("no plan for stage %s", s)
		}
		if p.Mode != ModeParallel && p.Mode != ModeSequential {
			return fmt.Errorf("stage %s: invalid mode %q", s, p.Mode)
		}
		if len(p.Features) == 0 {
			return fmt.Errorf("stage %s: plan has no features", s)
		}
		for _, name := range p.Features {
			f, ok := catalog.Lookup(name)
			if !ok {
				return fmt.Errorf("stage %s: unknown feature %s", s, name)
			}
			if f.Stage != s {
				return fmt.Errorf("stage %s: feature %s belongs to %s", s, name, f.Stage)
			}
		}
	}
	return nil
}
