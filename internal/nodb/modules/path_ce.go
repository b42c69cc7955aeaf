package modules

import (
	"fmt"
	"sort"
	"time"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// PathCETreatment prices one omni scenario as a hillslope treatment.
type PathCETreatment struct {
	Scenario  string  `json:"scenario" validate:"required"`
	CostPerHa float64 `json:"cost_per_ha" validate:"gte=0"`
	FixedCost float64 `json:"fixed_cost" validate:"gte=0"`
}

// PathCEConfig is the optimisation goal.
type PathCEConfig struct {
	TargetReduction float64           `json:"sddc_threshold" validate:"gt=0,lte=1"`
	Budget          float64           `json:"budget" validate:"gte=0"`
	Treatments      []PathCETreatment `json:"treatments" validate:"required,min=1,dive"`
}

// PathCESelection is one treated hillslope.
type PathCESelection struct {
	TopazID    string  `json:"topaz_id"`
	Scenario   string  `json:"scenario"`
	Cost       float64 `json:"cost"`
	ReductionT float64 `json:"reduction_t"`
}

// PathCE selects cost-effective post-fire treatments per hillslope.
type PathCE struct {
	Config         PathCEConfig      `json:"config"`
	Selected       []PathCESelection `json:"selected,omitempty"`
	BaselineSedT   float64           `json:"baseline_sediment_t"`
	TotalCost      float64           `json:"total_cost"`
	TotalReduction float64           `json:"total_reduction_t"`
	TargetMet      bool              `json:"target_met"`
	RanAt          *time.Time        `json:"ran_at,omitempty"`
}

func (PathCE) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "path_ce",
		Tag:     "wepppy.nodb.mods.path_ce.PathCostEffective",
		Version: 1,
	}
}

// Solve greedily picks (hillslope, treatment) pairs by sediment reduction per
// dollar until the target fraction of baseline sediment is removed or the
// budget runs out. A zero budget is unlimited. Each hillslope is treated once.
func (p *PathCE) Solve(baseline map[string]float64, scenarioSed map[string]map[string]float64, areaHa map[string]float64, at time.Time) error {
	if len(p.Config.Treatments) == 0 {
		return fmt.Errorf("no treatments configured")
	}
	type candidate struct {
		sel   PathCESelection
		ratio float64
	}
	var cands []candidate
	total := 0.0
	for id, base := range baseline {
		total += base
		for _, t := range p.Config.Treatments {
			sed, ok := scenarioSed[t.Scenario]
			if !ok {
				return fmt.Errorf("no results for treatment scenario %s", t.Scenario)
			}
			treated, ok := sed[id]
			if !ok || treated >= base {
				continue
			}
			cost := t.FixedCost + t.CostPerHa*areaHa[id]
			red := base - treated
			ratio := red
			if cost > 0 {
				ratio = red / cost
			}
			cands = append(cands, candidate{
				sel:   PathCESelection{TopazID: id, Scenario: t.Scenario, Cost: cost, ReductionT: red},
				ratio: ratio,
			})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ratio != cands[j].ratio {
			return cands[i].ratio > cands[j].ratio
		}
		if cands[i].sel.TopazID != cands[j].sel.TopazID {
			return cands[i].sel.TopazID < cands[j].sel.TopazID
		}
		return cands[i].sel.Scenario < cands[j].sel.Scenario
	})

	goal := p.Config.TargetReduction * total
	treated := make(map[string]bool)
	var selected []PathCESelection
	var cost, reduction float64
	for _, c := range cands {
		if reduction >= goal {
			break
		}
		if treated[c.sel.TopazID] {
			continue
		}
		if p.Config.Budget > 0 && cost+c.sel.Cost > p.Config.Budget {
			continue
		}
		treated[c.sel.TopazID] = true
		selected = append(selected, c.sel)
		cost += c.sel.Cost
		reduction += c.sel.ReductionT
	}

	p.Selected = selected
	p.BaselineSedT = total
	p.TotalCost = cost
	p.TotalReduction = reduction
	p.TargetMet = reduction >= goal
	p.RanAt = &at
	return nil
}
