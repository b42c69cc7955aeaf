package tasks

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/weppcloud/weppcloud/internal/interchange"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var (
	omniScenariosStage = Stage{
		Name:    RunOmniScenarios,
		Topic:   status.TopicOmni,
		Trigger: EventOmniScenarios,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunOmni},
	}
	omniContrastsStage = Stage{
		Name:    RunOmniContrasts,
		Topic:   status.TopicOmni,
		Trigger: EventOmniContrasts,
	}
	pathCEStage = Stage{
		Name:    RunPathCostEffective,
		Topic:   status.TopicPathCE,
		Trigger: EventPathCE,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunPathCE},
	}
)

// OmniPayload lists the scenarios to run. An empty list reruns the stored ones.
type OmniPayload struct {
	Scenarios []modules.OmniScenarioDef `json:"scenarios" validate:"omitempty,dive"`
}

// ContrastPayload names the control the scenarios are compared against.
type ContrastPayload struct {
	Control string `json:"control_scenario,omitempty"`
}

// omniDir is the pup directory of a scenario.
func omniDir(runDir, name string) string {
	return filepath.Join(runDir, wd.PupsDir, "omni", "scenarios", name)
}

func (e *Env) runOmniScenarios(ctx context.Context, x *worker.Execution) error {
	var p OmniPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, omniScenariosStage, func(ctx context.Context, t *Task) error {
		return t.runOmniScenarios(ctx, p)
	})
}

func (t *Task) runOmniScenarios(ctx context.Context, p OmniPayload) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	tr, err := ws.Translator()
	if err != nil {
		return err
	}
	baseline, err := scenarioSediment(wd.InterchangeDir(t.WD), tr)
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}

	exists := func(name string) bool {
		path := filepath.Join(wd.DisturbedDir(t.WD), name)
		if filepath.IsAbs(name) || !wd.IsWithin(t.WD, path) {
			return false
		}
		_, err := os.Stat(path)
		return err == nil
	}
	var defs []modules.OmniScenarioDef
	err = mutateOrCreate(ctx, t, func(ctx context.Context, o *modules.Omni) error {
		if len(p.Scenarios) > 0 {
			if err := o.SetScenarios(p.Scenarios, exists); err != nil {
				return err
			}
		}
		o.RecordScenario(modules.OmniBaseline, modules.ScenarioResult{RanAt: t.env.now(), SedimentT: baseline})
		defs = o.Scenarios
		return nil
	})
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return models.NewValidationError("scenarios", "no omni scenarios configured")
	}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := def.Name()
		t.Progress(ctx, "omni scenario %s", name)
		res, err := t.runScenario(ctx, def, tr)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}
		if err := mutate(ctx, t, func(ctx context.Context, o *modules.Omni) error {
			o.RecordScenario(name, *res)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// runScenario clones the run into a pup, applies def and reruns WEPP there.
func (t *Task) runScenario(ctx context.Context, def modules.OmniScenarioDef, tr *modules.Translator) (*modules.ScenarioResult, error) {
	dir := omniDir(t.WD, def.Name())
	if err := t.clone(ctx, dir); err != nil {
		return nil, err
	}
	p := t.pup(dir)
	rel := wd.Relativize(t.WD, dir)
	if err := mutate(ctx, p, func(ctx context.Context, r *modules.Ron) error {
		r.PupRelPath = rel
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.applyScenario(ctx, def); err != nil {
		return nil, err
	}
	if err := p.runWepp(ctx); err != nil {
		return nil, err
	}
	if err := p.runInterchange(ctx, InterchangePayload{Force: true}); err != nil {
		return nil, err
	}
	sed, err := scenarioSediment(wd.InterchangeDir(dir), tr)
	if err != nil {
		return nil, err
	}
	return &modules.ScenarioResult{Dir: rel, RanAt: t.env.now(), SedimentT: sed}, nil
}

// clone copies the run into dir, leaving out pups, archives, model outputs
// and lock state.
func (t *Task) clone(ctx context.Context, dir string) error {
	if err := wd.EnsureDir(dir); err != nil {
		return err
	}
	args := []string{"-a", "--delete",
		"--exclude", wd.PupsDir,
		"--exclude", wd.ArchivesDir,
		"--exclude", "wepp/output",
		"--exclude", "wepp/runs",
		"--exclude", "*" + wd.LockExt,
		"--exclude", wd.ReadOnlyMarker,
		t.WD + string(filepath.Separator), dir + string(filepath.Separator),
	}
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.Rsync, Args: args, Dir: t.WD}); err != nil {
		return err
	}
	if t.env.Cache != nil {
		if _, err := t.env.Cache.InvalidateWD(ctx, dir); err != nil {
			t.Logger.Warn().Err(err).Str("dir", dir).Msg("Failed to invalidate pup cache")
		}
	}
	t.env.NoDb.Forget(dir)
	return nil
}

// applyScenario changes the pup's disturbance or cover and rebuilds inputs.
func (t *Task) applyScenario(ctx context.Context, def modules.OmniScenarioDef) error {
	switch def.Type {
	case modules.ScenarioThinning:
		return t.scaleCover(ctx, modules.CoverCanopy, func(v float64) float64 {
			return v * (1 - def.CanopyReduction/100)
		})
	case modules.ScenarioMulch:
		return t.scaleCover(ctx, modules.CoverInterrill, func(v float64) float64 {
			return math.Min(100, v+def.GroundCoverIncrease)
		})
	case modules.ScenarioSBSMap:
		if err := t.initSBSMap(ctx, def.SBSFile); err != nil {
			return err
		}
	case modules.ScenarioUndisturbed:
		if err := mutateOrCreate(ctx, t, func(ctx context.Context, d *modules.Disturbed) error {
			d.Clear()
			return nil
		}); err != nil {
			return err
		}
	default:
		ws, err := t.abstracted(ctx)
		if err != nil {
			return err
		}
		if err := mutateOrCreate(ctx, t, func(ctx context.Context, d *modules.Disturbed) error {
			return d.SetUniform(def.BurnClass(), ws.HillslopeIDs())
		}); err != nil {
			return err
		}
	}
	if err := t.buildLanduse(ctx, LandusePayload{}); err != nil {
		return err
	}
	return t.buildSoils(ctx, SoilsPayload{})
}

// scaleCover rewrites one cover of every management in use. Values are percent.
func (t *Task) scaleCover(ctx context.Context, cover string, fn func(pct float64) float64) error {
	return mutate(ctx, t, func(ctx context.Context, l *modules.Landuse) error {
		keys := make([]string, 0, len(l.Managements))
		for k := range l.Managements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m := l.Managements[k]
			cur := m.Inrcov
			if cover == modules.CoverCanopy {
				cur = m.Cancov
			}
			if err := l.ModifyCoverage(k, cover, math.Max(0, fn(cur*100))); err != nil {
				return err
			}
		}
		return nil
	})
}

// scenarioSediment reads per-hillslope sediment delivery keyed by TOPAZ id.
func scenarioSediment(interchangeDir string, tr *modules.Translator) (map[string]float64, error) {
	byWepp, err := interchange.HillslopeSediment(interchangeDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(byWepp))
	for wid, sed := range byWepp {
		topaz, ok := tr.Topaz(wid)
		if !ok {
			return nil, fmt.Errorf("wepp id %d has no topaz id", wid)
		}
		out[strconv.Itoa(topaz)] = sed
	}
	return out, nil
}

// contrastRow is one row of omni/contrasts.parquet.
type contrastRow struct {
	Scenario     string  `parquet:"scenario"`
	Control      string  `parquet:"control"`
	TopazID      int32   `parquet:"topaz_id"`
	ControlSedT  float64 `parquet:"control_sediment_t"`
	ScenarioSedT float64 `parquet:"scenario_sediment_t"`
	DeltaSedT    float64 `parquet:"delta_sediment_t"`
}

func (e *Env) runOmniContrasts(ctx context.Context, x *worker.Execution) error {
	var p ContrastPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, omniContrastsStage, func(ctx context.Context, t *Task) error {
		return t.runOmniContrasts(ctx, p)
	})
}

func (t *Task) runOmniContrasts(ctx context.Context, p ContrastPayload) error {
	control := p.Control
	if control == "" {
		control = modules.OmniBaseline
	}
	var rows []contrastRow
	err := mutate(ctx, t, func(ctx context.Context, o *modules.Omni) error {
		names := o.ScenarioNames()
		if len(names) == 0 {
			return models.NewValidationError("scenarios", "run omni scenarios before contrasts")
		}
		for _, name := range names {
			if name == control {
				continue
			}
			cmp, err := o.Contrast(name, control)
			if err != nil {
				return err
			}
			for id, c := range cmp {
				topaz, err := strconv.Atoi(id)
				if err != nil {
					return fmt.Errorf("scenario %s: topaz id %q is not numeric", name, id)
				}
				rows = append(rows, contrastRow{
					Scenario: name, Control: control, TopazID: int32(topaz),
					ControlSedT: c.BaselineSedT, ScenarioSedT: c.ScenarioSedT, DeltaSedT: c.DeltaSedT,
				})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Scenario != rows[j].Scenario {
			return rows[i].Scenario < rows[j].Scenario
		}
		return rows[i].TopazID < rows[j].TopazID
	})
	if err := modules.WriteTable(filepath.Join(t.WD, "omni", "contrasts.parquet"), rows); err != nil {
		return err
	}
	t.Progress(ctx, "wrote %d contrast rows against %s", len(rows), control)
	return nil
}

func (e *Env) runPathCostEffective(ctx context.Context, x *worker.Execution) error {
	var cfg modules.PathCEConfig
	if err := decodePayload(x.Job, &cfg); err != nil {
		return err
	}
	return e.execute(ctx, x, pathCEStage, func(ctx context.Context, t *Task) error {
		return t.runPathCostEffective(ctx, cfg)
	})
}

func (t *Task) runPathCostEffective(ctx context.Context, cfg modules.PathCEConfig) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	omni, err := load[modules.Omni](ctx, t)
	if err != nil {
		return err
	}
	base, ok := omni.Results[modules.OmniBaseline]
	if !ok {
		return models.NewValidationError("omni", "run omni scenarios before PATH cost effective")
	}
	scenarios := make(map[string]map[string]float64, len(omni.Results))
	for name, r := range omni.Results {
		scenarios[name] = r.SedimentT
	}
	areaHa := make(map[string]float64, len(ws.SubsSummary))
	for id, h := range ws.SubsSummary {
		areaHa[id] = h.Area / 10000
	}

	var solved modules.PathCE
	err = mutateOrCreate(ctx, t, func(ctx context.Context, pc *modules.PathCE) error {
		pc.Config = cfg
		if err := pc.Solve(base.SedimentT, scenarios, areaHa, t.env.now()); err != nil {
			return models.NewValidationError("treatments", "%v", err)
		}
		solved = *pc
		return nil
	})
	if err != nil {
		return err
	}
	t.Progress(ctx, "selected %d treatments, cost %.2f, reduction %.2f t (target met: %v)",
		len(solved.Selected), solved.TotalCost, solved.TotalReduction, solved.TargetMet)
	return nil
}
