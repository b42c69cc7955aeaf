package modules

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Omni scenario types.
const (
	ScenarioUniformLow      = "uniform_low"
	ScenarioUniformModerate = "uniform_moderate"
	ScenarioUniformHigh     = "uniform_high"
	ScenarioSBSMap          = "sbs_map"
	ScenarioUndisturbed     = "undisturbed"
	ScenarioPrescribedFire  = "prescribed_fire"
	ScenarioThinning        = "thinning"
	ScenarioMulch           = "mulch"
)

// OmniBaseline names the unmodified run in contrasts.
const OmniBaseline = "baseline"

// OmniScenarioDef is one requested scenario.
type OmniScenarioDef struct {
	Type                string  `json:"type" validate:"required,oneof=uniform_low uniform_moderate uniform_high sbs_map undisturbed prescribed_fire thinning mulch"`
	SBSFile             string  `json:"sbs_file_path,omitempty"`
	GroundCoverIncrease float64 `json:"ground_cover_increase,omitempty" validate:"gte=0,lte=100"`
	CanopyReduction     float64 `json:"canopy_reduction,omitempty" validate:"gte=0,lte=100"`
}

// Name is the stable directory and result key of the scenario.
func (d OmniScenarioDef) Name() string {
	switch d.Type {
	case ScenarioSBSMap:
		stem := strings.TrimSuffix(filepath.Base(d.SBSFile), filepath.Ext(d.SBSFile))
		return d.Type + "_" + stem
	case ScenarioMulch:
		return fmt.Sprintf("%s_%g", d.Type, d.GroundCoverIncrease)
	case ScenarioThinning:
		return fmt.Sprintf("%s_%g", d.Type, d.CanopyReduction)
	}
	return d.Type
}

// BurnClass returns the uniform burn class a scenario imposes, or -1.
func (d OmniScenarioDef) BurnClass() int {
	switch d.Type {
	case ScenarioUniformLow, ScenarioPrescribedFire:
		return BurnLow
	case ScenarioUniformModerate:
		return BurnModerate
	case ScenarioUniformHigh:
		return BurnHigh
	}
	return -1
}

// ScenarioResult holds per-hillslope outputs of a scenario run.
type ScenarioResult struct {
	Dir       string             `json:"dir"`
	RanAt     time.Time          `json:"ran_at"`
	SedimentT map[string]float64 `json:"sediment_t"`
	RunoffM3  map[string]float64 `json:"runoff_m3"`
}

// ContrastRow compares one hillslope between baseline and scenario.
type ContrastRow struct {
	BaselineSedT float64 `json:"baseline_sediment_t"`
	ScenarioSedT float64 `json:"scenario_sediment_t"`
	DeltaSedT    float64 `json:"delta_sediment_t"`
}

// Omni runs landuse/burn scenarios as pup projects and contrasts them.
type Omni struct {
	Scenarios []OmniScenarioDef                 `json:"scenarios,omitempty"`
	Results   map[string]ScenarioResult         `json:"scenario_results,omitempty"`
	Contrasts map[string]map[string]ContrastRow `json:"contrasts,omitempty"`
}

func (Omni) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "omni",
		Tag:     "wepppy.nodb.mods.omni.Omni",
		Legacy:  []string{"wepppy.nodb.mods.omni.omni.Omni"},
		Version: 1,
	}
}

// SetScenarios replaces the scenario list. exists reports whether an uploaded
// file is present; sbs_map scenarios without one are rejected.
func (o *Omni) SetScenarios(defs []OmniScenarioDef, exists func(string) bool) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.Type == ScenarioSBSMap && (d.SBSFile == "" || !exists(d.SBSFile)) {
			return models.NewValidationError("sbs_file_path", "Missing SBS file")
		}
		if seen[d.Name()] {
			return models.NewValidationError("scenarios", "duplicate scenario %s", d.Name())
		}
		seen[d.Name()] = true
	}
	o.Scenarios = append([]OmniScenarioDef(nil), defs...)
	return nil
}

// RecordScenario stores one scenario result.
func (o *Omni) RecordScenario(name string, r ScenarioResult) {
	if o.Results == nil {
		o.Results = make(map[string]ScenarioResult)
	}
	o.Results[name] = r
}

// Contrast computes per-hillslope sediment deltas of scenario against control
// (OmniBaseline or another scenario).
func (o *Omni) Contrast(scenario, control string) (map[string]ContrastRow, error) {
	s, ok := o.Results[scenario]
	if !ok {
		return nil, &models.NotFoundError{Kind: "omni scenario", Name: scenario}
	}
	c, ok := o.Results[control]
	if !ok {
		return nil, &models.NotFoundError{Kind: "omni scenario", Name: control}
	}
	rows := make(map[string]ContrastRow, len(s.SedimentT))
	for id, sed := range s.SedimentT {
		base := c.SedimentT[id]
		rows[id] = ContrastRow{BaselineSedT: base, ScenarioSedT: sed, DeltaSedT: sed - base}
	}
	if o.Contrasts == nil {
		o.Contrasts = make(map[string]map[string]ContrastRow)
	}
	o.Contrasts[scenario] = rows
	return rows, nil
}

// ScenarioNames lists scenarios with results, sorted.
func (o *Omni) ScenarioNames() []string {
	names := make([]string, 0, len(o.Results))
	for n := range o.Results {
		if n != OmniBaseline {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
