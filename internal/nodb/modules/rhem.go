package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// RhemHillslope is the annual average RHEM output of one hillslope.
type RhemHillslope struct {
	RunoffMM    float64 `json:"runoff_mm"`
	SoilLossTHa float64 `json:"soil_loss_t_ha"`
	SedYieldTHa float64 `json:"sed_yield_t_ha"`
	PrecipMM    float64 `json:"precip_mm"`
}

// Rhem tracks Rangeland Hydrology and Erosion Model runs.
type Rhem struct {
	RanAt      *time.Time               `json:"ran_at,omitempty"`
	Hillslopes map[string]RhemHillslope `json:"hillslopes,omitempty"`
}

func (Rhem) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "rhem",
		Tag:     "wepppy.nodb.mods.rhem.Rhem",
		Legacy:  []string{"wepppy.nodb.rhem.Rhem"},
		Version: 1,
	}
}

// RecordRun replaces the per-hillslope summary.
func (r *Rhem) RecordRun(results map[string]RhemHillslope, at time.Time) {
	r.Hillslopes = results
	r.RanAt = &at
}
