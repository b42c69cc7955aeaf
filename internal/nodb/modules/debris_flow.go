package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// DebrisEstimate is the debris-flow likelihood and volume for one design storm.
type DebrisEstimate struct {
	Duration    string  `json:"duration"`
	I15MMH      float64 `json:"i15_mm_h"`
	Probability float64 `json:"probability"`
	VolumeM3    float64 `json:"volume_m3"`
}

// DebrisFlow holds the post-fire debris flow assessment.
type DebrisFlow struct {
	Datasource string           `json:"datasource,omitempty"`
	BurnedFrac float64          `json:"burned_fraction"`
	Estimates  []DebrisEstimate `json:"estimates,omitempty"`
	RanAt      *time.Time       `json:"ran_at,omitempty"`
}

func (DebrisFlow) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "debris_flow",
		Tag:     "wepppy.nodb.mods.debris_flow.DebrisFlow",
		Version: 1,
	}
}

// RecordRun stores the estimates.
func (d *DebrisFlow) RecordRun(datasource string, burned float64, est []DebrisEstimate, at time.Time) {
	d.Datasource = datasource
	d.BurnedFrac = burned
	d.Estimates = est
	d.RanAt = &at
}
