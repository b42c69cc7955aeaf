// Package modules holds the per-domain NoDb state types. Each type is a
// plain struct persisted through nodb.Handle; mutators are methods that must
// be called from inside Handle.Locked.
package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// RunGroupBatch marks runs created by the batch runner. Orchestrators do not
// enqueue follow-up jobs for them.
const RunGroupBatch = "batch"

// Ron is the project root module.
type Ron struct {
	RunID      string     `json:"runid"`
	Name       string     `json:"name,omitempty"`
	Scenario   string     `json:"scenario,omitempty"`
	Config     string     `json:"config_stem"`
	Mods       []string   `json:"mods,omitempty"`
	RunGroup   string     `json:"run_group,omitempty"`
	GroupName  string     `json:"group_name,omitempty"`
	PupRelPath string     `json:"pup_relpath,omitempty"`
	CellSize   float64    `json:"cellsize"`
	MapExtent  [4]float64 `json:"map_extent"`
	MapCenter  [2]float64 `json:"map_center"`
	MapZoom    float64    `json:"map_zoom"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (Ron) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "ron",
		Tag:     "wepppy.nodb.core.ron.Ron",
		Legacy:  []string{"wepppy.nodb.ron.Ron"},
		Version: 1,
	}
}

// HasMod reports whether an optional module is enabled for the run.
func (r *Ron) HasMod(mod string) bool {
	for _, m := range r.Mods {
		if m == mod {
			return true
		}
	}
	return false
}

// AddMod enables mod once.
func (r *Ron) AddMod(mod string) {
	if !r.HasMod(mod) {
		r.Mods = append(r.Mods, mod)
	}
}

// SetMap records the map view used to fetch the DEM.
func (r *Ron) SetMap(extent [4]float64, center [2]float64, zoom float64) {
	r.MapExtent = extent
	r.MapCenter = center
	r.MapZoom = zoom
}

// IsBatch reports whether the run belongs to the batch runner.
func (r *Ron) IsBatch() bool {
	return r.RunGroup == RunGroupBatch
}
