package modules

import (
	"sort"
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// DSS export modes.
const (
	DSSExportAll      = 0
	DSSExportChannels = 1
	DSSExportByOrder  = 2
)

// BaseflowOpts parameterize the linear reservoir used by totalwatsed3.
type BaseflowOpts struct {
	GWStorage   float64 `json:"gwstorage"`
	BFCoeff     float64 `json:"bfcoeff"`
	DSCoeff     float64 `json:"dscoeff"`
	BFThreshold float64 `json:"bfthreshold"`
}

// DefaultBaseflow returns the stock reservoir parameters.
func DefaultBaseflow() BaseflowOpts {
	return BaseflowOpts{GWStorage: 200, BFCoeff: 0.04, DSCoeff: 0, BFThreshold: 1}
}

// PhosphorusOpts are the optional phosphorus concentrations (mg/l, mg/kg).
type PhosphorusOpts struct {
	Surface  float64 `json:"surf_runoff"`
	Lateral  float64 `json:"lateral_flow"`
	Baseflow float64 `json:"baseflow"`
	Sediment float64 `json:"sediment"`
}

// Valid reports whether every concentration is set.
func (p *PhosphorusOpts) Valid() bool {
	return p != nil && p.Surface > 0 && p.Lateral > 0 && p.Baseflow > 0 && p.Sediment > 0
}

// Wepp holds run options and run bookkeeping for the WEPP model.
type Wepp struct {
	RunFlowpaths       bool            `json:"run_flowpaths"`
	Phosphorus         *PhosphorusOpts `json:"phosphorus_opts,omitempty"`
	Baseflow           BaseflowOpts    `json:"baseflow_opts"`
	DSSExportMode      int             `json:"dss_export_mode"`
	DSSExportChannels  []int           `json:"dss_export_channel_ids,omitempty"`
	DSSExcludedOrders  []int           `json:"dss_excluded_channel_orders,omitempty"`
	DSSStartDate       string          `json:"dss_start_date,omitempty"`
	DSSEndDate         string          `json:"dss_end_date,omitempty"`
	HillslopeCount     int             `json:"hillslope_count"`
	HillslopesRanAt    *time.Time      `json:"hillslopes_ran_at,omitempty"`
	WatershedRanAt     *time.Time      `json:"watershed_ran_at,omitempty"`
	InterchangeVersion int             `json:"interchange_version,omitempty"`
}

func (Wepp) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "wepp",
		Tag:     "wepppy.nodb.core.wepp.Wepp",
		Legacy:  []string{"wepppy.nodb.wepp.Wepp"},
		Version: 1,
	}
}

// SetDSSExport validates and stores the DSS export selection. Channel ids and
// excluded orders are kept sorted and de-duplicated.
func (w *Wepp) SetDSSExport(mode int, channels, excluded []int) error {
	if mode < DSSExportAll || mode > DSSExportByOrder {
		return models.NewValidationError("dss_export_mode", "dss_export_mode must be 0, 1 or 2")
	}
	if mode == DSSExportChannels && len(channels) == 0 {
		return models.NewValidationError("dss_export_channel_ids", "at least one channel id is required")
	}
	w.DSSExportMode = mode
	w.DSSExportChannels = sortedUnique(channels)
	w.DSSExcludedOrders = sortedUnique(excluded)
	return nil
}

// ResetRun clears run bookkeeping before hillslopes are rerun.
func (w *Wepp) ResetRun() {
	w.HillslopeCount = 0
	w.HillslopesRanAt = nil
	w.WatershedRanAt = nil
}

func sortedUnique(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
