package modules

import (
	"fmt"
	"math"
	"time"

	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Observed compares simulated daily streamflow with observations.
type Observed struct {
	ObsFname string                        `json:"obs_fn,omitempty"`
	Results  map[string]map[string]float64 `json:"results,omitempty"`
	RanAt    *time.Time                    `json:"ran_at,omitempty"`
}

func (Observed) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "observed",
		Tag:     "wepppy.nodb.mods.observed.Observed",
		Legacy:  []string{"wepppy.nodb.observed.Observed"},
		Version: 1,
	}
}

// RecordRun stores goodness-of-fit statistics keyed by measure.
func (o *Observed) RecordRun(results map[string]map[string]float64, at time.Time) {
	o.Results = results
	o.RanAt = &at
}

// FitStats computes Nash-Sutcliffe, KGE, PBIAS and RMSE for paired series.
func FitStats(obs, sim []float64) (map[string]float64, error) {
	if len(obs) != len(sim) {
		return nil, fmt.Errorf("series lengths differ: %d observed, %d simulated", len(obs), len(sim))
	}
	if len(obs) < 2 {
		return nil, fmt.Errorf("need at least two paired values")
	}
	n := float64(len(obs))
	var sumO, sumS float64
	for i := range obs {
		sumO += obs[i]
		sumS += sim[i]
	}
	meanO, meanS := sumO/n, sumS/n

	var ssRes, ssTot, varS, cov float64
	for i := range obs {
		d := sim[i] - obs[i]
		ssRes += d * d
		do, ds := obs[i]-meanO, sim[i]-meanS
		ssTot += do * do
		varS += ds * ds
		cov += do * ds
	}
	stats := map[string]float64{
		"RMSE": math.Sqrt(ssRes / n),
	}
	if ssTot > 0 {
		stats["NSE"] = 1 - ssRes/ssTot
	}
	if sumO != 0 {
		stats["PBIAS"] = 100 * (sumS - sumO) / sumO
	}
	if ssTot > 0 && varS > 0 && meanO != 0 {
		r := cov / math.Sqrt(ssTot*varS)
		alpha := math.Sqrt(varS/n) / math.Sqrt(ssTot/n)
		beta := meanS / meanO
		stats["KGE"] = 1 - math.Sqrt((r-1)*(r-1)+(alpha-1)*(alpha-1)+(beta-1)*(beta-1))
	}
	return stats, nil
}
