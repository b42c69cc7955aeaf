package interchange

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/weppcloud/weppcloud/internal/nodb/modules"
)

type dayKey struct {
	year   int32
	julian int32
}

type dayTotals struct {
	precip, rainMelt, runoff, lateral, perc, et, soilWater float64
}

// BuildTotalWatSed aggregates the hillslope water balance into one daily
// watershed series and routes percolation through a linear groundwater
// reservoir to estimate baseflow. Depths are area weighted (mm over the
// whole watershed).
func BuildTotalWatSed(dir string, bf modules.BaseflowOpts) error {
	wat, err := ReadDataset[WatRow](filepath.Join(dir, HillslopeWat))
	if err != nil {
		return err
	}

	type ofeKey struct{ wepp, ofe int32 }
	areas := make(map[ofeKey]float64)
	days := make(map[dayKey]*dayTotals)
	for _, r := range wat {
		areas[ofeKey{r.WeppID, r.OFE}] = r.Area
		k := dayKey{r.Year, r.Julian}
		d := days[k]
		if d == nil {
			d = &dayTotals{}
			days[k] = d
		}
		// mm * m^2 / 1000 = m^3
		v := r.Area / 1000
		d.precip += r.Precip * v
		d.rainMelt += r.RainMelt * v
		d.runoff += r.Runoff * v
		d.lateral += r.LateralFlow * v
		d.perc += r.Percolation * v
		d.et += (r.PlantTransp + r.SoilEvap + r.ResidueEvap) * v
		d.soilWater += r.TotalSoilWater * v
	}
	var total float64
	for _, a := range areas {
		total += a
	}

	sediment := make(map[dayKey]float64)
	pass, err := ReadDataset[PassRow](filepath.Join(dir, PassPw0))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, p := range pass {
		sediment[dayKey{p.Year, p.Julian}] += p.Sediment
	}

	keys := make([]dayKey, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].julian < keys[j].julian
	})

	toMM := func(m3 float64) float64 {
		if total == 0 {
			return 0
		}
		return m3 / total * 1000
	}

	storage := bf.GWStorage
	rows := make([]TotalWatSedRow, 0, len(keys))
	for _, k := range keys {
		d := days[k]
		row := TotalWatSedRow{
			Year: k.year, Julian: k.julian, Area: total,
			Precip: toMM(d.precip), RainMelt: toMM(d.rainMelt), Runoff: toMM(d.runoff),
			Lateral: toMM(d.lateral), Percolation: toMM(d.perc), ET: toMM(d.et),
			SoilWater: toMM(d.soilWater), Sediment: sediment[k],
		}
		storage += row.Percolation
		if storage > bf.BFThreshold {
			row.Baseflow = bf.BFCoeff * (storage - bf.BFThreshold)
		}
		row.Seepage = bf.DSCoeff * storage
		storage -= row.Baseflow + row.Seepage
		if storage < 0 {
			storage = 0
		}
		row.GWStorage = storage
		row.Streamflow = row.Runoff + row.Lateral + row.Baseflow
		rows = append(rows, row)
	}
	return writeDataset(dir, TotalWatSed3, rows, totalWatSedUnits)
}
