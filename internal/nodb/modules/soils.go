package modules

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// SoilsMode selects how dominant soils are assigned.
type SoilsMode int

const (
	SoilsGridded SoilsMode = iota
	SoilsSingle
)

// SoilSummary describes one map unit in use.
type SoilSummary struct {
	Mukey string  `json:"mukey"`
	Desc  string  `json:"desc"`
	Fname string  `json:"fname"`
	Area  float64 `json:"area"`
	Pct   float64 `json:"pct_coverage"`
}

// Soils assigns a soil map unit (mukey) to every hillslope.
type Soils struct {
	Mode         SoilsMode              `json:"mode"`
	SingleMukey  string                 `json:"single_selection,omitempty"`
	SSURGODB     string                 `json:"ssurgo_db,omitempty"`
	InitialSat   float64                `json:"initial_sat"`
	Domsoil      map[string]string      `json:"domsoil_d,omitempty"`
	Soils        map[string]SoilSummary `json:"soils,omitempty"`
	BuiltWithSBS bool                   `json:"built_with_sbs,omitempty"`
}

func (Soils) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "soils",
		Tag:     "wepppy.nodb.core.soils.Soils",
		Legacy:  []string{"wepppy.nodb.soils.Soils"},
		Version: 1,
	}
}

// SoilFile is the WEPP soil file name for a map unit.
func SoilFile(mukey string) string {
	return mukey + ".sol"
}

// SetMode switches the assignment mode.
func (s *Soils) SetMode(mode SoilsMode, single string) error {
	switch mode {
	case SoilsGridded:
	case SoilsSingle:
		if _, err := strconv.Atoi(single); err != nil {
			return models.NumericError("soil_single_selection")
		}
		s.SingleMukey = single
	default:
		return models.NewValidationError("soil_mode", "unknown soils mode %d", mode)
	}
	s.Mode = mode
	return nil
}

// Build assigns the dominant mukey of the map unit raster to each hillslope.
// descs supplies map unit names when known.
func (s *Soils) Build(ws *Watershed, subwta, mukeys *geo.Grid, descs map[string]string) error {
	if len(ws.SubsSummary) == 0 {
		return fmt.Errorf("watershed has not been abstracted")
	}
	dom := make(map[string]string, len(ws.SubsSummary))
	switch s.Mode {
	case SoilsSingle:
		for key := range ws.SubsSummary {
			dom[key] = s.SingleMukey
		}
	default:
		if subwta == nil || mukeys == nil {
			return fmt.Errorf("gridded soils require the subcatchment and map unit rasters")
		}
		if err := geo.CheckAligned(subwta, mukeys, "mukey raster"); err != nil {
			return err
		}
		major := geo.Majority(geo.Zones(subwta), mukeys)
		for key, h := range ws.SubsSummary {
			mk, ok := major[h.TopazID]
			if !ok {
				return fmt.Errorf("hillslope %s has no soil cells", key)
			}
			dom[key] = strconv.Itoa(mk)
		}
	}

	summary := make(map[string]SoilSummary)
	total := 0.0
	for key, mk := range dom {
		area := ws.SubsSummary[key].Area
		total += area
		sum := summary[mk]
		sum.Mukey = mk
		sum.Fname = SoilFile(mk)
		if d, ok := descs[mk]; ok {
			sum.Desc = d
		}
		sum.Area += area
		summary[mk] = sum
	}
	for k, v := range summary {
		if total > 0 {
			v.Pct = 100 * v.Area / total
		}
		summary[k] = v
	}
	s.Domsoil = dom
	s.Soils = summary
	return nil
}

// Mukeys returns the sorted map units in use.
func (s *Soils) Mukeys() []string {
	keys := make([]string, 0, len(s.Soils))
	for k := range s.Soils {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SoilRow is one row of soils/soils.parquet.
type SoilRow struct {
	TopazID int32   `parquet:"topaz_id"`
	WeppID  int32   `parquet:"wepp_id"`
	Mukey   string  `parquet:"mukey"`
	Desc    string  `parquet:"desc"`
	Fname   string  `parquet:"fname"`
	Area    float64 `parquet:"area"`
}

// Rows renders the per-hillslope table ordered by TOPAZ id.
func (s *Soils) Rows(ws *Watershed) []SoilRow {
	rows := make([]SoilRow, 0, len(s.Domsoil))
	for key, mk := range s.Domsoil {
		h := ws.SubsSummary[key]
		sum := s.Soils[mk]
		rows = append(rows, SoilRow{
			TopazID: int32(h.TopazID), WeppID: int32(h.WeppID),
			Mukey: mk, Desc: sum.Desc, Fname: sum.Fname, Area: h.Area,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TopazID < rows[j].TopazID })
	return rows
}
