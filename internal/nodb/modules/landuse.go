package modules

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// LanduseMode selects how dominant landuse is assigned.
type LanduseMode int

const (
	LanduseGridded LanduseMode = iota
	LanduseSingle
	LanduseUserDefined
)

// Management is a landuse class present in the run.
type Management struct {
	Key       string  `json:"key"`
	Desc      string  `json:"desc"`
	Area      float64 `json:"area"`
	Pct       float64 `json:"pct_coverage"`
	Cancov    float64 `json:"cancov"`
	Inrcov    float64 `json:"inrcov"`
	Rilcov    float64 `json:"rilcov"`
	Disturbed string  `json:"disturbed_class,omitempty"`
}

// Landuse assigns a management to every hillslope.
type Landuse struct {
	Mode            LanduseMode           `json:"mode"`
	SingleSelection string                `json:"single_selection,omitempty"`
	NLCDYear        int                   `json:"nlcd_db_year,omitempty"`
	Domlc           map[string]string     `json:"domlc_d,omitempty"`
	Managements     map[string]Management `json:"managements,omitempty"`
}

func (Landuse) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "landuse",
		Tag:     "wepppy.nodb.core.landuse.Landuse",
		Legacy:  []string{"wepppy.nodb.landuse.Landuse"},
		Version: 1,
	}
}

// nlcdClasses are the National Land Cover Database classes with default
// cover fractions (canopy, interrill, rill).
var nlcdClasses = map[string]struct {
	desc                   string
	cancov, inrcov, rilcov float64
}{
	"11": {"Open Water", 0, 0, 0},
	"21": {"Developed, Open Space", 0.2, 0.6, 0.6},
	"22": {"Developed, Low Intensity", 0.1, 0.4, 0.4},
	"23": {"Developed, Medium Intensity", 0.05, 0.2, 0.2},
	"24": {"Developed, High Intensity", 0, 0.1, 0.1},
	"31": {"Barren Land", 0, 0.1, 0.1},
	"41": {"Deciduous Forest", 0.9, 0.95, 0.95},
	"42": {"Evergreen Forest", 0.9, 1, 1},
	"43": {"Mixed Forest", 0.9, 0.95, 0.95},
	"52": {"Shrub/Scrub", 0.5, 0.7, 0.7},
	"71": {"Grassland/Herbaceous", 0.4, 0.8, 0.8},
	"81": {"Pasture/Hay", 0.4, 0.85, 0.85},
	"82": {"Cultivated Crops", 0.3, 0.5, 0.5},
	"90": {"Woody Wetlands", 0.8, 0.9, 0.9},
	"95": {"Emergent Herbaceous Wetlands", 0.5, 0.9, 0.9},
}

// burnCoverScale reduces cover on disturbed classes by burn severity.
var burnCoverScale = map[string]float64{"low": 0.75, "moderate": 0.4, "high": 0.1}

// classDefaults returns the description and cover fractions of a key,
// including disturbed keys of the form "<nlcd>-<severity>".
func classDefaults(key string) (desc string, cancov, inrcov, rilcov float64, ok bool) {
	base := BaseLanduse(key)
	c, ok := nlcdClasses[base]
	if !ok {
		return "Unknown (" + key + ")", 0, 0, 0, false
	}
	if base == key {
		return c.desc, c.cancov, c.inrcov, c.rilcov, true
	}
	sev := key[len(base)+1:]
	scale, ok := burnCoverScale[sev]
	if !ok {
		return "Unknown (" + key + ")", 0, 0, 0, false
	}
	return c.desc + " - " + sev + " severity fire", c.cancov * scale, c.inrcov * scale, c.rilcov * scale, true
}

// LanduseDesc returns the description of a class key.
func LanduseDesc(key string) string {
	desc, _, _, _, _ := classDefaults(key)
	return desc
}

// SetMode switches the assignment mode. Single mode requires a known class.
func (l *Landuse) SetMode(mode LanduseMode, single string) error {
	switch mode {
	case LanduseGridded, LanduseUserDefined:
	case LanduseSingle:
		if _, ok := nlcdClasses[single]; !ok {
			return models.NewValidationError("landuse_single_selection", "unknown landuse class %q", single)
		}
		l.SingleSelection = single
	default:
		return models.NewValidationError("landuse_mode", "unknown landuse mode %d", mode)
	}
	l.Mode = mode
	return nil
}

// Build assigns the dominant class of lc to each hillslope of subwta (or the
// single selection) and recomputes the management summary.
func (l *Landuse) Build(ws *Watershed, subwta, lc *geo.Grid) error {
	if len(ws.SubsSummary) == 0 {
		return fmt.Errorf("watershed has not been abstracted")
	}
	domlc := make(map[string]string, len(ws.SubsSummary))
	switch l.Mode {
	case LanduseSingle:
		for key := range ws.SubsSummary {
			domlc[key] = l.SingleSelection
		}
	default:
		if subwta == nil || lc == nil {
			return fmt.Errorf("gridded landuse requires the subcatchment and landcover rasters")
		}
		if err := geo.CheckAligned(subwta, lc, "landcover"); err != nil {
			return err
		}
		major := geo.Majority(geo.Zones(subwta), lc)
		for key, s := range ws.SubsSummary {
			class, ok := major[s.TopazID]
			if !ok {
				return fmt.Errorf("hillslope %s has no landcover cells", key)
			}
			domlc[key] = strconv.Itoa(class)
		}
	}
	l.Domlc = domlc
	l.summarize(ws)
	return nil
}

func (l *Landuse) summarize(ws *Watershed) {
	prev := l.Managements
	mans := make(map[string]Management)
	total := 0.0
	for key, dom := range l.Domlc {
		area := ws.SubsSummary[key].Area
		total += area
		m, ok := mans[dom]
		if !ok {
			desc, cancov, inrcov, rilcov, _ := classDefaults(dom)
			m = Management{Key: dom, Desc: desc, Cancov: cancov, Inrcov: inrcov, Rilcov: rilcov}
			if dom != BaseLanduse(dom) {
				m.Disturbed = dom[len(BaseLanduse(dom))+1:]
			}
			if old, ok := prev[dom]; ok {
				m.Cancov, m.Inrcov, m.Rilcov = old.Cancov, old.Inrcov, old.Rilcov
			}
		}
		m.Area += area
		mans[dom] = m
	}
	for k, m := range mans {
		if total > 0 {
			m.Pct = 100 * m.Area / total
		}
		mans[k] = m
	}
	l.Managements = mans
}

// Cover names accepted by ModifyCoverage.
const (
	CoverCanopy    = "cancov"
	CoverInterrill = "inrcov"
	CoverRill      = "rilcov"
)

// ModifyCoverage sets a cover percentage (0-100) on a management class.
func (l *Landuse) ModifyCoverage(dom, cover string, pct float64) error {
	m, ok := l.Managements[dom]
	if !ok {
		return models.NewValidationError("dom", "landuse class %q is not in use", dom)
	}
	if pct < 0 || pct > 100 {
		return models.NewValidationError("value", "cover percentage must be between 0 and 100, got %v", pct)
	}
	frac := pct / 100
	switch cover {
	case CoverCanopy:
		m.Cancov = frac
	case CoverInterrill:
		m.Inrcov = frac
	case CoverRill:
		m.Rilcov = frac
	default:
		return models.NewValidationError("cover", "unknown cover %q", cover)
	}
	l.Managements[dom] = m
	return nil
}

// ModifyMapping reassigns the given hillslopes to class dom.
func (l *Landuse) ModifyMapping(ws *Watershed, topazIDs []string, dom string) error {
	if _, _, _, _, ok := classDefaults(dom); !ok {
		return models.NewValidationError("landuse", "unknown landuse class %q", dom)
	}
	for _, id := range topazIDs {
		if _, ok := l.Domlc[id]; !ok {
			return &models.NotFoundError{Kind: "hillslope", Name: id}
		}
		l.Domlc[id] = dom
	}
	l.summarize(ws)
	return nil
}

// LanduseRow is one row of landuse/landuse.parquet.
type LanduseRow struct {
	TopazID int32   `parquet:"topaz_id"`
	WeppID  int32   `parquet:"wepp_id"`
	Key     string  `parquet:"key"`
	Desc    string  `parquet:"desc"`
	Area    float64 `parquet:"area"`
	Cancov  float64 `parquet:"cancov"`
	Inrcov  float64 `parquet:"inrcov"`
	Rilcov  float64 `parquet:"rilcov"`
}

// Rows renders the per-hillslope table ordered by TOPAZ id.
func (l *Landuse) Rows(ws *Watershed) []LanduseRow {
	rows := make([]LanduseRow, 0, len(l.Domlc))
	for key, dom := range l.Domlc {
		s := ws.SubsSummary[key]
		m := l.Managements[dom]
		rows = append(rows, LanduseRow{
			TopazID: int32(s.TopazID), WeppID: int32(s.WeppID),
			Key: dom, Desc: m.Desc, Area: s.Area,
			Cancov: m.Cancov, Inrcov: m.Inrcov, Rilcov: m.Rilcov,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TopazID < rows[j].TopazID })
	return rows
}
