package modules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Watershed delineation backends.
const (
	FillOrBreachFill     = "fill"
	FillOrBreachBreach   = "breach"
	FillOrBreachBreachLC = "breach_least_cost"
)

// ChannelParams are the delineation inputs persisted before channels are built.
type ChannelParams struct {
	Extent          [4]float64 `json:"map_extent"`
	Center          [2]float64 `json:"map_center"`
	Zoom            float64    `json:"map_zoom"`
	CSA             float64    `json:"csa" validate:"gt=0"`
	MCL             float64    `json:"mcl" validate:"gt=0"`
	WbtFillOrBreach *string    `json:"wbt_fill_or_breach,omitempty" validate:"omitempty,oneof=fill breach breach_least_cost"`
	WbtBlcDist      *int       `json:"wbt_blc_dist,omitempty" validate:"omitempty,gt=0"`
	SetExtentMode   int        `json:"set_extent_mode" validate:"gte=0,lte=2"`
	MapBoundsText   string     `json:"map_bounds_text,omitempty"`
}

// Outlet is the watershed outlet snapped to the channel network.
type Outlet struct {
	RequestedLon float64 `json:"requested_lon"`
	RequestedLat float64 `json:"requested_lat"`
	ActualLon    float64 `json:"actual_lon"`
	ActualLat    float64 `json:"actual_lat"`
	Distance     float64 `json:"distance_from_requested"`
	PixelRow     int     `json:"pixel_row"`
	PixelCol     int     `json:"pixel_col"`
}

// HillslopeSummary is the per-hillslope record kept on the module.
type HillslopeSummary struct {
	TopazID     int     `json:"topaz_id"`
	WeppID      int     `json:"wepp_id"`
	Area        float64 `json:"area"`
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Slope       float64 `json:"slope_scalar"`
	Aspect      float64 `json:"aspect"`
	Elevation   float64 `json:"elevation"`
	CentroidLon float64 `json:"centroid_lon"`
	CentroidLat float64 `json:"centroid_lat"`
}

// ChannelSummary is the per-channel record kept on the module.
type ChannelSummary struct {
	TopazID     int     `json:"topaz_id"`
	WeppID      int     `json:"wepp_id"`
	Order       FlexInt `json:"order"`
	Area        float64 `json:"area"`
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Slope       float64 `json:"slope_scalar"`
	Elevation   float64 `json:"elevation"`
	CentroidLon float64 `json:"centroid_lon"`
	CentroidLat float64 `json:"centroid_lat"`
}

// Watershed holds delineation parameters, the outlet and the abstraction summaries.
type Watershed struct {
	Extent          [4]float64                  `json:"map_extent"`
	Center          [2]float64                  `json:"map_center"`
	Zoom            float64                     `json:"map_zoom"`
	MapBoundsText   string                      `json:"map_bounds_text,omitempty"`
	SetExtentMode   int                         `json:"set_extent_mode"`
	CSA             float64                     `json:"csa"`
	MCL             float64                     `json:"mcl"`
	WbtFillOrBreach string                      `json:"wbt_fill_or_breach,omitempty"`
	WbtBlcDist      *int                        `json:"wbt_blc_dist,omitempty"`
	EPSG            int                         `json:"epsg,omitempty"`
	CellSize        float64                     `json:"cellsize,omitempty"`
	Outlet          *Outlet                     `json:"outlet,omitempty"`
	SubsSummary     map[string]HillslopeSummary `json:"sub_summary,omitempty"`
	ChnsSummary     map[string]ChannelSummary   `json:"chns_summary,omitempty"`
	AbstractedAt    *time.Time                  `json:"abstracted_at,omitempty"`
}

func (Watershed) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "watershed",
		Tag:     "wepppy.nodb.core.watershed.Watershed",
		Legacy:  []string{"wepppy.nodb.watershed.Watershed"},
		Version: 2,
	}
}

// Upgrade renames v1 fields.
func (w *Watershed) Upgrade(from int, fields map[string]json.RawMessage) error {
	if from < 2 {
		nodb.RenameField(fields, "subs_summary", "sub_summary")
		nodb.RenameField(fields, "outlet_top_id", "outlet_topaz_id")
	}
	return nil
}

// SetChannelParams persists delineation inputs. Optional WBT settings are
// only overwritten when provided.
func (w *Watershed) SetChannelParams(p ChannelParams) {
	w.Extent = p.Extent
	w.Center = p.Center
	w.Zoom = p.Zoom
	w.CSA = p.CSA
	w.MCL = p.MCL
	w.SetExtentMode = p.SetExtentMode
	w.MapBoundsText = p.MapBoundsText
	if p.WbtFillOrBreach != nil {
		w.WbtFillOrBreach = *p.WbtFillOrBreach
	}
	if p.WbtBlcDist != nil {
		v := *p.WbtBlcDist
		w.WbtBlcDist = &v
	}
}

// Algorithm names the DEM conditioning method in effect.
func (w *Watershed) Algorithm() string {
	if w.WbtFillOrBreach == "" {
		return FillOrBreachFill
	}
	return w.WbtFillOrBreach
}

// ResetOutlet clears everything downstream of channel delineation.
func (w *Watershed) ResetOutlet() {
	w.Outlet = nil
	w.SubsSummary = nil
	w.ChnsSummary = nil
	w.AbstractedAt = nil
}

// SetOutlet snaps the requested lon/lat to the nearest channel cell of the
// junction raster and records both positions.
func (w *Watershed) SetOutlet(jnt *geo.Grid, lon, lat float64, searchCap int) (*Outlet, error) {
	x, y, err := geo.FromLonLat(jnt.EPSG, lon, lat)
	if err != nil {
		return nil, err
	}
	row, col := jnt.Transform.Pixel(x, y)
	snap, err := geo.FindClosestChannel(jnt, row, col, searchCap)
	if err != nil {
		return nil, err
	}
	cx, cy := jnt.Transform.PixelCenter(snap.Row, snap.Col)
	alon, alat, err := geo.ToLonLat(jnt.EPSG, cx, cy)
	if err != nil {
		return nil, err
	}
	o := &Outlet{
		RequestedLon: lon,
		RequestedLat: lat,
		ActualLon:    alon,
		ActualLat:    alat,
		Distance:     snap.Distance,
		PixelRow:     snap.Row,
		PixelCol:     snap.Col,
	}
	w.Outlet = o
	w.SubsSummary = nil
	w.ChnsSummary = nil
	w.AbstractedAt = nil
	return o, nil
}

// Abstraction is the output of the abstraction tool after it is read back.
type Abstraction struct {
	Hillslopes []HillslopeRow
	Channels   []ChannelRow
	Flowpaths  []FlowpathRow
	EPSG       int
	CellSize   float64
}

// Abstract assigns WEPP ids through the translator, reprojects centroids to
// WGS 84 and refreshes the summaries. The rows are updated in place so the
// caller can persist them as the watershed tables.
func (w *Watershed) Abstract(a *Abstraction, now time.Time) (*Translator, error) {
	if len(a.Hillslopes) == 0 {
		return nil, fmt.Errorf("abstraction produced no hillslopes")
	}
	hs := make([]int, 0, len(a.Hillslopes))
	for _, h := range a.Hillslopes {
		hs = append(hs, int(h.TopazID))
	}
	chs := make([]int, 0, len(a.Channels))
	for _, c := range a.Channels {
		chs = append(chs, int(c.TopazID))
	}
	tr, err := NewTranslator(hs, chs)
	if err != nil {
		return nil, err
	}

	reproject := geo.LonLatReprojector(a.EPSG)
	subs := make(map[string]HillslopeSummary, len(a.Hillslopes))
	for i := range a.Hillslopes {
		h := &a.Hillslopes[i]
		wid, _ := tr.Wepp(int(h.TopazID))
		h.WeppID = int32(wid)
		if h.CentroidLon, h.CentroidLat, err = reproject(h.CentroidX, h.CentroidY); err != nil {
			return nil, err
		}
		subs[strconv.Itoa(int(h.TopazID))] = HillslopeSummary{
			TopazID: int(h.TopazID), WeppID: wid,
			Area: h.Area, Length: h.Length, Width: h.Width,
			Slope: h.Slope, Aspect: h.Aspect, Elevation: h.Elevation,
			CentroidLon: h.CentroidLon, CentroidLat: h.CentroidLat,
		}
	}
	chns := make(map[string]ChannelSummary, len(a.Channels))
	for i := range a.Channels {
		c := &a.Channels[i]
		wid, _ := tr.Wepp(int(c.TopazID))
		c.WeppID = int32(wid)
		if c.CentroidLon, c.CentroidLat, err = reproject(c.CentroidX, c.CentroidY); err != nil {
			return nil, err
		}
		chns[strconv.Itoa(int(c.TopazID))] = ChannelSummary{
			TopazID: int(c.TopazID), WeppID: wid, Order: FlexInt(c.Order),
			Area: c.Area, Length: c.Length, Width: c.Width,
			Slope: c.Slope, Elevation: c.Elevation,
			CentroidLon: c.CentroidLon, CentroidLat: c.CentroidLat,
		}
	}

	w.SubsSummary = subs
	w.ChnsSummary = chns
	w.EPSG = a.EPSG
	w.CellSize = a.CellSize
	w.AbstractedAt = &now
	return tr, nil
}

// Translator rebuilds the TOPAZ/WEPP translator from the stored summaries.
func (w *Watershed) Translator() (*Translator, error) {
	hs := make([]int, 0, len(w.SubsSummary))
	for _, s := range w.SubsSummary {
		hs = append(hs, s.TopazID)
	}
	chs := make([]int, 0, len(w.ChnsSummary))
	for _, c := range w.ChnsSummary {
		chs = append(chs, c.TopazID)
	}
	return NewTranslator(hs, chs)
}

// HillslopeIDs returns the sorted hillslope TOPAZ ids.
func (w *Watershed) HillslopeIDs() []int {
	ids := make([]int, 0, len(w.SubsSummary))
	for _, s := range w.SubsSummary {
		ids = append(ids, s.TopazID)
	}
	sort.Ints(ids)
	return ids
}

// ChannelIDs returns the sorted channel TOPAZ ids, keyed by the summary map
// since older files omit topaz_id inside the record.
func (w *Watershed) ChannelIDs() ([]int, error) {
	ids := make([]int, 0, len(w.ChnsSummary))
	for key := range w.ChnsSummary {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("channel key %q is not numeric", key)
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// ChannelIDsExcludingOrders returns channel ids whose Strahler order is not excluded.
func (w *Watershed) ChannelIDsExcludingOrders(excluded []int) ([]int, error) {
	skip := make(map[int]bool, len(excluded))
	for _, o := range excluded {
		skip[o] = true
	}
	ids, err := w.ChannelIDs()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !skip[int(w.ChnsSummary[strconv.Itoa(id)].Order)] {
			out = append(out, id)
		}
	}
	return out, nil
}

// HasChannels reports whether a watershed run is possible.
func (w *Watershed) HasChannels() bool {
	return len(w.ChnsSummary) > 0
}

// TotalArea sums hillslope and channel areas in square metres.
func (w *Watershed) TotalArea() float64 {
	var total float64
	for _, s := range w.SubsSummary {
		total += s.Area
	}
	for _, c := range w.ChnsSummary {
		total += c.Area
	}
	return total
}
