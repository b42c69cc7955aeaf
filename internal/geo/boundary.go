package geo

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// BoundaryGeoJSON is the collection written next to the per-channel GML files.
const BoundaryGeoJSON = "boundary_conditions.geojson"

// BoundaryFeature is a HEC-RAS boundary condition line across a channel outlet.
type BoundaryFeature struct {
	TopazID   int
	WidthM    float64
	CenterLon float64
	CenterLat float64
	Line      orb.LineString // lon/lat, two vertices
}

// IsChannelID reports whether a TOPAZ id is a channel (ends in 4).
func IsChannelID(id int) bool {
	return id > 0 && id%10 == 4
}

// BuildBoundaryFeatures places one line per channel, perpendicular to the
// flow exit direction at the channel's lowest cell. When channelIDs is empty
// every channel in subwta is used.
func BuildBoundaryFeatures(subwta, relief *Grid, channelIDs []int, widthM float64, reproject ReprojectFunc) ([]BoundaryFeature, error) {
	if err := CheckAligned(subwta, relief, "relief"); err != nil {
		return nil, err
	}
	if widthM <= 0 {
		return nil, fmt.Errorf("boundary width must be positive, got %v", widthM)
	}
	if reproject == nil {
		reproject = LonLatReprojector(subwta.EPSG)
	}

	zones := Zones(subwta)
	if len(channelIDs) == 0 {
		for _, id := range ZoneIDs(zones) {
			if IsChannelID(id) {
				channelIDs = append(channelIDs, id)
			}
		}
	}
	sort.Ints(channelIDs)

	features := make([]BoundaryFeature, 0, len(channelIDs))
	for _, id := range channelIDs {
		cells, ok := zones[id]
		if !ok {
			return nil, fmt.Errorf("channel %d not present in subwta", id)
		}
		outlet := lowestCell(relief, cells)
		row, col := outlet/subwta.Cols, outlet%subwta.Cols
		dr, dc := exitDirection(subwta, relief, id, row, col)

		t := subwta.Transform
		dx := float64(dc)*t[1] + float64(dr)*t[2]
		dy := float64(dc)*t[4] + float64(dr)*t[5]
		norm := math.Hypot(dx, dy)
		ux, uy := dx/norm, dy/norm
		px, py := -uy, ux

		cx, cy := t.PixelCenter(row, col)
		half := widthM / 2
		x0, y0 := cx-px*half, cy-py*half
		x1, y1 := cx+px*half, cy+py*half

		lon0, lat0, err := reproject(x0, y0)
		if err != nil {
			return nil, err
		}
		lon1, lat1, err := reproject(x1, y1)
		if err != nil {
			return nil, err
		}
		clon, clat, err := reproject(cx, cy)
		if err != nil {
			return nil, err
		}
		features = append(features, BoundaryFeature{
			TopazID:   id,
			WidthM:    widthM,
			CenterLon: clon,
			CenterLat: clat,
			Line:      orb.LineString{{lon0, lat0}, {lon1, lat1}},
		})
	}
	return features, nil
}

func lowestCell(relief *Grid, cells []int) int {
	best := cells[0]
	for _, i := range cells[1:] {
		if relief.Data[i] < relief.Data[best] {
			best = i
		}
	}
	return best
}

// exitDirection picks the D8 step leaving the outlet: the first neighbour off
// the raster, else the lowest lower non-channel neighbour, else the
// continuation of the lowest upstream channel neighbour.
func exitDirection(subwta, relief *Grid, id, row, col int) (int, int) {
	for _, d := range neighbours8 {
		if !subwta.InBounds(row+d[0], col+d[1]) {
			return d[0], d[1]
		}
	}

	z := relief.At(row, col)
	best := -1
	for k, d := range neighbours8 {
		r, c := row+d[0], col+d[1]
		if int(subwta.At(r, c)) == id {
			continue
		}
		v := relief.At(r, c)
		if relief.IsNoData(v) || v >= z {
			continue
		}
		if best < 0 || v < relief.At(row+neighbours8[best][0], col+neighbours8[best][1]) {
			best = k
		}
	}
	if best >= 0 {
		return neighbours8[best][0], neighbours8[best][1]
	}

	best = -1
	for k, d := range neighbours8 {
		r, c := row+d[0], col+d[1]
		if int(subwta.At(r, c)) != id {
			continue
		}
		if best < 0 || relief.At(r, c) < relief.At(row+neighbours8[best][0], col+neighbours8[best][1]) {
			best = k
		}
	}
	if best >= 0 {
		return -neighbours8[best][0], -neighbours8[best][1]
	}
	return neighbours8[0][0], neighbours8[0][1]
}

// FeatureCollection renders the features as GeoJSON.
func FeatureCollection(features []BoundaryFeature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		gf := geojson.NewFeature(f.Line)
		gf.Properties["topaz_id"] = f.TopazID
		gf.Properties["width_m"] = f.WidthM
		gf.Properties["center_lon"] = f.CenterLon
		gf.Properties["center_lat"] = f.CenterLat
		fc.Append(gf)
	}
	return fc
}

// GML renders a single feature as a GML 3 feature collection.
func GML(f BoundaryFeature) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<gml:FeatureCollection xmlns:gml="http://www.opengis.net/gml">` + "\n")
	b.WriteString("  <gml:featureMember>\n")
	b.WriteString("    <BoundaryCondition>\n")
	fmt.Fprintf(&b, "      <topaz_id>%d</topaz_id>\n", f.TopazID)
	fmt.Fprintf(&b, "      <width_m>%s</width_m>\n", fmtFloat(f.WidthM))
	b.WriteString(`      <gml:LineString srsName="EPSG:4326">` + "\n")
	b.WriteString("        <gml:posList>")
	for i, p := range f.Line {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.8f %.8f", p[0], p[1])
	}
	b.WriteString("</gml:posList>\n")
	b.WriteString("      </gml:LineString>\n")
	b.WriteString("    </BoundaryCondition>\n")
	b.WriteString("  </gml:featureMember>\n")
	b.WriteString("</gml:FeatureCollection>\n")
	return b.Bytes()
}

// WriteBoundaryFeatures writes the GeoJSON collection and one bc_<id>.gml per
// feature into dir. It returns the GeoJSON path.
func WriteBoundaryFeatures(dir string, features []BoundaryFeature) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	data, err := FeatureCollection(features).MarshalJSON()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, BoundaryGeoJSON)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	for _, f := range features {
		gml := filepath.Join(dir, fmt.Sprintf("bc_%d.gml", f.TopazID))
		if err := os.WriteFile(gml, GML(f), 0644); err != nil {
			return "", err
		}
	}
	return path, nil
}
