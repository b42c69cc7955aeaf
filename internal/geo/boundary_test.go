package geo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const subwtaARC = `ncols 3
nrows 3
xllcorner 0
yllcorner -30
cellsize 10
NODATA_value -9999
0 1114 1114
1114 1114 1114
0 0 1114
`

func TestBuildBoundaryFeatures(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SUBWTA.ARC")
	require.NoError(t, os.WriteFile(path, []byte(subwtaARC), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SUBWTA.prj"), []byte("EPSG:32611"), 0644))

	subwta, err := ReadASCIIFile(path)
	require.NoError(t, err)
	assert.Equal(t, Transform{0, 10, 0, 0, 0, -10}, subwta.Transform)
	assert.Equal(t, 32611, subwta.EPSG)

	relief := NewGrid(3, 3, subwta.Transform, 10)
	relief.Set(0, 1, 9)
	relief.Set(0, 2, 8)
	relief.Set(1, 0, 7)
	relief.Set(1, 1, 6)
	relief.Set(1, 2, 5)
	relief.Set(2, 2, 3)

	kilo := func(x, y float64) (float64, float64, error) { return x / 1000, y / 1000, nil }
	features, err := BuildBoundaryFeatures(subwta, relief, nil, 100, kilo)
	require.NoError(t, err)
	require.Len(t, features, 1)

	f := features[0]
	assert.Equal(t, 1114, f.TopazID)
	assert.InDelta(t, 0.025, f.Line[0][0], 1e-12)
	assert.InDelta(t, -0.075, f.Line[0][1], 1e-12)
	assert.InDelta(t, 0.025, f.Line[1][0], 1e-12)
	assert.InDelta(t, 0.025, f.Line[1][1], 1e-12)
	assert.InDelta(t, 0.025, f.CenterLon, 1e-12)
	assert.InDelta(t, -0.025, f.CenterLat, 1e-12)

	out := filepath.Join(dir, "hec_ras")
	geo, err := WriteBoundaryFeatures(out, features)
	require.NoError(t, err)

	var doc struct {
		Features []struct {
			Geometry struct {
				Type        string      `json:"type"`
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]float64 `json:"properties"`
		} `json:"features"`
	}
	data, err := os.ReadFile(geo)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Features, 1)
	assert.Equal(t, "LineString", doc.Features[0].Geometry.Type)
	assert.Equal(t, 1114.0, doc.Features[0].Properties["topaz_id"])
	assert.Equal(t, 100.0, doc.Features[0].Properties["width_m"])

	gml, err := os.ReadFile(filepath.Join(out, "bc_1114.gml"))
	require.NoError(t, err)
	assert.Contains(t, string(gml), "<gml:posList>0.02500000 -0.07500000 0.02500000 0.02500000</gml:posList>")
}

func TestExitDirectionFallsBackToLowerNeighbour(t *testing.T) {
	tr := Transform{0, 10, 0, 0, 0, -10}
	subwta := NewGrid(5, 5, tr, 0)
	relief := NewGrid(5, 5, tr, 20)
	for _, p := range [][2]int{{1, 2}, {2, 2}} {
		subwta.Set(p[0], p[1], 24)
	}
	relief.Set(1, 2, 12)
	relief.Set(2, 2, 10)
	relief.Set(3, 2, 4) // south, lower and outside the channel

	dr, dc := exitDirection(subwta, relief, 24, 2, 2)
	assert.Equal(t, 1, dr)
	assert.Equal(t, 0, dc)

	relief.Set(3, 2, 20)
	dr, dc = exitDirection(subwta, relief, 24, 2, 2)
	assert.Equal(t, 1, dr, "continues away from the upstream channel cell")
	assert.Equal(t, 0, dc)
}

func TestBuildBoundaryFeaturesUnknownChannel(t *testing.T) {
	tr := Transform{0, 10, 0, 0, 0, -10}
	_, err := BuildBoundaryFeatures(NewGrid(2, 2, tr, 0), NewGrid(2, 2, tr, 0), []int{24}, 50, nil)
	assert.Error(t, err)
}
