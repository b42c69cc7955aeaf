package modules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

func TestTranslatorIsBijective(t *testing.T) {
	tr, err := NewTranslator([]int{23, 22, 32, 33}, []int{34, 24})
	require.NoError(t, err)

	assert.Equal(t, 6, tr.Len())
	for wepp := 1; wepp <= tr.Len(); wepp++ {
		topaz, ok := tr.Topaz(wepp)
		require.True(t, ok)
		back, ok := tr.Wepp(topaz)
		require.True(t, ok)
		assert.Equal(t, wepp, back)
	}
	w, _ := tr.Wepp(22)
	assert.Equal(t, 1, w)
	w, _ = tr.Wepp(24)
	assert.Equal(t, 5, w, "channels follow hillslopes")

	_, err = NewTranslator([]int{22}, []int{22})
	assert.Error(t, err)
}

func sampleAbstraction() *Abstraction {
	return &Abstraction{
		EPSG:     32611,
		CellSize: 30,
		Hillslopes: []HillslopeRow{
			{TopazID: 23, Area: 9000, CentroidX: 500000, CentroidY: 5170000},
			{TopazID: 22, Area: 18000, CentroidX: 500100, CentroidY: 5170100},
		},
		Channels: []ChannelRow{
			{TopazID: 24, Order: 2, Area: 900, CentroidX: 500050, CentroidY: 5170050},
		},
	}
}

func TestWatershedAbstract(t *testing.T) {
	var ws Watershed
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := sampleAbstraction()
	tr, err := ws.Abstract(a, now)
	require.NoError(t, err)

	assert.Equal(t, int32(2), a.Hillslopes[0].WeppID, "topaz 23 sorts after 22")
	assert.Equal(t, int32(3), a.Channels[0].WeppID)
	assert.InDelta(t, -117.0, a.Hillslopes[0].CentroidLon, 1e-6)
	assert.InDelta(t, 46.68, a.Hillslopes[0].CentroidLat, 0.01)

	assert.Len(t, ws.SubsSummary, 2)
	assert.Equal(t, FlexInt(2), ws.ChnsSummary["24"].Order)
	assert.True(t, ws.HasChannels())
	assert.Equal(t, 27900.0, ws.TotalArea())
	assert.Equal(t, []int{22, 23}, ws.HillslopeIDs())

	rebuilt, err := ws.Translator()
	require.NoError(t, err)
	for _, id := range []int{22, 23, 24} {
		a, _ := tr.Wepp(id)
		b, _ := rebuilt.Wepp(id)
		assert.Equal(t, a, b)
	}
}

func TestChannelIDsExcludingOrders(t *testing.T) {
	ws := Watershed{ChnsSummary: map[string]ChannelSummary{
		"101": {Order: 1},
		"102": {Order: 2},
		"103": {Order: 3},
	}}
	ids, err := ws.ChannelIDsExcludingOrders([]int{2})
	require.NoError(t, err)
	assert.Equal(t, []int{101, 103}, ids)
}

func TestWatershedLoadsStringOrdersAndUnderscoreFields(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
  "py/object": "wepppy.nodb.watershed.Watershed",
  "_csa": 5,
  "_mcl": 60,
  "_chns_summary": {"101": {"order": 1}, "103": {"order": "3"}}
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watershed.nodb"), []byte(legacy), 0644))

	reg := nodb.NewRegistry(arbor.NewNoOpLogger())
	h, err := nodb.Open[Watershed](context.Background(), reg, dir)
	require.NoError(t, err)
	ws, err := h.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5.0, ws.CSA)
	assert.Equal(t, 60.0, ws.MCL)
	assert.Equal(t, FlexInt(3), ws.ChnsSummary["103"].Order)
}

func TestSetChannelParamsKeepsUnsetOptionals(t *testing.T) {
	breach := FillOrBreachBreach
	dist := 20
	var ws Watershed
	ws.SetChannelParams(ChannelParams{CSA: 5, MCL: 60, WbtFillOrBreach: &breach, WbtBlcDist: &dist})
	ws.SetChannelParams(ChannelParams{CSA: 10, MCL: 100})

	assert.Equal(t, 10.0, ws.CSA)
	assert.Equal(t, FillOrBreachBreach, ws.Algorithm())
	require.NotNil(t, ws.WbtBlcDist)
	assert.Equal(t, 20, *ws.WbtBlcDist)
}

func TestSetOutletSnapsToChannel(t *testing.T) {
	x0, y0, err := geo.FromLonLat(32611, -117, 46.7)
	require.NoError(t, err)
	jnt := geo.NewGrid(10, 10, geo.Transform{x0 - 165, 30, 0, y0 + 165, 0, -30}, 0)
	jnt.EPSG = 32611
	jnt.Set(5, 7, 1)

	var ws Watershed
	out, err := ws.SetOutlet(jnt, -117, 46.7, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, out.PixelRow)
	assert.Equal(t, 7, out.PixelCol)
	assert.Equal(t, 2.0, out.Distance)
	assert.Equal(t, -117.0, out.RequestedLon)
	assert.Greater(t, out.ActualLon, -117.0)
	assert.Same(t, out, ws.Outlet)
}

func hillslopeWatershed() (*Watershed, *geo.Grid) {
	tr := geo.Transform{0, 30, 0, 0, 0, -30}
	subwta := geo.NewGrid(2, 3, tr, 0)
	copy(subwta.Data, []float64{22, 22, 24, 23, 23, 24})
	ws := &Watershed{SubsSummary: map[string]HillslopeSummary{
		"22": {TopazID: 22, WeppID: 1, Area: 1800},
		"23": {TopazID: 23, WeppID: 2, Area: 1800},
	}}
	return ws, subwta
}

func TestLanduseBuildGriddedAndDisturbed(t *testing.T) {
	ws, subwta := hillslopeWatershed()
	lc := geo.NewGrid(2, 3, subwta.Transform, 0)
	copy(lc.Data, []float64{42, 42, 11, 71, 82, 11})

	var l Landuse
	require.NoError(t, l.Build(ws, subwta, lc))
	assert.Equal(t, map[string]string{"22": "42", "23": "71"}, l.Domlc)
	assert.InDelta(t, 50.0, l.Managements["42"].Pct, 1e-9)

	sbs := geo.NewGrid(2, 3, subwta.Transform, 130)
	sbs.Set(0, 0, 133)
	sbs.Set(0, 1, 133)
	var d Disturbed
	require.NoError(t, d.SetSBS("sbs.tif", sbs, subwta))
	assert.Equal(t, BurnHigh, d.HillslopeSev["22"])
	assert.Equal(t, BurnUnburned, d.HillslopeSev["23"])

	d.ApplyToLanduse(&l, ws)
	assert.Equal(t, "42-high", l.Domlc["22"])
	assert.Equal(t, "71", l.Domlc["23"])
	m := l.Managements["42-high"]
	assert.Equal(t, "high", m.Disturbed)
	assert.InDelta(t, 0.09, m.Cancov, 1e-9)

	rows := l.Rows(ws)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(22), rows[0].TopazID)
}

func TestLanduseCoverageValidation(t *testing.T) {
	l := Landuse{Managements: map[string]Management{"42": {Key: "42"}}}
	err := l.ModifyCoverage("42", CoverCanopy, 120)
	assert.True(t, errors.Is(err, models.ErrValidation))
	require.NoError(t, l.ModifyCoverage("42", CoverCanopy, 40))
	assert.Equal(t, 0.4, l.Managements["42"].Cancov)
}

func TestSoilsBuildSingle(t *testing.T) {
	ws, _ := hillslopeWatershed()
	var s Soils
	assert.True(t, errors.Is(s.SetMode(SoilsSingle, "abc"), models.ErrValidation))
	require.NoError(t, s.SetMode(SoilsSingle, "2485028"))
	require.NoError(t, s.Build(ws, nil, nil, map[string]string{"2485028": "Palouse silt loam"}))

	assert.Equal(t, []string{"2485028"}, s.Mukeys())
	assert.Equal(t, "2485028.sol", s.Soils["2485028"].Fname)
	assert.InDelta(t, 100.0, s.Soils["2485028"].Pct, 1e-9)
}

func TestWeppDSSExportValidation(t *testing.T) {
	var w Wepp
	assert.Error(t, w.SetDSSExport(3, nil, nil))
	assert.Error(t, w.SetDSSExport(DSSExportChannels, nil, nil))
	require.NoError(t, w.SetDSSExport(DSSExportChannels, []int{104, 24, 104}, nil))
	assert.Equal(t, []int{24, 104}, w.DSSExportChannels)
}

func TestOmniRejectsMissingSBS(t *testing.T) {
	var o Omni
	err := o.SetScenarios([]OmniScenarioDef{{Type: ScenarioSBSMap, SBSFile: "missing.tif"}}, func(string) bool { return false })
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "Missing SBS file", ve.Message)

	require.NoError(t, o.SetScenarios([]OmniScenarioDef{{Type: ScenarioUniformHigh}, {Type: ScenarioMulch, GroundCoverIncrease: 30}}, nil))
	assert.Equal(t, "mulch_30", o.Scenarios[1].Name())
}

func TestOmniContrast(t *testing.T) {
	var o Omni
	o.RecordScenario(OmniBaseline, ScenarioResult{SedimentT: map[string]float64{"22": 1, "23": 2}})
	o.RecordScenario("uniform_high", ScenarioResult{SedimentT: map[string]float64{"22": 4, "23": 2.5}})

	rows, err := o.Contrast("uniform_high", OmniBaseline)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rows["22"].DeltaSedT)
	assert.Equal(t, []string{"uniform_high"}, o.ScenarioNames())

	_, err = o.Contrast("thinning_20", OmniBaseline)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestPathCEGreedySelection(t *testing.T) {
	p := PathCE{Config: PathCEConfig{
		TargetReduction: 0.5,
		Treatments: []PathCETreatment{
			{Scenario: "mulch_30", CostPerHa: 100},
		},
	}}
	baseline := map[string]float64{"22": 10, "23": 10, "32": 2}
	treated := map[string]map[string]float64{"mulch_30": {"22": 2, "23": 6, "32": 1}}
	area := map[string]float64{"22": 1, "23": 1, "32": 1}

	require.NoError(t, p.Solve(baseline, treated, area, time.Now()))
	require.Len(t, p.Selected, 2)
	assert.Equal(t, "22", p.Selected[0].TopazID)
	assert.Equal(t, "23", p.Selected[1].TopazID)
	assert.Equal(t, 12.0, p.TotalReduction)
	assert.Equal(t, 200.0, p.TotalCost)
	assert.True(t, p.TargetMet)

	p.Config.Budget = 150
	require.NoError(t, p.Solve(baseline, treated, area, time.Now()))
	assert.Equal(t, 100.0, p.TotalCost)
	assert.False(t, p.TargetMet)
}

func TestFitStats(t *testing.T) {
	obs := []float64{1, 2, 3, 4}
	stats, err := FitStats(obs, obs)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, stats["NSE"], 1e-12)
	assert.InDelta(t, 1.0, stats["KGE"], 1e-12)
	assert.InDelta(t, 0.0, stats["PBIAS"], 1e-12)

	_, err = FitStats(obs, obs[:2])
	assert.Error(t, err)
}

func TestUnitizerModule(t *testing.T) {
	var u Unitizer
	ignored, err := u.SetPreferences(map[string]string{"currency-area": "$/acre", "mystery": "value"}, false, arbor.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"mystery"}, ignored)
	assert.Equal(t, "$/acre", u.Preferences["currency-area"])
}

func TestTablesRoundTripThroughCSV(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "hillslopes.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("TopazID,length,width,area,slope_scalar\n22,100,30,3000,0.2\n23,90.5,20,1810,0.1\n"), 0644))

	rows, err := HillslopeRowsFromCSV(csvPath)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(22), rows[0].TopazID)

	out := TablePath(dir, HillslopesTable)
	require.NoError(t, WriteTable(out, rows))
	back, err := ReadTable[HillslopeRow](out)
	require.NoError(t, err)
	assert.Equal(t, rows, back)

	require.NoError(t, os.WriteFile(csvPath, []byte("topaz_id,area\n22,abc\n"), 0644))
	_, err = HillslopeRowsFromCSV(csvPath)
	assert.Error(t, err)
}
