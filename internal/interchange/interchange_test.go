package interchange

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
)

func writeReport(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	body := " WEPP report\n ------------\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

// wat: ofe julian year P RM Q Ep Es Er Dp UpStrmQ SubRIn latqcc TSW frozwt SnowWater Area
func writeHillslope(t *testing.T, dir string, id, area string, runoff string) {
	t.Helper()
	writeReport(t, dir, "H"+id+".loss.dat",
		" year precip runoff soil_loss sed_del",
		" 2000 800.0 20.0 1500.0 1000.0",
		" 2001 900.0 30.0 3500.0 3000.0",
	)
	writeReport(t, dir, "H"+id+".wat.dat",
		" OFE J Y P RM Q Ep Es Er Dp UpStrmQ SubRIn latqcc TSW frozwt Snow Area",
		" 1 1 2000 10.0 10.0 "+runoff+" 0.5 0.5 0.0 2.0 0.0 0.0 0.0 150.0 0.0 0.0 "+area,
		" 1 2 2000 0.0 0.0 0.0 0.5 0.5 0.0 0.0D+00 0.0 0.0 0.0 149.0 0.0 0.0 "+area,
	)
	writeReport(t, dir, "H"+id+".soil.dat",
		" OFE Day Y Poros Keff Suct FC WP Rough Ki Kr Tauc Saturation TSW",
		" 1 1 2000 45.0 1.2 30.0 0.3 0.1 10.0 1.0 1.0 2.0 0.8 150.0",
		" 1 2 2000 45.0 1.2 30.0 0.3 0.1 10.0 1.0 1.0 2.0 0.8 149.0",
	)
}

func writeWatershed(t *testing.T, dir string, full bool) {
	t.Helper()
	writeReport(t, dir, "pass_pw0.txt",
		" year julian wepp_id runoff sed lateral baseflow",
		" 2000 1 1 40.0 500.0 0.0 0.0",
		" 2000 1 2 0.0 250.0 0.0 0.0",
	)
	writeReport(t, dir, "ebe_pw0.txt",
		" da mo year precip runoff peak sed elmt",
		" 1 1 2000 10.0 40.0 0.01 750.0 3",
	)
	writeReport(t, dir, "loss_pw0.txt",
		" year precip runoff sed hill",
		" 2000 800.0 40.0 0.75 4.0",
	)
	if !full {
		return
	}
	writeReport(t, dir, "chan.out",
		" year day elmt chan time peak",
		" 2000 1 3 1 3600.0 0.01",
	)
	writeReport(t, dir, "chanwb.out",
		" year day chan in out storage baseflow loss balance",
		" 2000 1 1 40.0 39.0 1.0 0.0 0.0 0.0",
	)
	writeReport(t, dir, "chnwb.txt",
		" OFE J Y P RM Q Ep Es Er Dp TSW Area",
		" 1 1 2000 10.0 10.0 1.0 0.0 0.0 0.0 1.0 100.0 500.0",
	)
	writeReport(t, dir, "soil_pw0.txt",
		" OFE Day Y Poros Keff Suct FC WP Rough Ki Kr Tauc Saturation TSW",
		" 1 1 2000 45.0 1.2 30.0 0.3 0.1 10.0 1.0 1.0 2.0 0.8 150.0",
	)
}

func fixedNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestRunContinuous(t *testing.T) {
	out := t.TempDir()
	writeHillslope(t, out, "1", "1000.0", "4.0")
	writeHillslope(t, out, "2", "3000.0", "0.0")
	writeWatershed(t, out, true)

	bf := modules.BaseflowOpts{GWStorage: 0, BFCoeff: 0.5, DSCoeff: 0, BFThreshold: 0}
	res, err := Run(context.Background(), Options{OutputDir: out, Baseflow: bf, NCPU: 2, Now: fixedNow}, arbor.NewNoOpLogger())
	require.NoError(t, err)

	assert.True(t, res.Watershed)
	assert.Equal(t, Version, res.Version)
	assert.ElementsMatch(t, []string{
		HillslopeLoss, HillslopeWat, HillslopeSoil,
		PassPw0, EbePw0, LossPw0, ChanOut, ChanWB, ChnWB, SoilPw0, TotalWatSed3,
	}, res.Datasets)

	wat, err := ReadDataset[WatRow](filepath.Join(res.Dir, HillslopeWat))
	require.NoError(t, err)
	require.Len(t, wat, 4)
	assert.Equal(t, int32(1), wat[0].WeppID)
	assert.Equal(t, int32(2), wat[3].WeppID)
	assert.Equal(t, 3000.0, wat[3].Area)

	units, err := Units(filepath.Join(res.Dir, HillslopeWat))
	require.NoError(t, err)
	assert.Equal(t, "mm", units["Q"])
	assert.Equal(t, "m^2", units["Area"])

	tws, err := ReadDataset[TotalWatSedRow](filepath.Join(res.Dir, TotalWatSed3))
	require.NoError(t, err)
	require.Len(t, tws, 2)
	day1 := tws[0]
	assert.Equal(t, 4000.0, day1.Area)
	assert.InDelta(t, 1.0, day1.Runoff, 1e-9)
	assert.InDelta(t, 2.0, day1.Percolation, 1e-9)
	assert.InDelta(t, 1.0, day1.Baseflow, 1e-9)
	assert.InDelta(t, 1.0, day1.GWStorage, 1e-9)
	assert.InDelta(t, 2.0, day1.Streamflow, 1e-9)
	assert.InDelta(t, 750.0, day1.Sediment, 1e-9)
	day2 := tws[1]
	assert.InDelta(t, 0.5, day2.Baseflow, 1e-9)
	assert.InDelta(t, 0.5, day2.Streamflow, 1e-9)

	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(res.Dir, SchemaManifest))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, Version, manifest.Version)
	assert.Len(t, manifest.Datasets, len(res.Datasets))

	html, err := os.ReadFile(filepath.Join(res.Dir, ReadmeHTML))
	require.NoError(t, err)
	assert.Contains(t, string(html), "<table>")
	assert.Contains(t, string(html), "totalwatsed3.parquet")

	v, ok, err := ReadVersion(res.Dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Version, v.Version)
	assert.True(t, v.GeneratedAt.Equal(fixedNow()))

	assert.False(t, NeedsUpdate(res.Dir, Version, false))
	assert.True(t, NeedsUpdate(res.Dir, Version+1, false))
	assert.True(t, NeedsUpdate(res.Dir, Version, true))
}

func TestRunSingleStorm(t *testing.T) {
	out := t.TempDir()
	writeReport(t, out, "H1.loss.dat", " 2000 25.0 5.0 100.0 80.0")
	writeWatershed(t, out, false)

	res, err := Run(context.Background(), Options{OutputDir: out, SingleStorm: true, Now: fixedNow}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{HillslopeLoss, PassPw0, EbePw0, LossPw0}, res.Datasets)
	assert.NoFileExists(t, filepath.Join(res.Dir, TotalWatSed3))
	assert.NoFileExists(t, filepath.Join(res.Dir, HillslopeWat))
	assert.FileExists(t, filepath.Join(res.Dir, VersionFile))
}

func TestRunMissingRequiredOutput(t *testing.T) {
	out := t.TempDir()
	writeReport(t, out, "H1.loss.dat", " 2000 25.0 5.0 100.0 80.0")

	_, err := Run(context.Background(), Options{OutputDir: out}, arbor.NewNoOpLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required WEPP output")
	assert.NoFileExists(t, filepath.Join(out, "interchange", VersionFile))
	assert.True(t, NeedsUpdate(filepath.Join(out, "interchange"), Version, false))
}

func TestRunMissingOutputDir(t *testing.T) {
	_, err := Run(context.Background(), Options{OutputDir: filepath.Join(t.TempDir(), "nope")}, arbor.NewNoOpLogger())
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestHillslopeSediment(t *testing.T) {
	out := t.TempDir()
	writeHillslope(t, out, "7", "1000.0", "1.0")
	res, err := Run(context.Background(), Options{OutputDir: out}, arbor.NewNoOpLogger())
	require.NoError(t, err)
	assert.False(t, res.Watershed)

	sed, err := HillslopeSediment(res.Dir)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, sed[7], 1e-9)
}

func TestOutputDir(t *testing.T) {
	run := t.TempDir()

	dir, err := OutputDir(run, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(run, "wepp", "output"), dir)

	dir, err = OutputDir(run, "wepp/ag_field/output")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(run, "wepp", "ag_field", "output"), dir)

	for _, bad := range []string{"../other/wepp/output", "/tmp/output", "wepp/runs"} {
		_, err := OutputDir(run, bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}
}

func TestParseFortranFloat(t *testing.T) {
	v, err := parseFortranFloat("1.5D+02")
	require.NoError(t, err)
	assert.Equal(t, 150.0, v)

	_, err = parseFortranFloat("*****")
	assert.Error(t, err)
}
