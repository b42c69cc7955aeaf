package geo

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleASCII = `ncols 3
nrows 2
xllcorner 100
yllcorner 200
cellsize 30
NODATA_value -9999
1 2 3
4 -9999 6
`

func TestReadASCII(t *testing.T) {
	g, err := ReadASCII(strings.NewReader(sampleASCII))
	require.NoError(t, err)

	assert.Equal(t, 2, g.Rows)
	assert.Equal(t, 3, g.Cols)
	assert.Equal(t, Transform{100, 30, 0, 260, 0, -30}, g.Transform)
	assert.Equal(t, 6.0, g.At(1, 2))
	assert.True(t, g.IsNoData(g.At(1, 1)))

	x, y := g.Transform.PixelCenter(0, 0)
	assert.Equal(t, 115.0, x)
	assert.Equal(t, 245.0, y)

	r, c := g.Transform.Pixel(x, y)
	assert.Equal(t, 0, r)
	assert.Equal(t, 0, c)
}

func TestReadASCIIRejectsShortData(t *testing.T) {
	_, err := ReadASCII(strings.NewReader("ncols 2\nnrows 2\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2 3\n"))
	assert.Error(t, err)
}

func TestWriteASCIIFileRoundTrip(t *testing.T) {
	g, err := ReadASCII(strings.NewReader(sampleASCII))
	require.NoError(t, err)
	g.EPSG = 32611

	path := filepath.Join(t.TempDir(), "dem.arc")
	require.NoError(t, WriteASCIIFile(path, g))

	back, err := ReadASCIIFile(path)
	require.NoError(t, err)
	assert.Equal(t, g.Data, back.Data)
	assert.Equal(t, g.Transform, back.Transform)
	assert.Equal(t, 32611, back.EPSG)
}

func TestParseEPSG(t *testing.T) {
	assert.Equal(t, 32611, ParseEPSG("EPSG:32611"))
	assert.Equal(t, 32711, ParseEPSG(`PROJCS["WGS_1984_UTM_Zone_11S",GEOGCS["GCS_WGS_1984"]]`))
	assert.Equal(t, 26911, ParseEPSG(`PROJCS["NAD83 / UTM 11",AUTHORITY["EPSG","4269"],AUTHORITY["EPSG","26911"]]`))
	assert.Equal(t, 0, ParseEPSG("LOCAL_CS[]"))
}
