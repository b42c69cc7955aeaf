// Package geo holds the raster and coordinate helpers the pipeline needs:
// ESRI ASCII grids, UTM conversion, outlet snapping, zonal statistics and
// HEC-RAS boundary condition lines.
package geo

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Transform is a GDAL style affine geotransform:
// x = t0 + col*t1 + row*t2, y = t3 + col*t4 + row*t5.
type Transform [6]float64

// PixelCenter returns map coordinates of the center of (row, col).
func (t Transform) PixelCenter(row, col int) (x, y float64) {
	c := float64(col) + 0.5
	r := float64(row) + 0.5
	return t[0] + c*t[1] + r*t[2], t[3] + c*t[4] + r*t[5]
}

// Pixel returns the (row, col) containing map point (x, y). Rotation terms are ignored.
func (t Transform) Pixel(x, y float64) (row, col int) {
	col = int(math.Floor((x - t[0]) / t[1]))
	row = int(math.Floor((y - t[3]) / t[5]))
	return row, col
}

// Grid is a single band raster held in memory, row-major.
type Grid struct {
	Rows      int
	Cols      int
	Data      []float64
	NoData    float64
	HasNoData bool
	Transform Transform
	EPSG      int
}

// NewGrid allocates a grid filled with fill.
func NewGrid(rows, cols int, t Transform, fill float64) *Grid {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = fill
	}
	return &Grid{Rows: rows, Cols: cols, Data: data, Transform: t}
}

// InBounds reports whether (row, col) lies inside the grid.
func (g *Grid) InBounds(row, col int) bool {
	return row >= 0 && col >= 0 && row < g.Rows && col < g.Cols
}

func (g *Grid) At(row, col int) float64 {
	return g.Data[row*g.Cols+col]
}

func (g *Grid) Set(row, col int, v float64) {
	g.Data[row*g.Cols+col] = v
}

// IsNoData reports whether v is the grid's nodata value (or NaN).
func (g *Grid) IsNoData(v float64) bool {
	return math.IsNaN(v) || (g.HasNoData && v == g.NoData)
}

// CellSize returns the absolute pixel width in map units.
func (g *Grid) CellSize() float64 {
	return math.Abs(g.Transform[1])
}

// SameShape reports whether o has the same dimensions as g.
func (g *Grid) SameShape(o *Grid) bool {
	return g.Rows == o.Rows && g.Cols == o.Cols
}

// ReadASCII parses an ESRI ASCII grid.
func ReadASCII(r io.Reader) (*Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	sc.Split(bufio.ScanWords)

	header := make(map[string]float64)
	var pending string
	for len(header) < 6 && sc.Scan() {
		tok := sc.Text()
		key := strings.ToLower(tok)
		switch key {
		case "ncols", "nrows", "xllcorner", "yllcorner", "xllcenter", "yllcenter", "cellsize", "nodata_value":
			if !sc.Scan() {
				return nil, fmt.Errorf("ascii grid: missing value for %s", key)
			}
			v, err := strconv.ParseFloat(sc.Text(), 64)
			if err != nil {
				return nil, fmt.Errorf("ascii grid: bad %s: %w", key, err)
			}
			header[key] = v
		default:
			pending = tok
		}
		if pending != "" {
			break
		}
	}

	ncols, okc := header["ncols"]
	nrows, okr := header["nrows"]
	cellsize, okcs := header["cellsize"]
	if !okc || !okr || !okcs || ncols <= 0 || nrows <= 0 {
		return nil, fmt.Errorf("ascii grid: incomplete header")
	}

	var xll, yll float64
	switch {
	case hasKey(header, "xllcorner"):
		xll, yll = header["xllcorner"], header["yllcorner"]
	case hasKey(header, "xllcenter"):
		xll, yll = header["xllcenter"]-cellsize/2, header["yllcenter"]-cellsize/2
	default:
		return nil, fmt.Errorf("ascii grid: missing lower-left coordinate")
	}

	rows, cols := int(nrows), int(ncols)
	g := &Grid{
		Rows:      rows,
		Cols:      cols,
		Data:      make([]float64, 0, rows*cols),
		Transform: Transform{xll, cellsize, 0, yll + float64(rows)*cellsize, 0, -cellsize},
	}
	if nd, ok := header["nodata_value"]; ok {
		g.NoData, g.HasNoData = nd, true
	}

	parse := func(tok string) error {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return fmt.Errorf("ascii grid: bad cell value %q", tok)
		}
		g.Data = append(g.Data, v)
		return nil
	}
	if pending != "" {
		if err := parse(pending); err != nil {
			return nil, err
		}
	}
	for len(g.Data) < rows*cols && sc.Scan() {
		if err := parse(sc.Text()); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(g.Data) != rows*cols {
		return nil, fmt.Errorf("ascii grid: expected %d cells, read %d", rows*cols, len(g.Data))
	}
	return g, nil
}

func hasKey(m map[string]float64, k string) bool {
	_, ok := m[k]
	return ok
}

// ReadASCIIFile reads path and, when present, the sibling .prj for the EPSG code.
func ReadASCIIFile(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g, err := ReadASCII(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	if data, err := os.ReadFile(prj); err == nil {
		g.EPSG = ParseEPSG(string(data))
	}
	return g, nil
}

// WriteASCII writes g as an ESRI ASCII grid. Rotated transforms are not representable.
func WriteASCII(w io.Writer, g *Grid) error {
	bw := bufio.NewWriter(w)
	cs := g.CellSize()
	fmt.Fprintf(bw, "ncols %d\nnrows %d\n", g.Cols, g.Rows)
	fmt.Fprintf(bw, "xllcorner %s\nyllcorner %s\n", fmtFloat(g.Transform[0]), fmtFloat(g.Transform[3]-float64(g.Rows)*cs))
	fmt.Fprintf(bw, "cellsize %s\n", fmtFloat(cs))
	if g.HasNoData {
		fmt.Fprintf(bw, "NODATA_value %s\n", fmtFloat(g.NoData))
	}
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if c > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(fmtFloat(g.At(r, c)))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteASCIIFile writes g to path plus a .prj holding the EPSG code when known.
func WriteASCIIFile(path string, g *Grid) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteASCII(f, g); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if g.EPSG != 0 {
		prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
		return os.WriteFile(prj, []byte(fmt.Sprintf("EPSG:%d\n", g.EPSG)), 0644)
	}
	return nil
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	epsgPattern    = regexp.MustCompile(`(?i)EPSG["':,\s]*(\d{4,5})`)
	utmZonePattern = regexp.MustCompile(`(?i)UTM[ _]zone[ _](\d{1,2})([NS])`)
)

// ParseEPSG extracts an EPSG code from "EPSG:32611" or a WKT string.
// WGS 84 / UTM zone names map to 326zz/327zz. Returns 0 when unknown.
func ParseEPSG(prj string) int {
	if m := utmZonePattern.FindStringSubmatch(prj); m != nil {
		zone, _ := strconv.Atoi(m[1])
		if strings.EqualFold(m[2], "S") {
			return 32700 + zone
		}
		return 32600 + zone
	}
	matches := epsgPattern.FindAllStringSubmatch(prj, -1)
	if len(matches) == 0 {
		return 0
	}
	// The authority of the outermost WKT node is listed last.
	code, _ := strconv.Atoi(matches[len(matches)-1][1])
	return code
}
