package tasks

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// rasterURL builds a raster service request for a lon/lat extent
// (west, south, east, north).
func rasterURL(base string, extent [4]float64, cellsize float64, extra url.Values) (string, error) {
	if base == "" {
		return "", fmt.Errorf("raster service url is not configured")
	}
	if extent == [4]float64{} {
		return "", models.NewValidationError("map_extent", "map extent is not set")
	}
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	q.Set("bbox", strings.Join([]string{
		formatFloat(extent[0]), formatFloat(extent[1]), formatFloat(extent[2]), formatFloat(extent[3]),
	}, ","))
	if cellsize > 0 {
		q.Set("cellsize", formatFloat(cellsize))
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode(), nil
}

// download fetches u to dest, creating the parent directory.
func (t *Task) download(ctx context.Context, u, dest string) error {
	if err := wd.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}
	n, err := t.env.Fetcher.Download(ctx, u, dest)
	if err != nil {
		return err
	}
	t.Progress(ctx, "downloaded %s (%d bytes)", filepath.Base(dest), n)
	return nil
}

// requireFile fails when a tool did not leave the expected output behind.
func requireFile(path string, tool tools.Tool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s did not produce %s", tool, filepath.Base(path))
		}
		return err
	}
	return nil
}

// toASCII converts a raster (optionally one band) to an ESRI ASCII grid and reads it.
func (t *Task) toASCII(ctx context.Context, src, dst string, band int) (*geo.Grid, error) {
	args := []string{"-of", "AAIGrid"}
	if band > 0 {
		args = append(args, "-b", strconv.Itoa(band))
	}
	args = append(args, src, dst)
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.GdalTranslate, Args: args, Dir: filepath.Dir(dst)}); err != nil {
		return nil, err
	}
	if err := requireFile(dst, tools.GdalTranslate); err != nil {
		return nil, err
	}
	return geo.ReadASCIIFile(dst)
}

// warp resamples src onto the grid of ref and writes dst (GeoTIFF).
func (t *Task) warp(ctx context.Context, src, dst string, ref *geo.Grid, resample string) error {
	cs := ref.CellSize()
	xmin, ymax := ref.Transform[0], ref.Transform[3]
	xmax := xmin + float64(ref.Cols)*cs
	ymin := ymax - float64(ref.Rows)*cs

	args := []string{"-overwrite", "-r", resample}
	if ref.EPSG != 0 {
		args = append(args, "-t_srs", fmt.Sprintf("EPSG:%d", ref.EPSG))
	}
	args = append(args,
		"-te", formatFloat(xmin), formatFloat(ymin), formatFloat(xmax), formatFloat(ymax),
		"-ts", strconv.Itoa(ref.Cols), strconv.Itoa(ref.Rows),
		src, dst,
	)
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.GdalWarp, Args: args, Dir: filepath.Dir(dst)}); err != nil {
		return err
	}
	return requireFile(dst, tools.GdalWarp)
}

// warpAligned warps src onto ref and returns the ASCII rendition written
// next to dst.
func (t *Task) warpAligned(ctx context.Context, src, dst string, ref *geo.Grid, resample string) (*geo.Grid, error) {
	if err := t.warp(ctx, src, dst, ref, resample); err != nil {
		return nil, err
	}
	g, err := t.toASCII(ctx, dst, asciiPath(dst), 0)
	if err != nil {
		return nil, err
	}
	if g.EPSG == 0 {
		g.EPSG = ref.EPSG
	}
	return g, nil
}

func asciiPath(tif string) string {
	return strings.TrimSuffix(tif, filepath.Ext(tif)) + ".asc"
}

// subwta reads the subcatchment raster of the run.
func (t *Task) subwta() (*geo.Grid, error) {
	path := wd.SubwtaArcPath(t.WD)
	g, err := geo.ReadASCIIFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &models.NotFoundError{Kind: "subcatchment raster", Name: wd.Relativize(t.WD, path)}
	}
	return g, err
}
