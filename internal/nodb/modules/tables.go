package modules

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Table file stems. The watershed tables live under <wd>/watershed/, the
// landuse and soils tables in their module directories.
const (
	HillslopesTable = "hillslopes"
	ChannelsTable   = "channels"
	FlowpathsTable  = "flowpaths"
	LanduseTable    = "landuse"
	SoilsTable      = "soils"
)

// HillslopeRow is one row of hillslopes.parquet.
type HillslopeRow struct {
	TopazID     int32   `parquet:"topaz_id"`
	WeppID      int32   `parquet:"wepp_id"`
	Length      float64 `parquet:"length"`
	Width       float64 `parquet:"width"`
	Area        float64 `parquet:"area"`
	Slope       float64 `parquet:"slope_scalar"`
	Aspect      float64 `parquet:"aspect"`
	Elevation   float64 `parquet:"elevation"`
	CentroidX   float64 `parquet:"centroid_x"`
	CentroidY   float64 `parquet:"centroid_y"`
	CentroidLon float64 `parquet:"centroid_lon"`
	CentroidLat float64 `parquet:"centroid_lat"`
}

// ChannelRow is one row of channels.parquet.
type ChannelRow struct {
	TopazID     int32   `parquet:"topaz_id"`
	WeppID      int32   `parquet:"wepp_id"`
	Order       int32   `parquet:"order"`
	Length      float64 `parquet:"length"`
	Width       float64 `parquet:"width"`
	Area        float64 `parquet:"area"`
	Slope       float64 `parquet:"slope_scalar"`
	Elevation   float64 `parquet:"elevation"`
	CentroidX   float64 `parquet:"centroid_x"`
	CentroidY   float64 `parquet:"centroid_y"`
	CentroidLon float64 `parquet:"centroid_lon"`
	CentroidLat float64 `parquet:"centroid_lat"`
}

// FlowpathRow is one row of flowpaths.parquet.
type FlowpathRow struct {
	TopazID int32   `parquet:"topaz_id"`
	FpID    int32   `parquet:"fp_id"`
	Length  float64 `parquet:"length"`
	Slope   float64 `parquet:"slope_scalar"`
	Area    float64 `parquet:"area"`
}

// TablePath returns <dir>/<name>.parquet.
func TablePath(dir, name string) string {
	return filepath.Join(dir, name+".parquet")
}

// WriteTable writes rows to path through a temp file and rename.
func WriteTable[T any](path string, rows []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if err := parquet.Write(tmp, rows); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadTable reads every row of a parquet file.
func ReadTable[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}

// CSVRecords reads a headed CSV into lowercase-keyed records. Legacy
// CamelCase id columns (TopazID, WeppID) are normalized to snake case.
func CSVRecords(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i, h := range header {
		header[i] = NormalizeColumn(h)
	}

	var out []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, v := range rec {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(v)
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// NormalizeColumn maps a legacy column header to its snake case name.
func NormalizeColumn(h string) string {
	switch strings.TrimSpace(h) {
	case "TopazID", "topaz", "TOPAZ_ID":
		return "topaz_id"
	case "WeppID", "wepp", "WEPP_ID":
		return "wepp_id"
	case "Order":
		return "order"
	}
	return strings.ToLower(strings.TrimSpace(h))
}

func recInt(rec map[string]string, key string) (int32, error) {
	v, ok := rec[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %q is not numeric", key, v)
	}
	return int32(f), nil
}

func recFloat(rec map[string]string, key string) (float64, error) {
	v, ok := rec[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %q is not numeric", key, v)
	}
	return f, nil
}

// rowDecoder collects the first parse error across many columns.
type rowDecoder struct {
	rec map[string]string
	err error
}

func (d *rowDecoder) int(key string) int32 {
	v, err := recInt(d.rec, key)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *rowDecoder) float(key string) float64 {
	v, err := recFloat(d.rec, key)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

// HillslopeRowsFromCSV decodes the abstraction tool's hillslopes.csv.
func HillslopeRowsFromCSV(path string) ([]HillslopeRow, error) {
	recs, err := CSVRecords(path)
	if err != nil {
		return nil, err
	}
	rows, err := HillslopeRowsFromRecords(recs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// HillslopeRowsFromRecords decodes lowercase-keyed records.
func HillslopeRowsFromRecords(recs []map[string]string) ([]HillslopeRow, error) {
	rows := make([]HillslopeRow, 0, len(recs))
	for _, rec := range recs {
		d := rowDecoder{rec: rec}
		rows = append(rows, HillslopeRow{
			TopazID:     d.int("topaz_id"),
			WeppID:      d.int("wepp_id"),
			Length:      d.float("length"),
			Width:       d.float("width"),
			Area:        d.float("area"),
			Slope:       d.float("slope_scalar"),
			Aspect:      d.float("aspect"),
			Elevation:   d.float("elevation"),
			CentroidX:   d.float("centroid_x"),
			CentroidY:   d.float("centroid_y"),
			CentroidLon: d.float("centroid_lon"),
			CentroidLat: d.float("centroid_lat"),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return rows, nil
}

// ChannelRowsFromCSV decodes channels.csv.
func ChannelRowsFromCSV(path string) ([]ChannelRow, error) {
	recs, err := CSVRecords(path)
	if err != nil {
		return nil, err
	}
	rows, err := ChannelRowsFromRecords(recs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ChannelRowsFromRecords decodes lowercase-keyed records.
func ChannelRowsFromRecords(recs []map[string]string) ([]ChannelRow, error) {
	rows := make([]ChannelRow, 0, len(recs))
	for _, rec := range recs {
		d := rowDecoder{rec: rec}
		rows = append(rows, ChannelRow{
			TopazID:     d.int("topaz_id"),
			WeppID:      d.int("wepp_id"),
			Order:       d.int("order"),
			Length:      d.float("length"),
			Width:       d.float("width"),
			Area:        d.float("area"),
			Slope:       d.float("slope_scalar"),
			Elevation:   d.float("elevation"),
			CentroidX:   d.float("centroid_x"),
			CentroidY:   d.float("centroid_y"),
			CentroidLon: d.float("centroid_lon"),
			CentroidLat: d.float("centroid_lat"),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return rows, nil
}

// FlowpathRowsFromCSV decodes flowpaths.csv.
func FlowpathRowsFromCSV(path string) ([]FlowpathRow, error) {
	recs, err := CSVRecords(path)
	if err != nil {
		return nil, err
	}
	rows, err := FlowpathRowsFromRecords(recs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// FlowpathRowsFromRecords decodes lowercase-keyed records.
func FlowpathRowsFromRecords(recs []map[string]string) ([]FlowpathRow, error) {
	rows := make([]FlowpathRow, 0, len(recs))
	for _, rec := range recs {
		d := rowDecoder{rec: rec}
		rows = append(rows, FlowpathRow{
			TopazID: d.int("topaz_id"),
			FpID:    d.int("fp_id"),
			Length:  d.float("length"),
			Slope:   d.float("slope_scalar"),
			Area:    d.float("area"),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return rows, nil
}

func (d *rowDecoder) str(key string) string {
	return d.rec[key]
}

// LanduseRowsFromRecords decodes landuse table records.
func LanduseRowsFromRecords(recs []map[string]string) ([]LanduseRow, error) {
	rows := make([]LanduseRow, 0, len(recs))
	for _, rec := range recs {
		d := rowDecoder{rec: rec}
		rows = append(rows, LanduseRow{
			TopazID: d.int("topaz_id"),
			WeppID:  d.int("wepp_id"),
			Key:     d.str("key"),
			Desc:    d.str("desc"),
			Area:    d.float("area"),
			Cancov:  d.float("cancov"),
			Inrcov:  d.float("inrcov"),
			Rilcov:  d.float("rilcov"),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return rows, nil
}

// SoilRowsFromRecords decodes soils table records.
func SoilRowsFromRecords(recs []map[string]string) ([]SoilRow, error) {
	rows := make([]SoilRow, 0, len(recs))
	for _, rec := range recs {
		d := rowDecoder{rec: rec}
		rows = append(rows, SoilRow{
			TopazID: d.int("topaz_id"),
			WeppID:  d.int("wepp_id"),
			Mukey:   d.str("mukey"),
			Desc:    d.str("desc"),
			Fname:   d.str("fname"),
			Area:    d.float("area"),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return rows, nil
}
