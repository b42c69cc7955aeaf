package interchange

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type watershedReport struct {
	source   string
	minCols  int
	stormToo bool // required for single storm runs as well
	write    func(rows [][]float64, dest string) (string, error)
}

func convert[T any](rows [][]float64, fn func([]float64) T) []T {
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = fn(r)
	}
	return out
}

func writer[T any](name string, units map[string]string, fn func([]float64) T) func([][]float64, string) (string, error) {
	return func(rows [][]float64, dest string) (string, error) {
		return name, writeDataset(dest, name, convert(rows, fn), units)
	}
}

var watershedReports = []watershedReport{
	{source: "pass_pw0.txt", minCols: 7, stormToo: true, write: writer(PassPw0, passUnits, passRow)},
	{source: "ebe_pw0.txt", minCols: 8, stormToo: true, write: writer(EbePw0, ebeUnits, ebeRow)},
	{source: "loss_pw0.txt", minCols: 5, stormToo: true, write: writer(LossPw0, lossPw0Units, lossPw0Row)},
	{source: "chan.out", minCols: 6, write: writer(ChanOut, chanUnits, chanPeakRow)},
	{source: "chanwb.out", minCols: 9, write: writer(ChanWB, chanWBUnits, chanWBRow)},
	{source: "chnwb.txt", minCols: 12, write: writer(ChnWB, chnWBUnits, chnWBRow)},
	{source: "soil_pw0.txt", minCols: 14, write: writer(SoilPw0, soilUnits, func(f []float64) SoilRow {
		return soilRow(int32(f[0]), f)
	})},
}

// HasWatershedRun reports whether outputDir holds watershed reports.
func HasWatershedRun(outputDir string) bool {
	for _, name := range []string{"pass_pw0.txt", "loss_pw0.txt"} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err == nil {
			return true
		}
	}
	return false
}

// buildWatershed converts the watershed reports. Reports that a single storm
// run does not produce are skipped when absent.
func buildWatershed(outputDir, dest string, singleStorm bool) ([]string, error) {
	var written []string
	for _, r := range watershedReports {
		rows, err := readNumeric(filepath.Join(outputDir, r.source), r.minCols)
		if errors.Is(err, os.ErrNotExist) {
			if singleStorm && !r.stormToo {
				continue
			}
			return nil, fmt.Errorf("missing required WEPP output %s", r.source)
		}
		if err != nil {
			return nil, err
		}
		name, err := r.write(rows, dest)
		if err != nil {
			return nil, err
		}
		written = append(written, name)
	}
	return written, nil
}
