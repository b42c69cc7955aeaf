package interchange

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

var hillslopeLossPattern = regexp.MustCompile(`^H(\d+)\.loss\.dat$`)

// hillslopeIDs lists the WEPP ids with a loss report in outputDir.
func hillslopeIDs(outputDir string) ([]int32, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}
	var ids []int32
	for _, e := range entries {
		m := hillslopeLossPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ids = append(ids, int32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

type hillslopeTables struct {
	mu   sync.Mutex
	wat  []WatRow
	loss []LossRow
	soil []SoilRow
}

// buildHillslopes parses the per-hillslope reports into the three hillslope
// datasets. Single storm runs produce only loss reports.
func buildHillslopes(ctx context.Context, outputDir, dest string, singleStorm bool, ncpu int) ([]string, error) {
	ids, err := hillslopeIDs(outputDir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no hillslope loss reports in %s", outputDir)
	}

	tables := &hillslopeTables{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ncpu, 1))
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return tables.add(outputDir, id, singleStorm)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(tables.loss, func(i, j int) bool {
		a, b := tables.loss[i], tables.loss[j]
		if a.WeppID != b.WeppID {
			return a.WeppID < b.WeppID
		}
		return a.Year < b.Year
	})
	written := []string{HillslopeLoss}
	if err := writeDataset(dest, HillslopeLoss, tables.loss, lossUnits); err != nil {
		return nil, err
	}
	if singleStorm {
		return written, nil
	}

	sort.Slice(tables.wat, func(i, j int) bool {
		a, b := tables.wat[i], tables.wat[j]
		return dailyLess(a.WeppID, a.Year, a.Julian, b.WeppID, b.Year, b.Julian)
	})
	sort.Slice(tables.soil, func(i, j int) bool {
		a, b := tables.soil[i], tables.soil[j]
		return dailyLess(a.WeppID, a.Year, a.Julian, b.WeppID, b.Year, b.Julian)
	})
	if err := writeDataset(dest, HillslopeWat, tables.wat, watUnits); err != nil {
		return nil, err
	}
	if err := writeDataset(dest, HillslopeSoil, tables.soil, soilUnits); err != nil {
		return nil, err
	}
	return append(written, HillslopeWat, HillslopeSoil), nil
}

func dailyLess(idA, yearA, dayA, idB, yearB, dayB int32) bool {
	if idA != idB {
		return idA < idB
	}
	if yearA != yearB {
		return yearA < yearB
	}
	return dayA < dayB
}

func (t *hillslopeTables) add(outputDir string, id int32, singleStorm bool) error {
	prefix := filepath.Join(outputDir, fmt.Sprintf("H%d", id))

	lossRows, err := readNumeric(prefix+".loss.dat", 5)
	if err != nil {
		return err
	}
	loss := make([]LossRow, len(lossRows))
	for i, f := range lossRows {
		loss[i] = lossRow(id, f)
	}

	var wat []WatRow
	var soil []SoilRow
	if !singleStorm {
		watRows, err := readNumeric(prefix+".wat.dat", 17)
		if err != nil {
			return requiredOutput(err)
		}
		wat = make([]WatRow, len(watRows))
		for i, f := range watRows {
			wat[i] = watRow(id, f)
		}
		soilRows, err := readNumeric(prefix+".soil.dat", 14)
		if err != nil {
			return requiredOutput(err)
		}
		soil = make([]SoilRow, len(soilRows))
		for i, f := range soilRows {
			soil[i] = soilRow(id, f)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loss = append(t.loss, loss...)
	t.wat = append(t.wat, wat...)
	t.soil = append(t.soil, soil...)
	return nil
}

func requiredOutput(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("missing required WEPP output: %w", err)
	}
	return err
}

// HillslopeSediment returns the mean annual sediment delivery (tonnes) of
// each hillslope, keyed by WEPP id, from an interchange directory.
func HillslopeSediment(interchangeDir string) (map[int]float64, error) {
	rows, err := ReadDataset[LossRow](filepath.Join(interchangeDir, HillslopeLoss))
	if err != nil {
		return nil, err
	}
	sums := make(map[int]float64)
	years := make(map[int]map[int32]bool)
	for _, r := range rows {
		id := int(r.WeppID)
		sums[id] += r.SedimentDel
		if years[id] == nil {
			years[id] = make(map[int32]bool)
		}
		years[id][r.Year] = true
	}
	out := make(map[int]float64, len(sums))
	for id, total := range sums {
		out[id] = total / 1000 / float64(len(years[id]))
	}
	return out, nil
}
