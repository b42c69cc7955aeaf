package interchange

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// readNumeric returns the rows of a WEPP text report that consist only of
// numbers and have at least minCols fields. Headers, banners and overflowed
// fields ("*****") are skipped.
func readNumeric(path string, minCols int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < minCols {
			continue
		}
		row := make([]float64, 0, len(fields))
		ok := true
		for _, field := range fields {
			v, err := parseFortranFloat(field)
			if err != nil {
				ok = false
				break
			}
			row = append(row, v)
		}
		if ok {
			rows = append(rows, row)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// parseFortranFloat accepts Fortran D exponents (1.0D+02).
func parseFortranFloat(s string) (float64, error) {
	if strings.ContainsAny(s, "dD") {
		s = strings.NewReplacer("D", "E", "d", "e").Replace(s)
	}
	return strconv.ParseFloat(s, 64)
}

// writeDataset writes rows to dir/name atomically, attaching the column units
// as key/value metadata.
func writeDataset[T any](dir, name string, rows []T, units map[string]string) error {
	meta, err := json.Marshal(units)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[T](f,
		parquet.KeyValueMetadata("units", string(meta)),
		parquet.KeyValueMetadata("dataset", strings.TrimSuffix(name, ".parquet")),
	)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// ReadDataset loads a dataset written by the builders.
func ReadDataset[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// Units returns the units metadata of a dataset file.
func Units(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, err
	}
	raw, ok := pf.Lookup("units")
	if !ok {
		return map[string]string{}, nil
	}
	units := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &units); err != nil {
		return nil, err
	}
	return units, nil
}
