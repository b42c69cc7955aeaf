package migrations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// idColumns are the canonical id columns, stored as INT32.
var idColumns = map[string]bool{"topaz_id": true, "wepp_id": true}

// legacyTable is a parquet file read without a row type.
type legacyTable struct {
	records []map[string]string
	stale   bool // legacy column names or id dtypes
}

// readLegacyTable loads every row of a flat parquet file as string records
// keyed by normalized column name.
func readLegacyTable(path string) (*legacyTable, error) {
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
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	fields := pf.Schema().Fields()
	if len(pf.Schema().Columns()) != len(fields) {
		return nil, fmt.Errorf("%s: nested schemas are not supported", path)
	}
	t := &legacyTable{}
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = modules.NormalizeColumn(field.Name())
		if names[i] != field.Name() {
			t.stale = true
		}
		if idColumns[names[i]] && (!field.Leaf() || field.Type().Kind() != parquet.Int32) {
			t.stale = true
		}
	}

	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		if err := t.readRows(rg.Rows(), buf, names); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return t, nil
}

func (t *legacyTable) readRows(rows parquet.Rows, buf []parquet.Row, names []string) error {
	defer rows.Close()
	for {
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			rec := make(map[string]string, len(names))
			for _, v := range row {
				if c := v.Column(); c >= 0 && c < len(names) {
					rec[names[c]] = valueString(v)
				}
			}
			t.records = append(t.records, rec)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func valueString(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return strings.TrimSpace(string(v.ByteArray()))
	}
	return ""
}

// normalizeTable rewrites path with the canonical row type when its schema
// still carries legacy column names or non-INT32 ids.
func normalizeTable[T any](path string, decode func([]map[string]string) ([]T, error)) (bool, error) {
	t, err := readLegacyTable(path)
	if err != nil {
		return false, err
	}
	if !t.stale {
		return false, nil
	}
	rows, err := decode(t.records)
	if err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return true, modules.WriteTable(path, rows)
}

// tableFromCSV writes <stem>.parquet from a legacy <stem>.csv.
func tableFromCSV[T any](dir, stem string, decode func(string) ([]T, error)) (bool, error) {
	csvPath := filepath.Join(dir, stem+".csv")
	if !fileExists(csvPath) {
		return false, nil
	}
	rows, err := decode(csvPath)
	if err != nil {
		return false, err
	}
	return true, modules.WriteTable(modules.TablePath(dir, stem), rows)
}

// migrateTable converts or normalizes one table and reports what it did.
func migrateTable[T any](dir, stem string, fromCSV func(string) ([]T, error), fromRecords func([]map[string]string) ([]T, error)) (string, error) {
	path := modules.TablePath(dir, stem)
	if !fileExists(path) {
		if fromCSV == nil {
			return "", nil
		}
		ok, err := tableFromCSV(dir, stem, fromCSV)
		if err != nil || !ok {
			return "", err
		}
		return stem + ".csv -> parquet", nil
	}
	ok, err := normalizeTable(path, fromRecords)
	if err != nil || !ok {
		return "", err
	}
	return stem + ".parquet normalized", nil
}

func migrateWatersheds(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	dir := wd.WatershedDir(t.WD)
	var done []string
	note := func(msg string, err error) error {
		if msg != "" {
			done = append(done, msg)
		}
		return err
	}
	if err := note(migrateTable(dir, modules.HillslopesTable, modules.HillslopeRowsFromCSV, modules.HillslopeRowsFromRecords)); err != nil {
		return Outcome{}, err
	}
	if err := note(migrateTable(dir, modules.ChannelsTable, modules.ChannelRowsFromCSV, modules.ChannelRowsFromRecords)); err != nil {
		return Outcome{}, err
	}
	if err := note(migrateTable(dir, modules.FlowpathsTable, modules.FlowpathRowsFromCSV, modules.FlowpathRowsFromRecords)); err != nil {
		return Outcome{}, err
	}
	if len(done) == 0 {
		return skipped("watershed tables are current")
	}
	return applied("%s", strings.Join(done, ", "))
}

func migrateLanduseParquet(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	msg, err := migrateTable[modules.LanduseRow](wd.LanduseDir(t.WD), modules.LanduseTable, nil, modules.LanduseRowsFromRecords)
	if err != nil {
		return Outcome{}, err
	}
	if msg == "" {
		return skipped("landuse table is current")
	}
	return applied("%s", msg)
}

func migrateSoilsParquet(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	msg, err := migrateTable[modules.SoilRow](wd.SoilsDir(t.WD), modules.SoilsTable, nil, modules.SoilRowsFromRecords)
	if err != nil {
		return Outcome{}, err
	}
	if msg == "" {
		return skipped("soils table is current")
	}
	return applied("%s", msg)
}
