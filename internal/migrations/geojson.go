package migrations

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/weppcloud/weppcloud/internal/wd"
)

// WBTGeoJSON lists the delineation vectors under dem/wbt.
var WBTGeoJSON = []string{
	"bound.geojson",
	"netful.geojson",
	"channels.geojson",
	"subcatchments.geojson",
}

// integerProperties are coerced to JSON integers.
var integerProperties = []string{"TopazID", "WeppID", "Order", "topaz_id", "wepp_id", "order"}

// coerceInt reports the integer form of a property value and whether the
// stored form differs from it.
func coerceInt(v interface{}) (int64, bool, error) {
	switch x := v.(type) {
	case float64:
		r := math.Round(x)
		return int64(r), r != x, nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%q is not numeric", x)
		}
		return int64(math.Round(f)), true, nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false, ferr
			}
			return int64(math.Round(f)), true, nil
		}
		return n, false, nil
	case nil:
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("unexpected %T", v)
}

// CoerceFeatureIDs rewrites id-like properties of every feature to integers
// and returns how many values changed.
func CoerceFeatureIDs(fc *geojson.FeatureCollection) (int, error) {
	changed := 0
	for i, f := range fc.Features {
		for _, key := range integerProperties {
			v, ok := f.Properties[key]
			if !ok || v == nil {
				continue
			}
			n, differs, err := coerceInt(v)
			if err != nil {
				return changed, fmt.Errorf("feature %d %s: %w", i, key, err)
			}
			if differs {
				f.Properties[key] = n
				changed++
			}
		}
	}
	return changed, nil
}

func migrateWBTGeoJSON(_ context.Context, _ *Runner, t Target) (Outcome, error) {
	dir := wd.WBTDir(t.WD)
	var done []string
	for _, name := range WBTGeoJSON {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", name, err)
		}
		n, err := CoerceFeatureIDs(fc)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: %w", name, err)
		}
		if n == 0 {
			continue
		}
		out, err := json.Marshal(fc)
		if err != nil {
			return Outcome{}, err
		}
		if err := writeAtomic(path, out); err != nil {
			return Outcome{}, err
		}
		done = append(done, fmt.Sprintf("%s (%d values)", name, n))
	}
	if len(done) == 0 {
		return skipped("geojson ids are integers")
	}
	return applied("coerced ids in %s", strings.Join(done, ", "))
}
