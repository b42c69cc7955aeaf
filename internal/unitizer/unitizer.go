// Package unitizer holds the unit categories shown in reports and the
// per-run display preferences.
package unitizer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
)

// ErrUnknownPreference is returned in strict mode for keys outside the table.
var ErrUnknownPreference = errors.New("unknown unit preference")

// Option is one unit of a category with its factor to the category's base unit.
type Option struct {
	Unit   string
	Factor float64
	Offset float64
}

// Category groups interchangeable units. The first option is the SI default.
type Category struct {
	Key     string
	Options []Option
}

// Categories is the table of unit categories.
var Categories = []Category{
	{"length", []Option{{"m", 1, 0}, {"ft", 0.3048, 0}}},
	{"distance", []Option{{"km", 1000, 0}, {"mi", 1609.344, 0}}},
	{"sm-length", []Option{{"mm", 0.001, 0}, {"in", 0.0254, 0}}},
	{"area", []Option{{"ha", 10000, 0}, {"acre", 4046.8564224, 0}, {"km^2", 1e6, 0}, {"mi^2", 2589988.110336, 0}}},
	{"sm-area", []Option{{"m^2", 1, 0}, {"ft^2", 0.09290304, 0}}},
	{"volume", []Option{{"m^3", 1, 0}, {"ft^3", 0.028316846592, 0}, {"acre-ft", 1233.48183754752, 0}}},
	{"flow", []Option{{"m^3/s", 1, 0}, {"ft^3/s", 0.028316846592, 0}}},
	{"mass", []Option{{"tonne", 1000, 0}, {"ton", 907.18474, 0}, {"kg", 1, 0}, {"lb", 0.45359237, 0}}},
	{"sed-yield-area", []Option{{"tonne/ha", 0.1, 0}, {"ton/acre", 0.2241701656, 0}, {"kg/m^2", 1, 0}}},
	{"currency-area", []Option{{"$/ha", 1, 0}, {"$/acre", 2.4710538147, 0}}},
	{"temperature", []Option{{"degC", 1, 0}, {"degF", 5.0 / 9.0, -32 * 5.0 / 9.0}}},
	{"concentration", []Option{{"mg/l", 1, 0}, {"ppm", 1, 0}}},
}

// Lookup returns the category for key.
func Lookup(key string) (Category, bool) {
	for _, c := range Categories {
		if c.Key == key {
			return c, true
		}
	}
	return Category{}, false
}

func (c Category) option(unit string) (Option, bool) {
	for _, o := range c.Options {
		if o.Unit == unit {
			return o, true
		}
	}
	return Option{}, false
}

// Defaults returns the SI preference for every category.
func Defaults() map[string]string {
	prefs := make(map[string]string, len(Categories))
	for _, c := range Categories {
		prefs[c.Key] = c.Options[0].Unit
	}
	return prefs
}

// SetPreferences applies prefs on top of current and returns the merged
// preferences plus the keys that were ignored. Unknown keys are logged and
// skipped, or fail with ErrUnknownPreference when strict is set. A known key
// with a unit outside its category is a validation error.
func SetPreferences(current, prefs map[string]string, strict bool, logger arbor.ILogger) (map[string]string, []string, error) {
	out := Defaults()
	for k, v := range current {
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}

	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ignored []string
	for _, key := range keys {
		unit := prefs[key]
		cat, ok := Lookup(key)
		if !ok {
			if strict {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPreference, key)
			}
			logger.Warn().Str("preference", key).Msg("Ignoring unknown unit preference " + key)
			ignored = append(ignored, key)
			continue
		}
		if _, ok := cat.option(unit); !ok {
			return nil, nil, models.NewValidationError(key, "unit %q is not valid for %s", unit, key)
		}
		out[key] = unit
	}
	return out, ignored, nil
}

// Convert converts value between two units of a category.
func Convert(category string, value float64, from, to string) (float64, error) {
	cat, ok := Lookup(category)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPreference, category)
	}
	src, ok := cat.option(from)
	if !ok {
		return 0, models.NewValidationError(category, "unit %q is not valid for %s", from, category)
	}
	dst, ok := cat.option(to)
	if !ok {
		return 0, models.NewValidationError(category, "unit %q is not valid for %s", to, category)
	}
	base := value*src.Factor + src.Offset
	return (base - dst.Offset) / dst.Factor, nil
}
