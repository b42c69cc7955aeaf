package modules

import (
	"fmt"
	"strings"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Burn severity classes.
const (
	BurnUnburned = iota
	BurnLow
	BurnModerate
	BurnHigh
)

var burnClassNames = [...]string{"unburned", "low", "moderate", "high"}

// BurnClassName returns the name of a burn class.
func BurnClassName(class int) string {
	if class < 0 || class >= len(burnClassNames) {
		return "unknown"
	}
	return burnClassNames[class]
}

// BurnClass maps a soil burn severity raster value to a class. Both the
// 130-133 SBS codes and the 1-4 BARC classes are accepted; anything else is -1.
func BurnClass(v float64) int {
	switch iv := int(v); {
	case iv >= 130 && iv <= 133:
		return iv - 130
	case iv >= 1 && iv <= 4:
		return iv - 1
	}
	return -1
}

// Disturbed holds the soil burn severity map and its per-hillslope classes.
type Disturbed struct {
	SBSFname     string         `json:"sbs_fn,omitempty"`
	HasSBS       bool           `json:"has_sbs"`
	ClassCounts  map[string]int `json:"class_pixel_counts,omitempty"`
	HillslopeSev map[string]int `json:"hillslope_burn_class,omitempty"`
}

func (Disturbed) Kind() nodb.Kind {
	return nodb.Kind{
		Module: "disturbed",
		Tag:    "wepppy.nodb.mods.disturbed.Disturbed",
		Legacy: []string{
			"wepppy.nodb.mods.baer.Baer",
			"wepppy.nodb.mods.disturbed.disturbed.Disturbed",
		},
		Version: 1,
	}
}

// SetSBS classifies the burn severity raster and records the dominant class of
// every hillslope. fname is stored relative to the disturbed directory.
func (d *Disturbed) SetSBS(fname string, sbs, subwta *geo.Grid) error {
	if err := geo.CheckAligned(subwta, sbs, "sbs"); err != nil {
		return err
	}
	counts := make(map[string]int)
	classes := geo.NewGrid(sbs.Rows, sbs.Cols, sbs.Transform, -1)
	classes.NoData, classes.HasNoData = -1, true
	for i, v := range sbs.Data {
		if sbs.IsNoData(v) {
			continue
		}
		c := BurnClass(v)
		if c < 0 {
			continue
		}
		classes.Data[i] = float64(c)
		counts[BurnClassName(c)]++
	}
	if len(counts) == 0 {
		return fmt.Errorf("sbs raster has no burn severity cells")
	}

	sev := make(map[string]int)
	for id, c := range geo.Majority(geo.Zones(subwta), classes) {
		if geo.IsChannelID(id) {
			continue
		}
		sev[fmt.Sprint(id)] = c
	}
	d.SBSFname = fname
	d.HasSBS = true
	d.ClassCounts = counts
	d.HillslopeSev = sev
	return nil
}

// SetUniform assigns one burn class to every hillslope, as the uniform omni
// scenarios do. No raster is recorded.
func (d *Disturbed) SetUniform(class int, hillslopes []int) error {
	if class < BurnUnburned || class > BurnHigh {
		return models.NewValidationError("burn_class", "unknown burn class %d", class)
	}
	sev := make(map[string]int, len(hillslopes))
	for _, id := range hillslopes {
		sev[fmt.Sprint(id)] = class
	}
	d.SBSFname = ""
	d.HasSBS = class != BurnUnburned
	d.ClassCounts = map[string]int{BurnClassName(class): len(hillslopes)}
	d.HillslopeSev = sev
	return nil
}

// Clear removes the burn severity map.
func (d *Disturbed) Clear() {
	d.SBSFname = ""
	d.HasSBS = false
	d.ClassCounts = nil
	d.HillslopeSev = nil
}

// burnable NLCD classes: forest, shrub and grass.
var burnable = map[string]bool{"41": true, "42": true, "43": true, "52": true, "71": true, "81": true, "90": true}

// ApplyToLanduse replaces the landuse of burned hillslopes with the matching
// disturbed class, e.g. "42-high".
func (d *Disturbed) ApplyToLanduse(l *Landuse, ws *Watershed) {
	if !d.HasSBS {
		return
	}
	for key, base := range l.Domlc {
		base = BaseLanduse(base)
		class, ok := d.HillslopeSev[key]
		if !ok || class == BurnUnburned || !burnable[base] {
			l.Domlc[key] = base
			continue
		}
		l.Domlc[key] = base + "-" + BurnClassName(class)
	}
	l.summarize(ws)
}

// BaseLanduse strips a disturbed suffix from a landuse key.
func BaseLanduse(key string) string {
	if i := strings.IndexByte(key, '-'); i > 0 {
		return key[:i]
	}
	return key
}
