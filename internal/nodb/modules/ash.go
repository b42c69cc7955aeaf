package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// Ash transport models.
const (
	AshModelMulti = "multi"
	AshModelAlex  = "alex"
)

// Ash holds WATAR (wildfire ash transport) inputs and results.
type Ash struct {
	Model         string             `json:"model"`
	FireDate      string             `json:"fire_date"`
	IniBlackDepth float64            `json:"ini_black_ash_depth_mm"`
	IniWhiteDepth float64            `json:"ini_white_ash_depth_mm"`
	Transported   map[string]float64 `json:"ash_transport_t,omitempty"`
	RanAt         *time.Time         `json:"ran_at,omitempty"`
}

func (Ash) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "ash",
		Tag:     "wepppy.nodb.mods.ash_transport.Ash",
		Legacy:  []string{"wepppy.nodb.mods.ash_transport.ash.Ash"},
		Version: 1,
	}
}

// Configure validates and stores the run inputs. fireDate is "M/D".
func (a *Ash) Configure(model, fireDate string, black, white float64) error {
	if model != AshModelMulti && model != AshModelAlex {
		return models.NewValidationError("ash_model", "unknown ash model %q", model)
	}
	if _, err := time.Parse("1/2", fireDate); err != nil {
		return models.NewValidationError("fire_date", "fire date must be M/D, got %q", fireDate)
	}
	if black < 0 || white < 0 {
		return models.NewValidationError("ash_depth", "ash depths must not be negative")
	}
	a.Model = model
	a.FireDate = fireDate
	a.IniBlackDepth = black
	a.IniWhiteDepth = white
	return nil
}

// RecordRun stores transported ash (tonnes) per hillslope.
func (a *Ash) RecordRun(transported map[string]float64, at time.Time) {
	a.Transported = transported
	a.RanAt = &at
}
