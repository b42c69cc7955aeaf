package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// ClimateMode selects the climate source.
type ClimateMode int

const (
	ClimateStochastic ClimateMode = iota
	ClimateObserved
	ClimateFuture
	ClimateSingleStorm
	ClimateUserDefined
)

// ClimateSpatialMode selects one climate for the watershed or one per hillslope.
type ClimateSpatialMode int

const (
	ClimateSpatialSingle ClimateSpatialMode = iota
	ClimateSpatialMultiple
)

// SingleStorm describes a design storm.
type SingleStorm struct {
	Date       string  `json:"date"`
	DepthMM    float64 `json:"depth_mm" validate:"gt=0"`
	DurationH  float64 `json:"duration_h" validate:"gt=0"`
	TimeToPeak float64 `json:"time_to_peak" validate:"gte=0,lte=1"`
	MaxIntens  float64 `json:"max_intensity_mm_h" validate:"gte=0"`
}

// Climate holds the station selection and the generated climate files.
type Climate struct {
	Mode          ClimateMode        `json:"climate_mode"`
	SpatialMode   ClimateSpatialMode `json:"climate_spatialmode"`
	StationID     string             `json:"climatestation,omitempty"`
	StationName   string             `json:"climatestation_name,omitempty"`
	Years         int                `json:"input_years"`
	ObservedStart int                `json:"observed_start_year,omitempty"`
	ObservedEnd   int                `json:"observed_end_year,omitempty"`
	Storm         *SingleStorm       `json:"single_storm,omitempty"`
	CliFname      string             `json:"cli_fn,omitempty"`
	ParFname      string             `json:"par_fn,omitempty"`
	SubCliFnames  map[string]string  `json:"sub_cli_fns,omitempty"`
	BuiltAt       *time.Time         `json:"built_at,omitempty"`
	PrecipScale   float64            `json:"precip_scale_factor,omitempty"`
}

func (Climate) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "climate",
		Tag:     "wepppy.nodb.core.climate.Climate",
		Legacy:  []string{"wepppy.nodb.climate.Climate"},
		Version: 1,
	}
}

// MaxStochasticYears bounds generated climate length.
const MaxStochasticYears = 1000

// SetStation selects the climate station.
func (c *Climate) SetStation(id, name string) error {
	if id == "" {
		return models.NewValidationError("climatestation", "station id is required")
	}
	if c.StationID != id {
		c.CliFname = ""
		c.ParFname = ""
		c.SubCliFnames = nil
		c.BuiltAt = nil
	}
	c.StationID = id
	c.StationName = name
	return nil
}

// Configure validates and applies the mode specific parameters.
func (c *Climate) Configure(mode ClimateMode, years, start, end int, storm *SingleStorm) error {
	switch mode {
	case ClimateStochastic, ClimateFuture:
		if years < 1 || years > MaxStochasticYears {
			return models.NewValidationError("input_years", "years must be between 1 and %d", MaxStochasticYears)
		}
		c.Years = years
	case ClimateObserved:
		now := time.Now().Year()
		if start < 1980 || end < start || end > now {
			return models.NewValidationError("observed_years", "observed years must satisfy 1980 <= start <= end <= %d", now)
		}
		c.ObservedStart, c.ObservedEnd = start, end
		c.Years = end - start + 1
	case ClimateSingleStorm:
		if storm == nil {
			return models.NewValidationError("single_storm", "storm parameters are required")
		}
		s := *storm
		c.Storm = &s
		c.Years = 1
	case ClimateUserDefined:
	default:
		return models.NewValidationError("climate_mode", "unknown climate mode %d", mode)
	}
	c.Mode = mode
	return nil
}

// IsSingleStorm reports whether WEPP runs event mode, which produces fewer outputs.
func (c *Climate) IsSingleStorm() bool {
	return c.Mode == ClimateSingleStorm
}

// RecordBuild stores generated file names relative to the climate dir.
func (c *Climate) RecordBuild(cli, par string, perHillslope map[string]string, at time.Time) {
	c.CliFname = cli
	c.ParFname = par
	if len(perHillslope) > 0 {
		c.SpatialMode = ClimateSpatialMultiple
		c.SubCliFnames = perHillslope
	} else {
		c.SpatialMode = ClimateSpatialSingle
		c.SubCliFnames = nil
	}
	c.BuiltAt = &at
}

// HillslopeClimate returns the climate file for a hillslope.
func (c *Climate) HillslopeClimate(topazID string) string {
	if fn, ok := c.SubCliFnames[topazID]; ok {
		return fn
	}
	return c.CliFname
}
