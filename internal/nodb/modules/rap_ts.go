package modules

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
)

// RAP fractional cover bands.
var RAPBands = []string{"AFG", "PFG", "SHR", "TRE", "LTR", "BGR"}

// FirstRAPYear is the first year of the Rangeland Analysis Platform record.
const FirstRAPYear = 1986

// RapRow is one row of rap/rap_ts.parquet.
type RapRow struct {
	TopazID int32   `parquet:"topaz_id"`
	Year    int32   `parquet:"year"`
	Band    string  `parquet:"band"`
	Cover   float64 `parquet:"cover_pct"`
}

// RapTS tracks the RAP cover time series for the run.
type RapTS struct {
	StartYear   int        `json:"start_year"`
	EndYear     int        `json:"end_year"`
	Rows        int        `json:"row_count"`
	RetrievedAt *time.Time `json:"retrieved_at,omitempty"`
}

func (RapTS) Kind() nodb.Kind {
	return nodb.Kind{
		Module:  "rap_ts",
		Tag:     "wepppy.nodb.mods.rap.rap_ts.RAP_TS",
		Version: 1,
	}
}

// SetYears validates the requested year range.
func (r *RapTS) SetYears(start, end int) error {
	if start < FirstRAPYear || end < start || end > time.Now().Year() {
		return models.NewValidationError("years", "years must satisfy %d <= start <= end <= current year", FirstRAPYear)
	}
	r.StartYear, r.EndYear = start, end
	return nil
}

// Years lists the years in range.
func (r *RapTS) Years() []int {
	var out []int
	for y := r.StartYear; y <= r.EndYear && r.StartYear > 0; y++ {
		out = append(out, y)
	}
	return out
}

// RecordRun notes a completed retrieval.
func (r *RapTS) RecordRun(rows int, at time.Time) {
	r.Rows = rows
	r.RetrievedAt = &at
}
