package tasks

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

const defaultClimateYears = 100

var (
	initSBSMapStage = Stage{
		Name:    InitSBSMap,
		Topic:   status.TopicLanduse,
		Trigger: EventInitSBSMap,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskInitSBSMap},
	}
	buildLanduseStage = Stage{
		Name:    BuildLanduse,
		Topic:   status.TopicLanduse,
		Trigger: EventBuildLanduse,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskBuildLanduse},
	}
	buildSoilsStage = Stage{
		Name:    BuildSoils,
		Topic:   status.TopicSoils,
		Trigger: EventBuildSoils,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskBuildSoils},
	}
	buildClimateStage = Stage{
		Name:    BuildClimate,
		Topic:   status.TopicClimate,
		Trigger: EventBuildClimate,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskBuildClimate},
	}
)

// LandusePayload optionally switches the landuse mode before building.
type LandusePayload struct {
	Mode            Number `json:"landuse_mode" validate:"omitempty,gte=0,lte=2"`
	SingleSelection string `json:"landuse_single_selection,omitempty"`
}

// SoilsPayload optionally switches the soils mode before building.
type SoilsPayload struct {
	Mode            Number `json:"soil_mode" validate:"omitempty,gte=0,lte=1"`
	SingleSelection string `json:"soil_single_selection,omitempty"`
}

// ClimatePayload selects the station and climate mode.
type ClimatePayload struct {
	Station     string               `json:"climatestation,omitempty"`
	StationName string               `json:"climatestation_name,omitempty"`
	Mode        Number               `json:"climate_mode" validate:"omitempty,gte=0,lte=4"`
	Years       Number               `json:"input_years" validate:"omitempty,gt=0"`
	StartYear   Number               `json:"observed_start_year"`
	EndYear     Number               `json:"observed_end_year"`
	Storm       *modules.SingleStorm `json:"single_storm,omitempty"`
}

// SBSPayload names an uploaded soil burn severity raster, relative to the
// disturbed directory.
type SBSPayload struct {
	Path string `json:"sbs_path" validate:"required"`
}

// abstracted loads the watershed and fails when it has no hillslopes yet.
func (t *Task) abstracted(ctx context.Context) (*modules.Watershed, error) {
	ws, err := load[modules.Watershed](ctx, t)
	if err != nil {
		return nil, err
	}
	if len(ws.SubsSummary) == 0 {
		return nil, models.NewValidationError("watershed", "watershed has not been abstracted")
	}
	return ws, nil
}

// disturbed returns the Disturbed state, or nil when the run has none.
func (t *Task) disturbed(ctx context.Context) (*modules.Disturbed, error) {
	d, err := load[modules.Disturbed](ctx, t)
	if isNotFound(err) {
		return nil, nil
	}
	return d, err
}

func (e *Env) initSBSMap(ctx context.Context, x *worker.Execution) error {
	var p SBSPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, initSBSMapStage, func(ctx context.Context, t *Task) error {
		return t.initSBSMap(ctx, p.Path)
	})
}

func (t *Task) initSBSMap(ctx context.Context, name string) error {
	dir := wd.DisturbedDir(t.WD)
	src := name
	if !filepath.IsAbs(src) {
		src = filepath.Join(dir, src)
	}
	if !wd.IsWithin(t.WD, src) {
		return models.NewValidationError("sbs_path", "sbs file must be inside the run")
	}
	if _, err := os.Stat(src); err != nil {
		return models.NewValidationError("sbs_path", "Missing SBS file")
	}

	sub, err := t.subwta()
	if err != nil {
		return err
	}
	sbs, err := t.warpAligned(ctx, src, filepath.Join(dir, "sbs_aligned.tif"), sub, "near")
	if err != nil {
		return err
	}
	err = mutateOrCreate(ctx, t, func(ctx context.Context, d *modules.Disturbed) error {
		return d.SetSBS(wd.Relativize(dir, src), sbs, sub)
	})
	if err != nil {
		return err
	}
	if err := mutate(ctx, t, func(ctx context.Context, r *modules.Ron) error {
		r.AddMod("disturbed")
		return nil
	}); err != nil {
		return err
	}
	if t.Prep != nil {
		if err := t.Prep.SetHasSBS(ctx, true); err != nil {
			t.Logger.Warn().Err(err).Msg("Failed to record has_sbs")
		}
	}
	t.Progress(ctx, "soil burn severity map %s loaded", filepath.Base(src))
	return nil
}

func (e *Env) buildLanduse(ctx context.Context, x *worker.Execution) error {
	var p LandusePayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, buildLanduseStage, func(ctx context.Context, t *Task) error {
		return t.buildLanduse(ctx, p)
	})
}

func (t *Task) buildLanduse(ctx context.Context, p LandusePayload) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	var mode modules.LanduseMode
	err = mutate(ctx, t, func(ctx context.Context, l *modules.Landuse) error {
		if p.Mode.Set {
			if err := l.SetMode(modules.LanduseMode(p.Mode.Int()), p.SingleSelection); err != nil {
				return err
			}
		}
		mode = l.Mode
		return nil
	})
	if err != nil {
		return err
	}

	var sub, lc *geo.Grid
	if mode == modules.LanduseGridded {
		if sub, err = t.subwta(); err != nil {
			return err
		}
		lc, err = t.fetchAligned(ctx, t.env.Config.Services.LandcoverURL, wd.LanduseDir(t.WD), "nlcd", sub)
		if err != nil {
			return err
		}
	}
	dist, err := t.disturbed(ctx)
	if err != nil {
		return err
	}

	var rows []modules.LanduseRow
	err = mutate(ctx, t, func(ctx context.Context, l *modules.Landuse) error {
		if err := l.Build(ws, sub, lc); err != nil {
			return err
		}
		if dist != nil && dist.HasSBS {
			dist.ApplyToLanduse(l, ws)
		}
		rows = l.Rows(ws)
		return modules.WriteTable(modules.TablePath(wd.LanduseDir(t.WD), modules.LanduseTable), rows)
	})
	if err != nil {
		return err
	}
	t.Progress(ctx, "landuse assigned to %d hillslopes", len(rows))
	return nil
}

// fetchAligned downloads a raster for the run extent and warps it onto sub
// with majority resampling. Files are <dir>/<stem>_raw.tif, <stem>.tif and
// <stem>.asc; pups reuse an aligned <stem>.asc copied from the parent.
func (t *Task) fetchAligned(ctx context.Context, base, dir, stem string, sub *geo.Grid) (*geo.Grid, error) {
	if t.reuse {
		if g, err := geo.ReadASCIIFile(filepath.Join(dir, stem+".asc")); err == nil && geo.CheckAligned(sub, g, stem) == nil {
			return g, nil
		}
	}
	ron, err := load[modules.Ron](ctx, t)
	if err != nil {
		return nil, err
	}
	u, err := rasterURL(base, ron.MapExtent, 0, nil)
	if err != nil {
		return nil, err
	}
	raw := filepath.Join(dir, stem+"_raw.tif")
	if err := t.download(ctx, u, raw); err != nil {
		return nil, err
	}
	return t.warpAligned(ctx, raw, filepath.Join(dir, stem+".tif"), sub, "mode")
}

func (e *Env) buildSoils(ctx context.Context, x *worker.Execution) error {
	var p SoilsPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, buildSoilsStage, func(ctx context.Context, t *Task) error {
		return t.buildSoils(ctx, p)
	})
}

func (t *Task) buildSoils(ctx context.Context, p SoilsPayload) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	var mode modules.SoilsMode
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Soils) error {
		if p.Mode.Set {
			if err := s.SetMode(modules.SoilsMode(p.Mode.Int()), p.SingleSelection); err != nil {
				return err
			}
		}
		mode = s.Mode
		return nil
	})
	if err != nil {
		return err
	}

	dir := wd.SoilsDir(t.WD)
	var sub, mukeys *geo.Grid
	if mode == modules.SoilsGridded {
		if sub, err = t.subwta(); err != nil {
			return err
		}
		if mukeys, err = t.fetchAligned(ctx, t.env.Config.Services.SoilsURL, dir, "ssurgo", sub); err != nil {
			return err
		}
	}
	dist, err := t.disturbed(ctx)
	if err != nil {
		return err
	}
	burned := dist != nil && dist.HasSBS

	var built modules.Soils
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Soils) error {
		if err := s.Build(ws, sub, mukeys, nil); err != nil {
			return err
		}
		s.BuiltWithSBS = burned
		built = *s
		return nil
	})
	if err != nil {
		return err
	}

	keys := built.Mukeys()
	args := []string{"--mukeys", strings.Join(keys, ","), "--out", dir}
	if burned {
		args = append(args, "--disturbed", wd.DisturbedDir(t.WD))
	}
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.SoilBuilder, Args: args, Dir: dir}); err != nil {
		return err
	}
	for _, mk := range keys {
		if err := requireFile(filepath.Join(dir, modules.SoilFile(mk)), tools.SoilBuilder); err != nil {
			return err
		}
	}
	if err := modules.WriteTable(modules.TablePath(dir, modules.SoilsTable), built.Rows(ws)); err != nil {
		return err
	}
	t.Progress(ctx, "built %d soil files", len(keys))
	return nil
}

func (e *Env) buildClimate(ctx context.Context, x *worker.Execution) error {
	var p ClimatePayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, buildClimateStage, func(ctx context.Context, t *Task) error {
		return t.buildClimate(ctx, p)
	})
}

func (t *Task) buildClimate(ctx context.Context, p ClimatePayload) error {
	var c modules.Climate
	err := mutate(ctx, t, func(ctx context.Context, s *modules.Climate) error {
		station, name := p.Station, p.StationName
		if station == "" {
			station, name = s.StationID, s.StationName
		}
		if err := s.SetStation(station, name); err != nil {
			return err
		}
		mode := s.Mode
		if p.Mode.Set {
			mode = modules.ClimateMode(p.Mode.Int())
		}
		years := s.Years
		if p.Years.Set {
			years = p.Years.Int()
		}
		if years == 0 {
			years = defaultClimateYears
		}
		storm := p.Storm
		if storm == nil {
			storm = s.Storm
		}
		if err := s.Configure(mode, years, p.StartYear.Int(), p.EndYear.Int(), storm); err != nil {
			return err
		}
		c = *s
		return nil
	})
	if err != nil {
		return err
	}

	dir := wd.ClimateDir(t.WD)
	if err := wd.EnsureDir(dir); err != nil {
		return err
	}
	par := c.StationID + ".par"
	cli := c.StationID + ".cli"
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.Cligen, Args: cligenArgs(&c, par, cli), Dir: dir}); err != nil {
		return err
	}
	if err := requireFile(filepath.Join(dir, cli), tools.Cligen); err != nil {
		return err
	}
	if err := mutate(ctx, t, func(ctx context.Context, s *modules.Climate) error {
		s.RecordBuild(cli, par, nil, t.env.now())
		return nil
	}); err != nil {
		return err
	}
	t.Progress(ctx, "climate %s generated for station %s", cli, c.StationID)
	return nil
}

func cligenArgs(c *modules.Climate, par, cli string) []string {
	args := []string{"-i", par, "-o", cli}
	switch c.Mode {
	case modules.ClimateSingleStorm:
		s := c.Storm
		args = append(args, "-t", "4",
			"--date", s.Date,
			"--depth", formatFloat(s.DepthMM),
			"--duration", formatFloat(s.DurationH),
			"--tp", formatFloat(s.TimeToPeak),
			"--ip", formatFloat(s.MaxIntens))
	case modules.ClimateObserved:
		args = append(args, "-t", "6",
			"-b", strconv.Itoa(c.ObservedStart),
			"-y", strconv.Itoa(c.Years))
	default:
		args = append(args, "-t", "5", "-b", "1", "-y", strconv.Itoa(c.Years))
	}
	return args
}
