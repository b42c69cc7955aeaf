package tasks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// Defaults for fields a project definition may omit.
const (
	defaultCellSize = 30.0
	defaultCSA      = 5.0
	defaultMCL      = 60.0
)

var newProjectStage = Stage{Name: NewProject, Trigger: EventNewProject}

// ProjectDef describes a run to build from scratch. It is read from YAML
// (or JSON) definition files and travels as the new_project_rq payload.
type ProjectDef struct {
	Name     string     `yaml:"name" json:"name,omitempty"`
	Config   string     `yaml:"config" json:"config" validate:"required"`
	Mods     []string   `yaml:"mods" json:"mods,omitempty"`
	CellSize float64    `yaml:"cellsize" json:"cellsize,omitempty" validate:"gte=0"`
	Extent   []float64  `yaml:"extent" json:"extent" validate:"len=4"`
	Center   []float64  `yaml:"center" json:"center,omitempty" validate:"omitempty,len=2"`
	Zoom     float64    `yaml:"zoom" json:"zoom,omitempty"`
	Channels ChannelDef `yaml:"channels" json:"channels"`
	Outlet   *OutletDef `yaml:"outlet" json:"outlet" validate:"required"`
	SBS      string     `yaml:"sbs" json:"sbs,omitempty"`
	Landuse  LanduseDef `yaml:"landuse" json:"landuse"`
	Soils    SoilsDef   `yaml:"soils" json:"soils"`
	Climate  ClimateDef `yaml:"climate" json:"climate"`
}

// ChannelDef holds channel delineation parameters.
type ChannelDef struct {
	CSA          float64 `yaml:"csa" json:"csa,omitempty" validate:"gte=0"`
	MCL          float64 `yaml:"mcl" json:"mcl,omitempty" validate:"gte=0"`
	FillOrBreach string  `yaml:"wbt_fill_or_breach" json:"wbt_fill_or_breach,omitempty" validate:"omitempty,oneof=fill breach breach_least_cost"`
}

// OutletDef is the requested outlet location.
type OutletDef struct {
	Lon float64 `yaml:"lon" json:"lon" validate:"gte=-180,lte=180"`
	Lat float64 `yaml:"lat" json:"lat" validate:"gte=-90,lte=90"`
}

// LanduseDef selects the landuse mode.
type LanduseDef struct {
	Mode            int    `yaml:"mode" json:"mode" validate:"gte=0,lte=2"`
	SingleSelection string `yaml:"single_selection" json:"single_selection,omitempty"`
}

// SoilsDef selects the soils mode.
type SoilsDef struct {
	Mode            int    `yaml:"mode" json:"mode" validate:"gte=0,lte=1"`
	SingleSelection string `yaml:"single_selection" json:"single_selection,omitempty"`
}

// ClimateDef selects the station and climate mode.
type ClimateDef struct {
	Station     string `yaml:"station" json:"station" validate:"required"`
	StationName string `yaml:"station_name" json:"station_name,omitempty"`
	Mode        int    `yaml:"mode" json:"mode" validate:"gte=0,lte=4"`
	Years       int    `yaml:"years" json:"years,omitempty" validate:"gte=0"`
	StartYear   int    `yaml:"start_year" json:"start_year,omitempty"`
	EndYear     int    `yaml:"end_year" json:"end_year,omitempty"`
}

// ParseProjectDef decodes and validates a YAML or JSON project definition.
// A relative SBS path is resolved against baseDir.
func ParseProjectDef(data []byte, baseDir string) (*ProjectDef, error) {
	var def ProjectDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, models.NewValidationError("project_def", "invalid project definition: %v", err)
	}
	if def.SBS != "" && !filepath.IsAbs(def.SBS) && baseDir != "" {
		def.SBS = filepath.Join(baseDir, def.SBS)
	}
	if err := checkPayload(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *ProjectDef) center() [2]float64 {
	if len(d.Center) == 2 {
		return [2]float64{d.Center[0], d.Center[1]}
	}
	return [2]float64{(d.Extent[0] + d.Extent[2]) / 2, (d.Extent[1] + d.Extent[3]) / 2}
}

func (d *ProjectDef) extent() [4]float64 {
	return [4]float64{d.Extent[0], d.Extent[1], d.Extent[2], d.Extent[3]}
}

// SubmitNewProject enqueues new_project_rq for runid.
func SubmitNewProject(ctx context.Context, q *queue.Manager, runid string, def *ProjectDef) (*models.Job, error) {
	if err := wd.ValidateRunID(runid); err != nil {
		return nil, err
	}
	if err := checkPayload(def); err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, NewProject, runid, def, queue.EnqueueOptions{})
}

func (e *Env) newProject(ctx context.Context, x *worker.Execution) error {
	var def ProjectDef
	if err := decodePayload(x.Job, &def); err != nil {
		return err
	}
	return e.execute(ctx, x, newProjectStage, func(ctx context.Context, t *Task) error {
		return t.newProject(ctx, &def)
	})
}

func (t *Task) newProject(ctx context.Context, def *ProjectDef) error {
	if _, err := os.Stat(wd.NoDbPath(t.WD, "ron")); err == nil {
		return models.NewValidationError("runid", "run %s already exists", t.RunID)
	}
	if err := wd.EnsureDir(t.WD); err != nil {
		return err
	}
	if err := t.createModules(ctx, def); err != nil {
		return err
	}
	t.Progress(ctx, "created %s from config %s", t.RunID, def.Config)

	if err := t.Stage(ctx, fetchDEMStage, func(ctx context.Context, t *Task) error {
		return t.fetchDEM(ctx)
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, buildChannelsStage, func(ctx context.Context, t *Task) error {
		return t.buildChannels(ctx, ChannelPayload{})
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, setOutletStage, func(ctx context.Context, t *Task) error {
		return t.setOutlet(ctx, def.Outlet.Lon, def.Outlet.Lat)
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, buildSubcatchmentsStage, func(ctx context.Context, t *Task) error {
		return t.buildSubcatchments(ctx)
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, abstractWatershedStage, func(ctx context.Context, t *Task) error {
		return t.abstractWatershed(ctx)
	}); err != nil {
		return err
	}
	if def.SBS != "" {
		if err := t.Stage(ctx, initSBSMapStage, func(ctx context.Context, t *Task) error {
			name, err := t.importSBS(def.SBS)
			if err != nil {
				return err
			}
			return t.initSBSMap(ctx, name)
		}); err != nil {
			return err
		}
	}
	if err := t.Stage(ctx, buildLanduseStage, func(ctx context.Context, t *Task) error {
		return t.buildLanduse(ctx, LandusePayload{
			Mode:            Num(float64(def.Landuse.Mode)),
			SingleSelection: def.Landuse.SingleSelection,
		})
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, buildSoilsStage, func(ctx context.Context, t *Task) error {
		return t.buildSoils(ctx, SoilsPayload{
			Mode:            Num(float64(def.Soils.Mode)),
			SingleSelection: def.Soils.SingleSelection,
		})
	}); err != nil {
		return err
	}
	if err := t.Stage(ctx, buildClimateStage, func(ctx context.Context, t *Task) error {
		p := ClimatePayload{
			Station:     def.Climate.Station,
			StationName: def.Climate.StationName,
			Mode:        Num(float64(def.Climate.Mode)),
		}
		if def.Climate.Years > 0 {
			p.Years = Num(float64(def.Climate.Years))
		}
		if def.Climate.StartYear > 0 {
			p.StartYear = Num(float64(def.Climate.StartYear))
			p.EndYear = Num(float64(def.Climate.EndYear))
		}
		return t.buildClimate(ctx, p)
	}); err != nil {
		return err
	}

	_, err := t.enqueue(ctx, RunWepp, nil)
	return err
}

// createModules writes the core NoDb modules of a fresh run.
func (t *Task) createModules(ctx context.Context, def *ProjectDef) error {
	cellSize := def.CellSize
	if cellSize == 0 {
		cellSize = defaultCellSize
	}
	now := t.env.now()
	if _, err := nodb.Create[modules.Ron](ctx, t.env.NoDb, t.WD, func(r *modules.Ron) {
		r.RunID = t.RunID
		r.Name = def.Name
		r.Config = def.Config
		r.CellSize = cellSize
		r.CreatedAt = now
		for _, m := range def.Mods {
			r.AddMod(m)
		}
		r.SetMap(def.extent(), def.center(), def.Zoom)
	}); err != nil {
		return err
	}
	if _, err := nodb.Create[modules.Watershed](ctx, t.env.NoDb, t.WD, func(s *modules.Watershed) {
		cp := modules.ChannelParams{
			Extent: def.extent(),
			Center: def.center(),
			Zoom:   def.Zoom,
			CSA:    def.Channels.CSA,
			MCL:    def.Channels.MCL,
		}
		if cp.CSA == 0 {
			cp.CSA = defaultCSA
		}
		if cp.MCL == 0 {
			cp.MCL = defaultMCL
		}
		if def.Channels.FillOrBreach != "" {
			fb := def.Channels.FillOrBreach
			cp.WbtFillOrBreach = &fb
		}
		s.SetChannelParams(cp)
	}); err != nil {
		return err
	}
	if _, err := nodb.Create[modules.Landuse](ctx, t.env.NoDb, t.WD, nil); err != nil {
		return err
	}
	if _, err := nodb.Create[modules.Soils](ctx, t.env.NoDb, t.WD, nil); err != nil {
		return err
	}
	if _, err := nodb.Create[modules.Climate](ctx, t.env.NoDb, t.WD, nil); err != nil {
		return err
	}
	_, err := nodb.Create[modules.Wepp](ctx, t.env.NoDb, t.WD, func(w *modules.Wepp) {
		w.Baseflow = modules.DefaultBaseflow()
	})
	return err
}

// importSBS copies an SBS raster into the disturbed directory and returns its
// name there.
func (t *Task) importSBS(src string) (string, error) {
	dir := wd.DisturbedDir(t.WD)
	if err := wd.EnsureDir(dir); err != nil {
		return "", err
	}
	name := filepath.Base(src)
	in, err := os.Open(src)
	if err != nil {
		return "", models.NewValidationError("sbs", "Missing SBS file")
	}
	defer in.Close()
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	return name, out.Close()
}
