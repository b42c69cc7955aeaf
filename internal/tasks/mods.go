package tasks

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/interchange"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

var (
	rhemStage = Stage{
		Name:    RunRhem,
		Topic:   status.TopicRhem,
		Trigger: EventRunRhem,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunRhem},
	}
	ashStage = Stage{
		Name:    RunAsh,
		Topic:   status.TopicAsh,
		Trigger: EventRunAsh,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunWatar},
	}
	debrisStage = Stage{
		Name:    RunDebrisFlow,
		Topic:   status.TopicDebrisFlow,
		Trigger: EventRunDebrisFlow,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunDebris},
	}
	rapStage = Stage{
		Name:    FetchAndAnalyzeRAPTS,
		Topic:   status.TopicRAPTS,
		Trigger: EventRAPTS,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskBuildRAPTS},
	}
	observedStage = Stage{
		Name:    RunObserved,
		Topic:   status.TopicWepp,
		Trigger: EventRunObserved,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskRunObserved},
	}
)

func (e *Env) runRhem(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, rhemStage, func(ctx context.Context, t *Task) error {
		return t.runRhem(ctx)
	})
}

func (t *Task) runRhem(ctx context.Context) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	lu, err := load[modules.Landuse](ctx, t)
	if err != nil {
		return err
	}
	soils, err := load[modules.Soils](ctx, t)
	if err != nil {
		return err
	}
	climate, err := load[modules.Climate](ctx, t)
	if err != nil {
		return err
	}
	if climate.ParFname == "" {
		return models.NewValidationError("climate", "climate has not been built")
	}

	runs := filepath.Join(t.WD, "rhem", "runs")
	out := filepath.Join(t.WD, "rhem", "output")
	for _, dir := range []string{runs, out} {
		if err := wd.EnsureDir(dir); err != nil {
			return err
		}
	}

	ids := ws.HillslopeIDs()
	results := make(map[string]modules.RhemHillslope, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.env.ncpu())
	for _, topaz := range ids {
		key := strconv.Itoa(topaz)
		g.Go(func() error {
			h := ws.SubsSummary[key]
			m := lu.Managements[lu.Domlc[key]]
			run := fmt.Sprintf("hill_%d.run", topaz)
			if err := writeLines(filepath.Join(runs, run), []string{
				"par " + filepath.Join("..", "..", "climate", climate.ParFname),
				"soil " + soils.Domsoil[key],
				"slope_length " + formatFloat(h.Length),
				"slope_steepness " + formatFloat(h.Slope),
				"canopy_cover " + formatFloat(m.Cancov),
				"ground_cover " + formatFloat(m.Inrcov),
				"output " + filepath.Join("..", "output", fmt.Sprintf("hill_%d.sum", topaz)),
			}); err != nil {
				return err
			}
			if err := t.Tool(gctx, tools.Invocation{Tool: tools.Rhem, Args: []string{"-b", run}, Dir: runs}); err != nil {
				return fmt.Errorf("hillslope %d: %w", topaz, err)
			}
			sum := filepath.Join(out, fmt.Sprintf("hill_%d.sum", topaz))
			if err := requireFile(sum, tools.Rhem); err != nil {
				return err
			}
			r, err := parseRhemSummary(sum)
			if err != nil {
				return err
			}
			mu.Lock()
			results[key] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := mutateOrCreate(ctx, t, func(ctx context.Context, r *modules.Rhem) error {
		r.RecordRun(results, t.env.now())
		return nil
	}); err != nil {
		return err
	}
	t.Progress(ctx, "RHEM ran %d hillslopes", len(results))
	return nil
}

// parseRhemSummary reads the annual averages of a RHEM .sum report, lines of
// the form "Avg-Runoff(mm/year) = 12.3".
func parseRhemSummary(path string) (modules.RhemHillslope, error) {
	var r modules.RhemHillslope
	f, err := os.Open(path)
	if err != nil {
		return r, err
	}
	defer f.Close()

	found := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, val, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(name) {
		case "avg-precipitation":
			r.PrecipMM = v
		case "avg-runoff":
			r.RunoffMM = v
		case "avg-sy":
			r.SedYieldTHa = v
		case "avg-soil-loss":
			r.SoilLossTHa = v
		default:
			continue
		}
		found++
	}
	if err := sc.Err(); err != nil {
		return r, err
	}
	if found == 0 {
		return r, &models.CorruptError{Path: path, Err: fmt.Errorf("no annual averages")}
	}
	return r, nil
}

// AshPayload configures the ash transport run.
type AshPayload struct {
	Model      string `json:"ash_model" validate:"omitempty,oneof=multi alex"`
	FireDate   string `json:"fire_date" validate:"required"`
	BlackDepth Number `json:"ini_black_ash_depth_mm" validate:"omitempty,gte=0"`
	WhiteDepth Number `json:"ini_white_ash_depth_mm" validate:"omitempty,gte=0"`
}

func (e *Env) runAsh(ctx context.Context, x *worker.Execution) error {
	var p AshPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, ashStage, func(ctx context.Context, t *Task) error {
		return t.runAsh(ctx, p)
	})
}

func (t *Task) runAsh(ctx context.Context, p AshPayload) error {
	if _, ok, err := interchange.ReadVersion(wd.InterchangeDir(t.WD)); err != nil {
		return err
	} else if !ok {
		return models.NewValidationError("wepp", "run WEPP before ash transport")
	}
	model := p.Model
	if model == "" {
		model = modules.AshModelMulti
	}
	var a modules.Ash
	err := mutateOrCreate(ctx, t, func(ctx context.Context, s *modules.Ash) error {
		if err := s.Configure(model, p.FireDate, p.BlackDepth.Or(5), p.WhiteDepth.Or(5)); err != nil {
			return err
		}
		a = *s
		return nil
	})
	if err != nil {
		return err
	}

	dir := filepath.Join(t.WD, "ash")
	if err := wd.EnsureDir(dir); err != nil {
		return err
	}
	args := []string{
		"--model", a.Model,
		"--fire-date", a.FireDate,
		"--black", formatFloat(a.IniBlackDepth),
		"--white", formatFloat(a.IniWhiteDepth),
		"--interchange", wd.InterchangeDir(t.WD),
		"--out", dir,
	}
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.Ash, Args: args, Dir: dir}); err != nil {
		return err
	}
	summary := filepath.Join(dir, "ash_summary.csv")
	if err := requireFile(summary, tools.Ash); err != nil {
		return err
	}
	recs, err := modules.CSVRecords(summary)
	if err != nil {
		return err
	}
	transported := make(map[string]float64, len(recs))
	for _, rec := range recs {
		v, err := strconv.ParseFloat(rec["transported_t"], 64)
		if err != nil {
			return &models.CorruptError{Path: summary, Err: err}
		}
		transported[rec["topaz_id"]] = v
	}
	if err := mutate(ctx, t, func(ctx context.Context, s *modules.Ash) error {
		s.RecordRun(transported, t.env.now())
		return nil
	}); err != nil {
		return err
	}
	t.Progress(ctx, "ash transport computed for %d hillslopes", len(transported))
	return nil
}

// DebrisPayload selects the precipitation frequency source.
type DebrisPayload struct {
	Datasource string `json:"datasource,omitempty" validate:"omitempty,oneof=NOAA Holden"`
}

func (e *Env) runDebrisFlow(ctx context.Context, x *worker.Execution) error {
	var p DebrisPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, debrisStage, func(ctx context.Context, t *Task) error {
		return t.runDebrisFlow(ctx, p)
	})
}

func (t *Task) runDebrisFlow(ctx context.Context, p DebrisPayload) error {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return err
	}
	dist, err := t.disturbed(ctx)
	if err != nil {
		return err
	}
	if dist == nil || !dist.HasSBS {
		return models.NewValidationError("sbs", "debris flow requires a soil burn severity map")
	}

	var total, burned float64
	for key, h := range ws.SubsSummary {
		total += h.Area
		if dist.HillslopeSev[key] > modules.BurnUnburned {
			burned += h.Area
		}
	}
	frac := 0.0
	if total > 0 {
		frac = burned / total
	}
	source := p.Datasource
	if source == "" {
		source = "NOAA"
	}

	dir := filepath.Join(t.WD, "debris_flow")
	if err := wd.EnsureDir(dir); err != nil {
		return err
	}
	out := filepath.Join(dir, "estimates.csv")
	ron, err := load[modules.Ron](ctx, t)
	if err != nil {
		return err
	}
	args := []string{
		"--area-km2", formatFloat(ws.TotalArea() / 1e6),
		"--burned-fraction", formatFloat(frac),
		"--lon", formatFloat(ron.MapCenter[0]),
		"--lat", formatFloat(ron.MapCenter[1]),
		"--datasource", source,
		"--out", out,
	}
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.DebrisFlow, Args: args, Dir: dir}); err != nil {
		return err
	}
	if err := requireFile(out, tools.DebrisFlow); err != nil {
		return err
	}
	recs, err := modules.CSVRecords(out)
	if err != nil {
		return err
	}
	est := make([]modules.DebrisEstimate, 0, len(recs))
	for _, rec := range recs {
		e := modules.DebrisEstimate{Duration: rec["duration"]}
		for col, dst := range map[string]*float64{"i15_mm_h": &e.I15MMH, "probability": &e.Probability, "volume_m3": &e.VolumeM3} {
			v, err := strconv.ParseFloat(rec[col], 64)
			if err != nil {
				return &models.CorruptError{Path: out, Err: fmt.Errorf("%s: %w", col, err)}
			}
			*dst = v
		}
		est = append(est, e)
	}
	if err := mutateOrCreate(ctx, t, func(ctx context.Context, d *modules.DebrisFlow) error {
		d.RecordRun(source, frac, est, t.env.now())
		return nil
	}); err != nil {
		return err
	}
	t.Progress(ctx, "debris flow estimates for %d storms (burned %.0f%%)", len(est), frac*100)
	return nil
}

// RAPPayload is the RAP time series year range.
type RAPPayload struct {
	StartYear Number `json:"start_year"`
	EndYear   Number `json:"end_year"`
}

func (e *Env) fetchAndAnalyzeRAPTS(ctx context.Context, x *worker.Execution) error {
	var p RAPPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, rapStage, func(ctx context.Context, t *Task) error {
		return t.fetchAndAnalyzeRAPTS(ctx, p)
	})
}

func (t *Task) fetchAndAnalyzeRAPTS(ctx context.Context, p RAPPayload) error {
	if _, err := t.abstracted(ctx); err != nil {
		return err
	}
	var years []int
	err := mutateOrCreate(ctx, t, func(ctx context.Context, r *modules.RapTS) error {
		start, end := r.StartYear, r.EndYear
		if p.StartYear.Set {
			start = p.StartYear.Int()
		}
		if p.EndYear.Set {
			end = p.EndYear.Int()
		}
		if start == 0 && end == 0 {
			end = t.env.now().Year() - 1
			start = end - 9
		}
		if err := r.SetYears(start, end); err != nil {
			return err
		}
		years = r.Years()
		return nil
	})
	if err != nil {
		return err
	}

	sub, err := t.subwta()
	if err != nil {
		return err
	}
	ron, err := load[modules.Ron](ctx, t)
	if err != nil {
		return err
	}
	zones := geo.Zones(sub)
	for id := range zones {
		if geo.IsChannelID(id) {
			delete(zones, id)
		}
	}

	dir := filepath.Join(t.WD, "rap")
	var rows []modules.RapRow
	for _, year := range years {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := rasterURL(t.env.Config.Services.RAPURL, ron.MapExtent, 0, url.Values{"year": {strconv.Itoa(year)}})
		if err != nil {
			return err
		}
		raw := filepath.Join(dir, fmt.Sprintf("rap_%d_raw.tif", year))
		if err := t.download(ctx, u, raw); err != nil {
			return err
		}
		aligned := filepath.Join(dir, fmt.Sprintf("rap_%d.tif", year))
		if err := t.warp(ctx, raw, aligned, sub, "average"); err != nil {
			return err
		}
		for i, band := range modules.RAPBands {
			g, err := t.toASCII(ctx, aligned, filepath.Join(dir, fmt.Sprintf("rap_%d_%s.asc", year, band)), i+1)
			if err != nil {
				return err
			}
			if err := geo.CheckAligned(sub, g, band); err != nil {
				return err
			}
			for id, cover := range geo.Mean(zones, g) {
				rows = append(rows, modules.RapRow{TopazID: int32(id), Year: int32(year), Band: band, Cover: cover})
			}
		}
		t.Progress(ctx, "RAP %d analyzed", year)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.TopazID != b.TopazID {
			return a.TopazID < b.TopazID
		}
		return a.Band < b.Band
	})
	if err := modules.WriteTable(filepath.Join(dir, "rap_ts.parquet"), rows); err != nil {
		return err
	}
	return mutate(ctx, t, func(ctx context.Context, r *modules.RapTS) error {
		r.RecordRun(len(rows), t.env.now())
		return nil
	})
}

// observedMeasures maps observed.csv columns to totalwatsed3 values.
var observedMeasures = map[string]func(r interchange.TotalWatSedRow) float64{
	"streamflow": func(r interchange.TotalWatSedRow) float64 { return r.Streamflow },
	"runoff":     func(r interchange.TotalWatSedRow) float64 { return r.Runoff },
	"sediment":   func(r interchange.TotalWatSedRow) float64 { return r.Sediment },
}

func (e *Env) runObserved(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, observedStage, func(ctx context.Context, t *Task) error {
		return t.runObserved(ctx)
	})
}

func (t *Task) runObserved(ctx context.Context) error {
	obsPath := filepath.Join(t.WD, "observed", "observed.csv")
	recs, err := modules.CSVRecords(obsPath)
	if os.IsNotExist(err) {
		return models.NewValidationError("observed", "observed.csv has not been uploaded")
	}
	if err != nil {
		return err
	}
	sim, err := interchange.ReadDataset[interchange.TotalWatSedRow](filepath.Join(wd.InterchangeDir(t.WD), interchange.TotalWatSed3))
	if err != nil {
		return fmt.Errorf("read %s: %w", interchange.TotalWatSed3, err)
	}
	type day struct{ year, julian int }
	byDay := make(map[day]interchange.TotalWatSedRow, len(sim))
	for _, r := range sim {
		byDay[day{int(r.Year), int(r.Julian)}] = r
	}

	results := make(map[string]map[string]float64)
	for measure, simValue := range observedMeasures {
		var obs, model []float64
		for _, rec := range recs {
			raw, ok := rec[measure]
			if !ok || raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			d, err := parseObservedDate(rec["date"])
			if err != nil {
				return models.NewValidationError("date", "observed.csv: %v", err)
			}
			s, ok := byDay[day{d.Year(), d.YearDay()}]
			if !ok {
				continue
			}
			obs = append(obs, v)
			model = append(model, simValue(s))
		}
		if len(obs) == 0 {
			continue
		}
		stats, err := modules.FitStats(obs, model)
		if err != nil {
			t.Logger.Warn().Str("measure", measure).Err(err).Msg("Skipping observed measure")
			continue
		}
		results[measure] = stats
	}
	if len(results) == 0 {
		return models.NewValidationError("observed", "observed.csv has no values overlapping the simulation")
	}
	if err := mutateOrCreate(ctx, t, func(ctx context.Context, o *modules.Observed) error {
		o.ObsFname = "observed.csv"
		o.RecordRun(results, t.env.now())
		return nil
	}); err != nil {
		return err
	}
	t.Progress(ctx, "observed fit computed for %d measures", len(results))
	return nil
}

func parseObservedDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "1/2/2006", "01/02/2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
