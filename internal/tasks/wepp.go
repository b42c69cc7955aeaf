package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/interchange"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// boundaryWidthM is the width of the DSS boundary segment drawn across each
// channel outlet.
const boundaryWidthM = 100

var (
	runWeppStage = Stage{
		Name:    RunWepp,
		Topic:   status.TopicWepp,
		Trigger: EventRunWepp,
		Clears: []redisprep.TaskEnum{
			redisprep.TaskRunWeppHillslopes, redisprep.TaskRunWeppWatershed,
			redisprep.TaskInterchange, redisprep.TaskDSSExport,
		},
	}
	interchangeStage = Stage{
		Name:    RunInterchange,
		Topic:   status.TopicWepp,
		Trigger: EventInterchange,
	}
	dssExportStage = Stage{
		Name:    PostDSSExport,
		Topic:   status.TopicDSSExport,
		Trigger: EventDSSExport,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskDSSExport},
	}
)

// weppInputs is the per-run snapshot run_wepp prepares hillslope runs from.
type weppInputs struct {
	ws      *modules.Watershed
	landuse *modules.Landuse
	soils   *modules.Soils
	climate *modules.Climate
	wepp    *modules.Wepp
	tr      *modules.Translator
}

func (t *Task) weppInputs(ctx context.Context) (*weppInputs, error) {
	ws, err := t.abstracted(ctx)
	if err != nil {
		return nil, err
	}
	in := &weppInputs{ws: ws}
	if in.landuse, err = load[modules.Landuse](ctx, t); err != nil {
		return nil, err
	}
	if len(in.landuse.Domlc) == 0 {
		return nil, models.NewValidationError("landuse", "landuse has not been built")
	}
	if in.soils, err = load[modules.Soils](ctx, t); err != nil {
		return nil, err
	}
	if len(in.soils.Domsoil) == 0 {
		return nil, models.NewValidationError("soils", "soils have not been built")
	}
	if in.climate, err = load[modules.Climate](ctx, t); err != nil {
		return nil, err
	}
	if in.climate.CliFname == "" {
		return nil, models.NewValidationError("climate", "climate has not been built")
	}
	if in.wepp, err = load[modules.Wepp](ctx, t); err != nil {
		return nil, err
	}
	if in.tr, err = ws.Translator(); err != nil {
		return nil, err
	}
	return in, nil
}

func (e *Env) runWepp(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, runWeppStage, func(ctx context.Context, t *Task) error {
		if err := t.runWepp(ctx); err != nil {
			return err
		}
		_, err := t.enqueue(ctx, RunInterchange, nil)
		return err
	})
}

// runWepp prepares and runs every hillslope, then the watershed when the run
// has channels. Interchange is left to the caller.
func (t *Task) runWepp(ctx context.Context) error {
	in, err := t.weppInputs(ctx)
	if err != nil {
		return err
	}
	if err := mutate(ctx, t, func(ctx context.Context, w *modules.Wepp) error {
		w.ResetRun()
		return nil
	}); err != nil {
		return err
	}

	runs, out := wd.WeppRunsDir(t.WD), wd.WeppOutputDir(t.WD)
	for _, dir := range []string{runs, out} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := wd.EnsureDir(dir); err != nil {
			return err
		}
	}
	if in.wepp.Phosphorus.Valid() {
		if err := writePhosphorus(runs, in.wepp.Phosphorus); err != nil {
			return err
		}
	}

	hillslopes := in.tr.Hillslopes()
	t.Progress(ctx, "running %d hillslopes", len(hillslopes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.env.ncpu())
	for _, topaz := range hillslopes {
		wid, _ := in.tr.Wepp(topaz)
		g.Go(func() error {
			run, err := t.prepHillslope(in, topaz, wid)
			if err != nil {
				return err
			}
			if err := t.Tool(gctx, tools.Invocation{Tool: tools.Wepp, Args: []string{run}, Dir: runs}); err != nil {
				return fmt.Errorf("hillslope %d: %w", topaz, err)
			}
			return requireFile(filepath.Join(out, fmt.Sprintf("H%d.loss.dat", wid)), tools.Wepp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := t.stamp(ctx, redisprep.TaskRunWeppHillslopes); err != nil {
		return err
	}
	hillsAt := t.env.now()

	ranWatershed := false
	if in.ws.HasChannels() {
		run, err := t.prepWatershed(in)
		if err != nil {
			return err
		}
		t.Progress(ctx, "running watershed with %d channels", len(in.tr.Channels()))
		if err := t.Tool(ctx, tools.Invocation{Tool: tools.Wepp, Args: []string{run}, Dir: runs}); err != nil {
			return fmt.Errorf("watershed: %w", err)
		}
		if err := requireFile(filepath.Join(out, "loss_pw0.txt"), tools.Wepp); err != nil {
			return err
		}
		ranWatershed = true
	}
	// run_wepp_watershed marks the whole WEPP run as complete, so a
	// hillslope-only run stamps it too.
	if err := t.stamp(ctx, redisprep.TaskRunWeppWatershed); err != nil {
		return err
	}
	wsAt := t.env.now()

	return mutate(ctx, t, func(ctx context.Context, w *modules.Wepp) error {
		w.HillslopeCount = len(hillslopes)
		w.HillslopesRanAt = &hillsAt
		if ranWatershed {
			w.WatershedRanAt = &wsAt
		}
		return nil
	})
}

// prepHillslope writes the management and run files of one hillslope and
// returns the run file name.
func (t *Task) prepHillslope(in *weppInputs, topaz, wid int) (string, error) {
	runs := wd.WeppRunsDir(t.WD)
	key := strconv.Itoa(topaz)

	lc, ok := in.landuse.Domlc[key]
	if !ok {
		return "", fmt.Errorf("hillslope %d has no landuse", topaz)
	}
	mukey, ok := in.soils.Domsoil[key]
	if !ok {
		return "", fmt.Errorf("hillslope %d has no soil", topaz)
	}
	man := fmt.Sprintf("p%d.man", wid)
	if err := writeManagement(filepath.Join(runs, man), in.landuse.Managements[lc]); err != nil {
		return "", err
	}

	cli := in.climate.HillslopeClimate(key)
	files := []string{
		"m", "Y", "1", "1", "Y",
		filepath.Join("..", "output", fmt.Sprintf("H%d.pass.dat", wid)),
		"1",
		filepath.Join("..", "output", fmt.Sprintf("H%d.loss.dat", wid)),
		"N", "Y",
		filepath.Join("..", "output", fmt.Sprintf("H%d.wat.dat", wid)),
		"Y",
		filepath.Join("..", "output", fmt.Sprintf("H%d.soil.dat", wid)),
		"N", "N", "N", "N", "N", "N", "N",
		man,
		filepath.Join("..", "..", "watershed", "slope_files", "hillslopes", fmt.Sprintf("hill_%d.slp", topaz)),
		filepath.Join("..", "..", "climate", cli),
		filepath.Join("..", "..", "soils", modules.SoilFile(mukey)),
		"0",
		strconv.Itoa(max(in.climate.Years, 1)),
		"0",
	}
	run := fmt.Sprintf("p%d.run", wid)
	return run, writeLines(filepath.Join(runs, run), files)
}

// prepWatershed writes pw0.run for the channel routing run.
func (t *Task) prepWatershed(in *weppInputs) (string, error) {
	runs := wd.WeppRunsDir(t.WD)
	n := len(in.tr.Hillslopes())
	lines := []string{
		"m", "Y", "N", "N", "Y", "Y",
		filepath.Join("..", "output", "pass_pw0.txt"),
		"1",
		filepath.Join("..", "output", "loss_pw0.txt"),
		"N", "N",
		filepath.Join("..", "output", "chnwb.txt"),
		"Y",
		filepath.Join("..", "output", "ebe_pw0.txt"),
		"N", "N", "N",
		filepath.Join("..", "output", "chan.out"),
		"N", "N",
		filepath.Join("..", "..", "watershed", "pw0.str"),
		filepath.Join("..", "..", "watershed", "pw0.chn"),
		filepath.Join("..", "..", "watershed", "pw0.imp"),
		filepath.Join("..", "..", "climate", in.climate.CliFname),
		strconv.Itoa(n),
	}
	for _, topaz := range in.tr.Hillslopes() {
		wid, _ := in.tr.Wepp(topaz)
		lines = append(lines, filepath.Join("..", "output", fmt.Sprintf("H%d.pass.dat", wid)))
	}
	lines = append(lines, strconv.Itoa(max(in.climate.Years, 1)), "0")
	return "pw0.run", writeLines(filepath.Join(runs, "pw0.run"), lines)
}

func writeManagement(path string, m modules.Management) error {
	return writeLines(path, []string{
		"98.4",
		"# " + m.Key + " " + m.Desc,
		"cancov " + formatFloat(m.Cancov),
		"inrcov " + formatFloat(m.Inrcov),
		"rilcov " + formatFloat(m.Rilcov),
	})
}

func writePhosphorus(dir string, p *modules.PhosphorusOpts) error {
	return writeLines(filepath.Join(dir, "phosphorus.txt"), []string{
		"Phosphorus concentration",
		formatFloat(p.Surface) + "\tSurface runoff concentration (mg/l)",
		formatFloat(p.Lateral) + "\tSubsurface lateral flow concentration (mg/l)",
		formatFloat(p.Baseflow) + "\tBaseflow concentration (mg/l)",
		formatFloat(p.Sediment) + "\tSediment concentration (mg/kg)",
	})
}

func writeLines(path string, lines []string) error {
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)
}

// InterchangePayload selects the WEPP output directory to convert.
type InterchangePayload struct {
	OutputSubpath string `json:"wepp_output_subpath,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

func (e *Env) runInterchange(ctx context.Context, x *worker.Execution) error {
	var p InterchangePayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, interchangeStage, func(ctx context.Context, t *Task) error {
		return t.runInterchange(ctx, p)
	})
}

func (t *Task) runInterchange(ctx context.Context, p InterchangePayload) error {
	out, err := interchange.OutputDir(t.WD, p.OutputSubpath)
	if err != nil {
		return err
	}
	version := t.env.Config.Interchange.Version
	if version <= 0 {
		version = interchange.Version
	}
	dest := filepath.Join(out, "interchange")
	if !interchange.NeedsUpdate(dest, version, p.Force) {
		t.Progress(ctx, "interchange in %s is current (v%d)", wd.Relativize(t.WD, dest), version)
		return t.stamp(ctx, redisprep.TaskInterchange)
	}

	climate, err := load[modules.Climate](ctx, t)
	if err != nil {
		return err
	}
	bf := modules.DefaultBaseflow()
	if w, err := load[modules.Wepp](ctx, t); err == nil {
		if w.Baseflow != (modules.BaseflowOpts{}) {
			bf = w.Baseflow
		}
	} else if !isNotFound(err) {
		return err
	}

	res, err := interchange.Run(ctx, interchange.Options{
		OutputDir:   out,
		SingleStorm: climate.IsSingleStorm(),
		Baseflow:    bf,
		Version:     version,
		NCPU:        t.env.ncpu(),
		Now:         t.env.now,
	}, t.Logger)
	if err != nil {
		return err
	}
	if p.OutputSubpath == "" {
		if err := mutate(ctx, t, func(ctx context.Context, w *modules.Wepp) error {
			w.InterchangeVersion = res.Version
			return nil
		}); err != nil {
			return err
		}
	}
	t.Progress(ctx, "interchange v%d wrote %d datasets", res.Version, len(res.Datasets))
	return t.stamp(ctx, redisprep.TaskInterchange)
}

// DSSExportPayload is the DSS export form.
type DSSExportPayload struct {
	Mode          Number   `json:"dss_export_mode" validate:"omitempty,gte=0,lte=2"`
	ChannelIDs    []Number `json:"dss_export_channel_ids,omitempty"`
	ExcludeOrders []Number `json:"dss_export_exclude_orders,omitempty"`
	StartDate     string   `json:"dss_start_date,omitempty"`
	EndDate       string   `json:"dss_end_date,omitempty"`
}

// ParseDSSExportPayload decodes and validates a DSS export form body.
func ParseDSSExportPayload(body []byte) (DSSExportPayload, error) {
	var p DSSExportPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return p, models.NewValidationError("payload", "invalid dss export payload: %v", err)
		}
	}
	return p, checkPayload(&p)
}

func ints(ns []Number) []int {
	out := make([]int, 0, len(ns))
	for _, n := range ns {
		if n.Set {
			out = append(out, n.Int())
		}
	}
	return out
}

// SubmitDSSExport stores the export selection on the run and enqueues
// exactly one post_dss_export_rq job. Mode 2 derives the channel ids from
// the watershed by dropping the excluded Strahler orders.
func SubmitDSSExport(ctx context.Context, env *Env, runid string, p DSSExportPayload) (*models.Job, error) {
	if err := checkPayload(&p); err != nil {
		return nil, err
	}
	dir, err := env.Resolver.GetWD(ctx, runid, true)
	if err != nil {
		return nil, err
	}
	t := &Task{env: env, RunID: runid, WD: dir, Prep: env.prep(runid), Logger: env.Logger, topic: status.TopicDSSExport}

	mode := p.Mode.Int()
	channels, excluded := ints(p.ChannelIDs), ints(p.ExcludeOrders)
	if mode != modules.DSSExportChannels {
		ws, err := load[modules.Watershed](ctx, t)
		if err != nil {
			return nil, err
		}
		if mode == modules.DSSExportByOrder {
			channels, err = ws.ChannelIDsExcludingOrders(excluded)
		} else {
			channels, err = ws.ChannelIDs()
		}
		if err != nil {
			return nil, err
		}
	}
	err = mutate(ctx, t, func(ctx context.Context, w *modules.Wepp) error {
		if err := w.SetDSSExport(mode, channels, excluded); err != nil {
			return err
		}
		w.DSSStartDate, w.DSSEndDate = p.StartDate, p.EndDate
		return nil
	})
	if err != nil {
		return nil, err
	}

	job, err := env.Queue.Enqueue(ctx, PostDSSExport, runid, nil, queue.EnqueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", PostDSSExport, err)
	}
	t.setJobID(ctx, PostDSSExport, job.ID)
	t.clear(ctx, redisprep.TaskDSSExport)
	return job, nil
}

func (e *Env) postDSSExport(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, dssExportStage, func(ctx context.Context, t *Task) error {
		return t.postDSSExport(ctx)
	})
}

func (t *Task) postDSSExport(ctx context.Context) error {
	ix := wd.InterchangeDir(t.WD)
	if _, ok, err := interchange.ReadVersion(ix); err != nil {
		return err
	} else if !ok {
		return models.NewValidationError("interchange", "run interchange before exporting DSS")
	}
	w, err := load[modules.Wepp](ctx, t)
	if err != nil {
		return err
	}
	ws, err := load[modules.Watershed](ctx, t)
	if err != nil {
		return err
	}
	channels := w.DSSExportChannels
	if len(channels) == 0 {
		if channels, err = ws.ChannelIDs(); err != nil {
			return err
		}
	}

	sub, err := t.subwta()
	if err != nil {
		return err
	}
	relief, err := t.toASCII(ctx, filepath.Join(wd.WBTDir(t.WD), reliefTif), filepath.Join(wd.TopazDir(t.WD), "relief.asc"), 0)
	if err != nil {
		return err
	}
	epsg := sub.EPSG
	if epsg == 0 {
		epsg = ws.EPSG
	}
	features, err := geo.BuildBoundaryFeatures(sub, relief, channels, boundaryWidthM, geo.LonLatReprojector(epsg))
	if err != nil {
		return err
	}
	out := filepath.Join(wd.ExportDir(t.WD), "dss")
	if err := wd.EnsureDir(out); err != nil {
		return err
	}
	if _, err := geo.WriteBoundaryFeatures(out, features); err != nil {
		return err
	}

	dss := filepath.Join(out, t.RunID+".dss")
	ids := make([]string, len(channels))
	for i, id := range channels {
		ids[i] = strconv.Itoa(id)
	}
	args := []string{"--interchange", ix, "--out", dss, "--channels", strings.Join(ids, ",")}
	if w.DSSStartDate != "" {
		args = append(args, "--start", w.DSSStartDate)
	}
	if w.DSSEndDate != "" {
		args = append(args, "--end", w.DSSEndDate)
	}
	if err := t.Tool(ctx, tools.Invocation{Tool: tools.DSSWriter, Args: args, Dir: out}); err != nil {
		return err
	}
	if err := requireFile(dss, tools.DSSWriter); err != nil {
		return err
	}
	t.Progress(ctx, "exported %d channels to %s", len(channels), wd.Relativize(t.WD, dss))
	return nil
}
