package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/geo"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb/modules"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// Rasters written under dem/wbt.
const (
	reliefTif   = "relief.tif"
	flovecTif   = "flovec.tif"
	floaccumTif = "floaccum.tif"
	netful0Tif  = "netful0.tif"
	netfulTif   = "netful.tif"
	chnordTif   = "chnord.tif"
	chnjntTif   = "chnjnt.tif"
	boundTif    = "bound.tif"
	subwtaTif   = "subwta.tif"
	netwTsv     = "netw.tsv"
	outletJSON  = "outlet.geojson"
)

var (
	fetchDEMStage = Stage{
		Name:    FetchDEM,
		Topic:   status.TopicChannelDelineation,
		Trigger: EventFetchDEM,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskFetchDEM},
	}
	buildChannelsStage = Stage{
		Name:    BuildChannels,
		Topic:   status.TopicChannelDelineation,
		Trigger: EventBuildChannels,
		Clears: []redisprep.TaskEnum{
			redisprep.TaskSetOutlet, redisprep.TaskBuildSubcatchments, redisprep.TaskAbstractWatershed,
		},
		Stamps: []redisprep.TaskEnum{redisprep.TaskBuildChannels},
	}
	setOutletStage = Stage{
		Name:    SetOutlet,
		Topic:   status.TopicOutlet,
		Trigger: EventSetOutlet,
		Clears:  []redisprep.TaskEnum{redisprep.TaskBuildSubcatchments, redisprep.TaskAbstractWatershed},
		Stamps:  []redisprep.TaskEnum{redisprep.TaskSetOutlet},
	}
	buildSubcatchmentsStage = Stage{
		Name:    BuildSubcatchments,
		Topic:   status.TopicSubcatchmentDelineation,
		Trigger: EventBuildSubcatchments,
		Clears:  []redisprep.TaskEnum{redisprep.TaskAbstractWatershed},
		Stamps:  []redisprep.TaskEnum{redisprep.TaskBuildSubcatchments},
	}
	abstractWatershedStage = Stage{
		Name:    AbstractWatershed,
		Topic:   status.TopicSubcatchmentDelineation,
		Trigger: EventAbstractWatershed,
		Stamps:  []redisprep.TaskEnum{redisprep.TaskAbstractWatershed},
	}
)

// ChannelPayload carries the optional channel delineation parameters.
type ChannelPayload struct {
	CSA             Number  `json:"csa" validate:"omitempty,gt=0"`
	MCL             Number  `json:"mcl" validate:"omitempty,gt=0"`
	WbtFillOrBreach *string `json:"wbt_fill_or_breach,omitempty" validate:"omitempty,oneof=fill breach breach_least_cost"`
	WbtBlcDist      Number  `json:"wbt_blc_dist" validate:"omitempty,gt=0"`
}

// params merges the payload over the stored watershed settings.
func (p ChannelPayload) params(ws *modules.Watershed) modules.ChannelParams {
	cp := modules.ChannelParams{
		Extent:          ws.Extent,
		Center:          ws.Center,
		Zoom:            ws.Zoom,
		CSA:             p.CSA.Or(ws.CSA),
		MCL:             p.MCL.Or(ws.MCL),
		WbtFillOrBreach: p.WbtFillOrBreach,
		SetExtentMode:   ws.SetExtentMode,
		MapBoundsText:   ws.MapBoundsText,
	}
	if p.WbtBlcDist.Set {
		d := p.WbtBlcDist.Int()
		cp.WbtBlcDist = &d
	}
	return cp
}

// OutletPayload is the requested outlet location.
type OutletPayload struct {
	Lon Number `json:"lon" validate:"required,gte=-180,lte=180"`
	Lat Number `json:"lat" validate:"required,gte=-90,lte=90"`
}

func (e *Env) fetchDEM(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, fetchDEMStage, func(ctx context.Context, t *Task) error {
		return t.fetchDEM(ctx)
	})
}

func (t *Task) fetchDEM(ctx context.Context) error {
	ron, err := load[modules.Ron](ctx, t)
	if err != nil {
		return err
	}
	u, err := rasterURL(t.env.Config.Services.DEMURL, ron.MapExtent, ron.CellSize, nil)
	if err != nil {
		return err
	}
	t.Progress(ctx, "fetching DEM for extent %v", ron.MapExtent)
	return t.download(ctx, u, wd.DEMPath(t.WD))
}

func (e *Env) buildChannels(ctx context.Context, x *worker.Execution) error {
	var p ChannelPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, buildChannelsStage, func(ctx context.Context, t *Task) error {
		return t.buildChannels(ctx, p)
	})
}

func (t *Task) buildChannels(ctx context.Context, p ChannelPayload) error {
	if _, err := os.Stat(wd.DEMPath(t.WD)); err != nil {
		return &models.NotFoundError{Kind: "dem", Name: wd.Relativize(t.WD, wd.DEMPath(t.WD))}
	}
	ron, err := load[modules.Ron](ctx, t)
	if err != nil {
		return err
	}

	var ws modules.Watershed
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Watershed) error {
		cp := p.params(s)
		if err := checkPayload(&cp); err != nil {
			return err
		}
		s.SetChannelParams(cp)
		s.ResetOutlet()
		ws = *s
		return nil
	})
	if err != nil {
		return err
	}

	algo := ws.Algorithm()
	t.Logger.Info().
		Str("runid", t.RunID).
		Str("algorithm", algo).
		Msg("Building channels")
	t.Progress(ctx, "building channels with %s (csa=%g ha, mcl=%g m)", algo, ws.CSA, ws.MCL)

	dir := wd.WBTDir(t.WD)
	if err := wd.EnsureDir(dir); err != nil {
		return err
	}
	cellsize := ron.CellSize
	if cellsize <= 0 {
		cellsize = 30
	}
	threshold := ws.CSA * 10000 / (cellsize * cellsize)
	dem := wd.DEMPath(t.WD)

	steps := [][]string{conditioningArgs(algo, dem, ws.WbtBlcDist)}
	steps = append(steps,
		[]string{"--run=D8Pointer", "--dem=" + reliefTif, "--output=" + flovecTif},
		[]string{"--run=D8FlowAccumulation", "--input=" + flovecTif, "--output=" + floaccumTif, "--pntr", "--out_type=cells"},
		[]string{"--run=ExtractStreams", "--flow_accum=" + floaccumTif, "--output=" + netful0Tif, "--threshold=" + formatFloat(threshold)},
		[]string{"--run=RemoveShortStreams", "--d8_pntr=" + flovecTif, "--streams=" + netful0Tif, "--output=" + netfulTif, "--min_length=" + formatFloat(ws.MCL)},
		[]string{"--run=StrahlerStreamOrder", "--d8_pntr=" + flovecTif, "--streams=" + netfulTif, "--output=" + chnordTif},
		[]string{"--run=StreamJunctionIdentifier", "--d8_pntr=" + flovecTif, "--streams=" + netfulTif, "--output=" + chnjntTif},
	)
	for _, args := range steps {
		if err := t.wbt(ctx, dir, args...); err != nil {
			return err
		}
	}
	return requireFile(filepath.Join(dir, chnjntTif), tools.WhiteboxTools)
}

func conditioningArgs(algo, dem string, blcDist *int) []string {
	switch algo {
	case modules.FillOrBreachBreach:
		return []string{"--run=BreachDepressions", "--dem=" + dem, "--output=" + reliefTif}
	case modules.FillOrBreachBreachLC:
		args := []string{"--run=BreachDepressionsLeastCost", "--dem=" + dem, "--output=" + reliefTif, "--fill"}
		if blcDist != nil {
			args = append(args, "--dist="+strconv.Itoa(*blcDist))
		}
		return args
	}
	return []string{"--run=FillDepressions", "--dem=" + dem, "--output=" + reliefTif, "--fix_flats"}
}

func (t *Task) wbt(ctx context.Context, dir string, args ...string) error {
	return t.Tool(ctx, tools.Invocation{Tool: tools.WhiteboxTools, Args: append([]string{"--wd=" + dir}, args...), Dir: dir})
}

func (e *Env) setOutlet(ctx context.Context, x *worker.Execution) error {
	var p OutletPayload
	if err := decodePayload(x.Job, &p); err != nil {
		return err
	}
	return e.execute(ctx, x, setOutletStage, func(ctx context.Context, t *Task) error {
		return t.setOutlet(ctx, p.Lon.Value, p.Lat.Value)
	})
}

func (t *Task) setOutlet(ctx context.Context, lon, lat float64) error {
	dir := wd.WBTDir(t.WD)
	jnt, err := t.toASCII(ctx, filepath.Join(dir, chnjntTif), filepath.Join(dir, "chnjnt.asc"), 0)
	if err != nil {
		return err
	}
	if jnt.EPSG == 0 {
		jnt.EPSG = geo.UTMEPSG(lon, lat)
	}

	var outlet *modules.Outlet
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Watershed) error {
		o, err := s.SetOutlet(jnt, lon, lat, t.env.Config.Watershed.OutletSearchCap)
		if err != nil {
			return err
		}
		outlet = o
		return nil
	})
	if err != nil {
		return err
	}

	t.Progress(ctx, "outlet snapped to (%.6f, %.6f), %.0f cells from request", outlet.ActualLon, outlet.ActualLat, outlet.Distance)
	return writeOutletGeoJSON(filepath.Join(dir, outletJSON), outlet)
}

func writeOutletGeoJSON(path string, o *modules.Outlet) error {
	f := geojson.NewFeature(orb.Point{o.ActualLon, o.ActualLat})
	f.Properties["requested_lon"] = o.RequestedLon
	f.Properties["requested_lat"] = o.RequestedLat
	f.Properties["distance"] = o.Distance
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (e *Env) buildSubcatchments(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, buildSubcatchmentsStage, func(ctx context.Context, t *Task) error {
		return t.buildSubcatchments(ctx)
	})
}

func (t *Task) buildSubcatchments(ctx context.Context) error {
	ws, err := load[modules.Watershed](ctx, t)
	if err != nil {
		return err
	}
	if ws.Outlet == nil {
		return models.NewValidationError("outlet", "outlet has not been set")
	}

	dir := wd.WBTDir(t.WD)
	if err := t.wbt(ctx, dir, "--run=Watershed", "--d8_pntr="+flovecTif, "--pour_pts="+outletJSON, "--output="+boundTif); err != nil {
		return err
	}
	err = t.wbt(ctx, dir, "--run=HillslopesTopaz",
		"--dem="+reliefTif, "--d8_pntr="+flovecTif, "--streams="+netfulTif,
		"--pour_pts="+outletJSON, "--watershed="+boundTif, "--chnjnt="+chnjntTif,
		"--output="+subwtaTif, "--order="+netwTsv)
	if err != nil {
		return err
	}
	if err := requireFile(filepath.Join(dir, subwtaTif), tools.WhiteboxTools); err != nil {
		return err
	}

	if err := wd.EnsureDir(wd.TopazDir(t.WD)); err != nil {
		return err
	}
	sub, err := t.toASCII(ctx, filepath.Join(dir, subwtaTif), wd.SubwtaArcPath(t.WD), 0)
	if err != nil {
		return err
	}
	ids := geo.ZoneIDs(geo.Zones(sub))
	t.Progress(ctx, "delineated %d subcatchments and channels", len(ids))
	return nil
}

func (e *Env) abstractWatershed(ctx context.Context, x *worker.Execution) error {
	return e.execute(ctx, x, abstractWatershedStage, func(ctx context.Context, t *Task) error {
		return t.abstractWatershed(ctx)
	})
}

func (t *Task) abstractWatershed(ctx context.Context) error {
	// SUBWTA may still be settling from the subcatchment build.
	delay := common.ParseDuration(t.env.Config.Watershed.AbstractionDelay, 50*time.Millisecond)
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-time.After(delay):
	}

	sub, err := t.subwta()
	if err != nil {
		return err
	}
	ws, err := load[modules.Watershed](ctx, t)
	if err != nil {
		return err
	}
	epsg := sub.EPSG
	if epsg == 0 && ws.Outlet != nil {
		epsg = geo.UTMEPSG(ws.Outlet.ActualLon, ws.Outlet.ActualLat)
	}
	if epsg == 0 {
		return fmt.Errorf("cannot determine projection of %s", wd.Relativize(t.WD, wd.SubwtaArcPath(t.WD)))
	}

	out := wd.WatershedDir(t.WD)
	if err := wd.EnsureDir(out); err != nil {
		return err
	}
	err = t.Tool(ctx, tools.Invocation{
		Tool: tools.Peridot,
		Args: []string{t.WD, "--wbt", "--ncpu", strconv.Itoa(t.env.ncpu())},
		Dir:  t.WD,
	})
	if err != nil {
		return err
	}

	abs, err := readAbstraction(out)
	if err != nil {
		return err
	}
	abs.EPSG = epsg
	abs.CellSize = sub.CellSize()

	var translator *modules.Translator
	err = mutate(ctx, t, func(ctx context.Context, s *modules.Watershed) error {
		tr, err := s.Abstract(abs, t.env.now())
		if err != nil {
			return err
		}
		if err := writeAbstractionTables(out, abs); err != nil {
			return err
		}
		translator = tr
		return nil
	})
	if err != nil {
		return err
	}
	t.Progress(ctx, "abstracted %d hillslopes and %d channels", len(translator.Hillslopes()), len(translator.Channels()))
	return nil
}

func readAbstraction(dir string) (*modules.Abstraction, error) {
	csv := func(name string) string { return filepath.Join(dir, name+".csv") }
	hs, err := modules.HillslopeRowsFromCSV(csv(modules.HillslopesTable))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s did not produce %s.csv", tools.Peridot, modules.HillslopesTable)
	}
	if err != nil {
		return nil, err
	}
	chs, err := modules.ChannelRowsFromCSV(csv(modules.ChannelsTable))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	fps, err := modules.FlowpathRowsFromCSV(csv(modules.FlowpathsTable))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return &modules.Abstraction{Hillslopes: hs, Channels: chs, Flowpaths: fps}, nil
}

func writeAbstractionTables(dir string, a *modules.Abstraction) error {
	if err := modules.WriteTable(modules.TablePath(dir, modules.HillslopesTable), a.Hillslopes); err != nil {
		return err
	}
	if err := modules.WriteTable(modules.TablePath(dir, modules.ChannelsTable), a.Channels); err != nil {
		return err
	}
	if len(a.Flowpaths) == 0 {
		return nil
	}
	return modules.WriteTable(modules.TablePath(dir, modules.FlowpathsTable), a.Flowpaths)
}
