// Package tasks implements the queued task functions of a run: watershed
// delineation, model inputs, WEPP and the optional model modules, and the
// orchestrators that chain them. Every task runs through Env.execute, which
// owns status publishing, RedisPrep timestamps and exceptions.log.
package tasks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// Task function names as they appear in job records.
const (
	FetchDEM                 = "fetch_dem_rq"
	BuildChannels            = "build_channels_rq"
	SetOutlet                = "set_outlet_rq"
	BuildSubcatchments       = "build_subcatchments_rq"
	AbstractWatershed        = "abstract_watershed_rq"
	FetchDEMAndBuildChannels = "fetch_dem_and_build_channels_rq"
	SubcatchmentsAndAbstract = "build_subcatchments_and_abstract_watershed_rq"
	InitSBSMap               = "init_sbs_map_rq"
	BuildLanduse             = "build_landuse_rq"
	BuildSoils               = "build_soils_rq"
	BuildClimate             = "build_climate_rq"
	RunWepp                  = "run_wepp_rq"
	RunInterchange           = "run_interchange_migration"
	PostDSSExport            = "post_dss_export_rq"
	RunRhem                  = "run_rhem_rq"
	RunAsh                   = "run_ash_rq"
	RunDebrisFlow            = "run_debris_flow_rq"
	FetchAndAnalyzeRAPTS     = "fetch_and_analyze_rap_ts_rq"
	RunObserved              = "run_observed_rq"
	RunOmniScenarios         = "run_omni_scenarios_rq"
	RunOmniContrasts         = "run_omni_contrasts_rq"
	RunPathCostEffective     = "run_path_cost_effective_rq"
	Fork                     = "fork_rq"
	FinishFork               = "_finish_fork_rq"
	Archive                  = "archive_rq"
	RestoreArchive           = "restore_archive_rq"
	Migrations               = "migrations_rq"
	NewProject               = "new_project_rq"
)

// Resolver locates run directories.
type Resolver interface {
	GetWD(ctx context.Context, runid string, preferActive bool) (string, error)
	PrimaryWD(runid string) string
}

// Downloader fetches a URL to a file.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// Mirror copies a finished archive to remote storage.
type Mirror interface {
	Upload(ctx context.Context, runid, path string) (string, error)
}

// CacheInvalidator drops cached NoDb state of a directory.
type CacheInvalidator interface {
	InvalidateWD(ctx context.Context, dir string) (int, error)
}

// Env carries the services tasks depend on. Mirror and Cache are optional.
type Env struct {
	Config    *common.Config
	Queue     *queue.Manager
	NoDb      *nodb.Registry
	Resolver  Resolver
	Publisher status.Publisher
	Status    *redis.Client
	Tools     tools.Toolchain
	Fetcher   Downloader
	Mirror    Mirror
	Cache     CacheInvalidator
	Logger    arbor.ILogger
	Now       func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) ncpu() int {
	return e.Config.Worker.ResolveNCPU()
}

func (e *Env) prep(runid string) *redisprep.Prep {
	if e.Status == nil {
		return nil
	}
	return redisprep.New(e.Status, runid)
}

// Register installs every task on reg.
func Register(reg *worker.Registry, env *Env) {
	reg.Register(FetchDEM, env.fetchDEM)
	reg.Register(BuildChannels, env.buildChannels)
	reg.Register(SetOutlet, env.setOutlet)
	reg.Register(BuildSubcatchments, env.buildSubcatchments)
	reg.Register(AbstractWatershed, env.abstractWatershed)
	reg.Register(FetchDEMAndBuildChannels, env.fetchDEMAndBuildChannels)
	reg.Register(SubcatchmentsAndAbstract, env.subcatchmentsAndAbstract)
	reg.Register(InitSBSMap, env.initSBSMap)
	reg.Register(BuildLanduse, env.buildLanduse)
	reg.Register(BuildSoils, env.buildSoils)
	reg.Register(BuildClimate, env.buildClimate)
	reg.Register(RunWepp, env.runWepp)
	reg.Register(RunInterchange, env.runInterchange)
	reg.Register(PostDSSExport, env.postDSSExport)
	reg.Register(RunRhem, env.runRhem)
	reg.Register(RunAsh, env.runAsh)
	reg.Register(RunDebrisFlow, env.runDebrisFlow)
	reg.Register(FetchAndAnalyzeRAPTS, env.fetchAndAnalyzeRAPTS)
	reg.Register(RunObserved, env.runObserved)
	reg.Register(RunOmniScenarios, env.runOmniScenarios)
	reg.Register(RunOmniContrasts, env.runOmniContrasts)
	reg.Register(RunPathCostEffective, env.runPathCostEffective)
	reg.Register(Fork, env.fork)
	reg.Register(FinishFork, env.finishFork)
	reg.Register(Archive, env.archive)
	reg.Register(RestoreArchive, env.restoreArchive)
	reg.Register(Migrations, env.migrations)
	reg.Register(NewProject, env.newProject)
}
