package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/nodb"
	"github.com/weppcloud/weppcloud/internal/procsup"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisprep"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/tools"
	"github.com/weppcloud/weppcloud/internal/wd"
	"github.com/weppcloud/weppcloud/internal/worker"
)

// Trigger events published when a stage completes.
const (
	EventBuildChannels      = "BUILD_CHANNELS_TASK_COMPLETED"
	EventSetOutlet          = "SET_OUTLET_TASK_COMPLETED"
	EventBuildSubcatchments = "BUILD_SUBCATCHMENTS_TASK_COMPLETED"
	EventAbstractWatershed  = "WATERSHED_ABSTRACTION_TASK_COMPLETED"
	EventFetchDEM           = "FETCH_DEM_TASK_COMPLETED"
	EventInitSBSMap         = "INIT_SBS_MAP_TASK_COMPLETED"
	EventBuildLanduse       = "LANDUSE_BUILD_TASK_COMPLETED"
	EventBuildSoils         = "SOILS_BUILD_TASK_COMPLETED"
	EventBuildClimate       = "CLIMATE_BUILD_TASK_COMPLETED"
	EventRunWepp            = "WEPP_RUN_TASK_COMPLETED"
	EventInterchange        = "INTERCHANGE_TASK_COMPLETED"
	EventDSSExport          = "DSS_EXPORT_TASK_COMPLETED"
	EventRunRhem            = "RHEM_RUN_TASK_COMPLETED"
	EventRunAsh             = "ASH_RUN_TASK_COMPLETED"
	EventRunDebrisFlow      = "DEBRIS_FLOW_RUN_TASK_COMPLETED"
	EventRAPTS              = "RAP_TS_TASK_COMPLETED"
	EventRunObserved        = "OBSERVED_RUN_TASK_COMPLETED"
	EventOmniScenarios      = "OMNI_SCENARIO_RUN_TASK_COMPLETED"
	EventOmniContrasts      = "OMNI_CONTRAST_RUN_TASK_COMPLETED"
	EventPathCE             = "PATH_CE_RUN_COMPLETE"
	EventForkComplete       = "FORK_COMPLETE"
	EventArchiveComplete    = "ARCHIVE_COMPLETE"
	EventRestoreComplete    = "RESTORE_COMPLETE"
	EventMigrationsComplete = "MIGRATIONS_COMPLETE"
	EventNewProject         = "NEW_PROJECT_COMPLETE"
)

// Stage describes the lifecycle of one pipeline step: where it reports,
// what it announces and which RedisPrep timestamps it clears and bumps.
type Stage struct {
	Name    string
	Topic   string
	Trigger string
	Clears  []redisprep.TaskEnum
	Stamps  []redisprep.TaskEnum
}

// Task is the per-job context handed to stage bodies.
type Task struct {
	env    *Env
	Job    *models.Job
	RunID  string
	WD     string
	Prep   *redisprep.Prep
	Logger arbor.ILogger
	log    *worker.RunLog
	topic  string
	// reuse lets pup runs keep rasters copied from the parent run.
	reuse bool
}

// pup returns a task operating on a pup sub-project of the run. Pups share
// the run's status channels but keep no RedisPrep state.
func (t *Task) pup(dir string) *Task {
	p := *t
	p.WD = dir
	p.Prep = nil
	p.reuse = true
	return &p
}

func (e *Env) newTask(x *worker.Execution) *Task {
	logger := x.Logger
	if logger == nil {
		logger = e.Logger.WithCorrelationId(x.Job.ID)
	}
	return &Task{
		env:    e,
		Job:    x.Job,
		RunID:  x.Job.RunID,
		WD:     x.WD,
		Prep:   e.prep(x.Job.RunID),
		Logger: logger,
		log:    x.Log,
		topic:  status.TopicRQ,
	}
}

// execute runs body as the outermost stage of a job. Failures are appended
// to <wd>/exceptions.log and returned so the worker marks the job failed.
func (e *Env) execute(ctx context.Context, x *worker.Execution, st Stage, body func(ctx context.Context, t *Task) error) error {
	t := e.newTask(x)
	if t.WD == "" {
		return &models.NotFoundError{Kind: "run", Name: t.RunID}
	}
	err := t.Stage(ctx, st, body)
	if err != nil {
		if logErr := LogException(t.WD, st.Name, t.RunID, err, e.now()); logErr != nil {
			t.Logger.Warn().Err(logErr).Str("runid", t.RunID).Msg("Failed to append exceptions.log")
		}
	}
	return err
}

// Stage runs body with the lifecycle of st: STARTED, then the body, then
// COMPLETED, the trigger event and the timestamps. A failing body publishes
// EXCEPTION and its error is returned unchanged.
func (t *Task) Stage(ctx context.Context, st Stage, body func(ctx context.Context, t *Task) error) error {
	prev := t.topic
	if st.Topic != "" {
		t.topic = st.Topic
	}
	defer func() { t.topic = prev }()

	call := fmt.Sprintf("%s(%s)", st.Name, t.RunID)
	t.publish(ctx, status.Started{JobID: t.Job.ID, Call: call})
	for _, c := range st.Clears {
		t.clear(ctx, c)
	}

	started := time.Now()
	if err := body(ctx, t); err != nil {
		t.publish(ctx, status.Exception{JobID: t.Job.ID, Call: call})
		t.log.Printf("%s failed: %v", st.Name, err)
		return err
	}

	t.publish(ctx, status.Completed{JobID: t.Job.ID, Call: call})
	if st.Trigger != "" {
		t.publish(ctx, status.Trigger{JobID: t.Job.ID, Topic: t.topic, Event: st.Trigger})
	}
	for _, s := range st.Stamps {
		if err := t.stamp(ctx, s); err != nil {
			return err
		}
	}
	t.Logger.Info().
		Str("stage", st.Name).
		Str("runid", t.RunID).
		Dur("duration", time.Since(started)).
		Msg("Stage completed")
	return nil
}

// LogException appends a failure record to <dir>/exceptions.log.
func LogException(dir, name, runid string, err error, now time.Time) error {
	f, openErr := os.OpenFile(wd.ExceptionsPath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if openErr != nil {
		return openErr
	}
	_, writeErr := fmt.Fprintf(f, "[%s] %s failed (runid=%s)\n%s\n\n",
		now.UTC().Format(time.RFC3339), name, runid, worker.ExcString(err))
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	return writeErr
}

func (t *Task) publish(ctx context.Context, msg status.Message) {
	if t.env.Publisher == nil {
		return
	}
	if err := t.env.Publisher.Publish(ctx, t.RunID, t.topic, msg); err != nil {
		t.Logger.Warn().Err(err).Str("topic", t.topic).Msg("Failed to publish status")
	}
}

// Progress reports a free-form line on the current topic and in rq.log.
func (t *Task) Progress(ctx context.Context, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	t.log.Printf("%s", text)
	t.publish(ctx, status.Progress{Text: text})
}

// Tool runs an external program, streaming its output as progress lines.
func (t *Task) Tool(ctx context.Context, inv tools.Invocation) error {
	t.Logger.Debug().Str("tool", string(inv.Tool)).Strs("args", inv.Args).Msg("Running tool")
	err := t.env.Tools.Run(ctx, inv, func(l procsup.Line) {
		t.Progress(ctx, "%s", l.Text)
	})
	if err != nil {
		t.Progress(ctx, "%s failed: %v", inv.Tool, err)
		return err
	}
	return nil
}

func (t *Task) stamp(ctx context.Context, task redisprep.TaskEnum) error {
	if t.Prep == nil {
		return nil
	}
	if _, err := t.Prep.Timestamp(ctx, task); err != nil {
		return fmt.Errorf("failed to record %s timestamp: %w", task, err)
	}
	return nil
}

func (t *Task) clear(ctx context.Context, task redisprep.TaskEnum) {
	if t.Prep == nil {
		return
	}
	if err := t.Prep.RemoveTimestamp(ctx, task); err != nil {
		t.Logger.Warn().Err(err).Str("task", string(task)).Msg("Failed to clear timestamp")
	}
}

func (t *Task) setJobID(ctx context.Context, name, id string) {
	if t.Prep == nil {
		return
	}
	if err := t.Prep.SetJobID(ctx, name, id); err != nil {
		t.Logger.Warn().Err(err).Str("task", name).Msg("Failed to record job id")
	}
}

// enqueue schedules fn for the run as a child of the current job.
func (t *Task) enqueue(ctx context.Context, fn string, args interface{}, dependsOn ...string) (*models.Job, error) {
	job, err := t.env.Queue.Enqueue(ctx, fn, t.RunID, args, queue.EnqueueOptions{DependsOn: dependsOn})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", fn, err)
	}
	if err := t.env.Queue.AddChild(ctx, t.Job.ID, job.ID, fn); err != nil {
		t.Logger.Warn().Err(err).Str("child", job.ID).Msg("Failed to record child job")
	}
	t.setJobID(ctx, fn, job.ID)
	t.Progress(ctx, "enqueued %s as job %s", fn, job.ID)
	return job, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

// load returns a copy of module state of the run.
func load[T any, P nodb.StatePtr[T]](ctx context.Context, t *Task) (P, error) {
	h, err := nodb.Open[T, P](ctx, t.env.NoDb, t.WD)
	if err != nil {
		return nil, err
	}
	return h.Get(ctx)
}

// mutate applies fn to module state under its lock.
func mutate[T any, P nodb.StatePtr[T]](ctx context.Context, t *Task, fn func(ctx context.Context, s P) error) error {
	h, err := nodb.Open[T, P](ctx, t.env.NoDb, t.WD)
	if err != nil {
		return err
	}
	return h.Locked(ctx, fn)
}

// mutateOrCreate is mutate for optional modules that may not exist yet.
func mutateOrCreate[T any, P nodb.StatePtr[T]](ctx context.Context, t *Task, fn func(ctx context.Context, s P) error) error {
	h, err := nodb.Open[T, P](ctx, t.env.NoDb, t.WD)
	if errors.Is(err, models.ErrNotFound) {
		h, err = nodb.Create[T, P](ctx, t.env.NoDb, t.WD, nil)
	}
	if err != nil {
		return err
	}
	return h.Locked(ctx, fn)
}
