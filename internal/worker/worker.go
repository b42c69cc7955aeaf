// Package worker pulls jobs from the queue and runs the registered task for
// each one, owning the job lifecycle: start, success, failure and cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/status"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Config tunes one worker process.
type Config struct {
	Name                 string
	Concurrency          int
	ShutdownTimeout      time.Duration
	HeartbeatInterval    time.Duration
	HousekeepingSchedule string
	RunLogMaxSize        int64
	DequeueWait          time.Duration
}

// ConfigFrom derives the worker settings from the service configuration.
func ConfigFrom(cfg *common.Config) Config {
	name := cfg.Worker.Name
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s.%d", host, os.Getpid())
	}
	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return Config{
		Name:                 name,
		Concurrency:          concurrency,
		ShutdownTimeout:      common.ParseDuration(cfg.Worker.ShutdownTimeout, 15*time.Second),
		HeartbeatInterval:    common.ParseDuration(cfg.Worker.HeartbeatInterval, 10*time.Second),
		HousekeepingSchedule: cfg.Worker.HousekeepingSchedule,
		RunLogMaxSize:        cfg.Logging.RunLogMaxSize,
		DequeueWait:          1 * time.Second,
	}
}

// WDResolver finds the working directory of a run.
type WDResolver interface {
	GetWD(ctx context.Context, runid string, preferActive bool) (string, error)
}

// Worker processes jobs from the configured queues.
type Worker struct {
	config    Config
	manager   *queue.Manager
	registry  *Registry
	resolver  WDResolver
	publisher status.Publisher
	local     *queue.LocalStopper
	rq        *redis.Client
	metrics   *Metrics
	logger    arbor.ILogger
	pid       int

	loopCtx    context.Context
	stopLoops  context.CancelFunc
	execCtx    context.Context
	cancelExec context.CancelCauseFunc
	loops      sync.WaitGroup
	background sync.WaitGroup
	cron       *cron.Cron

	mu      sync.Mutex
	running bool
}

// Option customises a Worker.
type Option func(*Worker)

// WithRedis enables heartbeats and stop commands over the RQ database.
func WithRedis(client *redis.Client) Option {
	return func(w *Worker) { w.rq = client }
}

// WithLocalStopper shares the in-process stopper with the queue manager.
func WithLocalStopper(s *queue.LocalStopper) Option {
	return func(w *Worker) { w.local = s }
}

// WithMetrics sets the collectors; NewMetrics is used otherwise.
func WithMetrics(m *Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func New(config Config, manager *queue.Manager, registry *Registry, resolver WDResolver, publisher status.Publisher, logger arbor.ILogger, opts ...Option) *Worker {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}
	w := &Worker{
		config:    config,
		manager:   manager,
		registry:  registry,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		pid:       os.Getpid(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.local == nil {
		w.local = queue.NewLocalStopper()
	}
	if w.metrics == nil {
		w.metrics = NewMetrics()
	}
	w.loopCtx, w.stopLoops = context.WithCancel(context.Background())
	w.execCtx, w.cancelExec = context.WithCancelCause(context.Background())
	return w
}

// Name returns the worker name used in heartbeats and job meta.
func (w *Worker) Name() string {
	return w.config.Name
}

// Metrics returns the worker's collectors.
func (w *Worker) Metrics() *Metrics {
	return w.metrics
}

// Start launches the processing loops and background services.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		w.logger.Warn().Msg("Worker already running")
		return nil
	}

	if w.config.HousekeepingSchedule != "" {
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(w.config.HousekeepingSchedule, w.housekeeping); err != nil {
			return fmt.Errorf("invalid housekeeping schedule: %w", err)
		}
		w.cron.Start()
	}

	w.running = true
	w.logger.Info().
		Str("worker", w.config.Name).
		Int("concurrency", w.config.Concurrency).
		Strs("queues", w.manager.Queues()).
		Msg("Starting worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.loops.Add(1)
		go w.processJobs(i)
	}

	if w.rq != nil {
		w.background.Add(2)
		go func() {
			defer w.background.Done()
			w.heartbeatLoop()
		}()
		go func() {
			defer w.background.Done()
			if err := queue.ListenCommands(w.loopCtx, w.rq, w.local, w.logger); err != nil {
				w.logger.Error().Err(err).Msg("Worker command listener stopped")
			}
		}()
	}
	return nil
}

// Stop stops dequeuing and waits up to the shutdown timeout for in-flight
// jobs. Jobs still running after that are cancelled.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info().Msg("Stopping worker...")
	w.stopLoops()
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		w.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.config.ShutdownTimeout):
		n := w.local.StopAll()
		w.logger.Warn().Int("jobs", n).Dur("timeout", w.config.ShutdownTimeout).Msg("Shutdown timeout reached, cancelling running jobs")
		w.cancelExec(models.ErrJobCancelled)
		<-done
	}

	w.background.Wait()
	w.clearHeartbeat()
	w.logger.Info().Msg("Worker stopped")
}

// CancelRunning cancels every job executing in this process, as SIGUSR1 does.
func (w *Worker) CancelRunning() int {
	n := w.local.StopAll()
	w.logger.Info().Int("jobs", n).Msg("Cancelling running jobs")
	return n
}

func (w *Worker) processJobs(loopID int) {
	defer w.loops.Done()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Int("loop_id", loopID).
				Msg("Worker loop panicked")
		}
	}()

	currentBackoff := minBackoff
	for {
		select {
		case <-w.loopCtx.Done():
			return
		default:
		}

		processed, err := w.ProcessNext(w.loopCtx)
		if err != nil && w.loopCtx.Err() == nil {
			w.logger.Error().Err(err).Int("loop_id", loopID).Msg("Failed to dequeue job")
		}
		if processed {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-w.loopCtx.Done():
			return
		case <-time.After(currentBackoff):
		}
		currentBackoff *= 2
		if currentBackoff > maxBackoff {
			currentBackoff = maxBackoff
		}
	}
}

// ProcessNext dequeues and runs at most one job. It reports whether a job was taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.manager.Dequeue(ctx, w.config.DequeueWait)
	if errors.Is(err, queue.ErrNoMessage) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.perform(job)
	return true, nil
}

// perform runs job to completion and records the outcome. Failures are
// written to the job record and published rather than returned. Record
// updates use a background context so they land even during forced shutdown.
func (w *Worker) perform(job *models.Job) {
	ctx := context.Background()
	logger := w.logger.WithCorrelationId(job.ID)

	started, err := w.manager.Start(ctx, job.ID, w.config.Name, w.pid)
	if err != nil {
		logger.Warn().Err(err).Str("func", job.Func).Msg("Could not start job")
		return
	}
	job = started

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = models.DefaultTimeout
	}
	jobCtx, cancel := context.WithCancelCause(w.execCtx)
	defer cancel(nil)
	jobCtx, cancelTimeout := context.WithTimeoutCause(jobCtx, timeout, models.ErrJobTimeout)
	defer cancelTimeout()
	defer w.local.Register(job.ID, cancel)()

	exec := &Execution{Job: job, Logger: logger}
	if job.RunID != "" && w.resolver != nil {
		dir, err := w.resolver.GetWD(ctx, job.RunID, true)
		if err != nil {
			logger.Warn().Err(err).Str("runid", job.RunID).Msg("Could not resolve working directory")
		} else {
			exec.WD = dir
			if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
				runLog, err := OpenRunLog(wd.RunLogPath(dir), w.config.RunLogMaxSize)
				if err != nil {
					logger.Warn().Err(err).Msg("Could not attach rq.log")
				} else {
					exec.Log = runLog
					defer runLog.Close()
				}
			}
		}
	}

	call := job.Description()
	w.publish(job, status.Started{JobID: job.ID, Call: call})
	exec.Log.Printf("%s STARTED (job %s, worker %s, pid %d)", call, job.ID, w.config.Name, w.pid)
	logger.Info().Str("func", job.Func).Str("runid", job.RunID).Msg("Job started")

	w.metrics.started()
	startTime := time.Now()
	err = w.run(jobCtx, exec)
	elapsed := time.Since(startTime)

	if err == nil {
		if finishErr := w.manager.Finish(ctx, job.ID); finishErr != nil {
			logger.Error().Err(finishErr).Msg("Failed to record job success")
		}
		w.metrics.finished(job.Func, string(models.JobStatusFinished), elapsed)
		exec.Log.Printf("%s COMPLETED in %s", call, elapsed.Round(time.Millisecond))
		w.publish(job, status.Completed{JobID: job.ID, Call: call})
		logger.Info().Str("func", job.Func).Dur("duration", elapsed).Msg("Job completed")
		return
	}

	excString := ExcString(err)
	cancelled := errors.Is(err, models.ErrJobCancelled) || errors.Is(context.Cause(jobCtx), models.ErrJobCancelled)
	if cancelled {
		if stopErr := w.manager.Stopped(ctx, job.ID, excString); stopErr != nil {
			logger.Error().Err(stopErr).Msg("Failed to record job cancellation")
		}
		w.metrics.finished(job.Func, string(models.JobStatusStopped), elapsed)
	} else {
		if failErr := w.manager.Fail(ctx, job.ID, excString); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to record job failure")
		}
		w.metrics.finished(job.Func, string(models.JobStatusFailed), elapsed)
	}
	exec.Log.Printf("%s EXCEPTION after %s\n%s", call, elapsed.Round(time.Millisecond), excString)
	w.publish(job, status.Exception{JobID: job.ID, Call: call})
	logger.Error().Err(err).Str("func", job.Func).Bool("cancelled", cancelled).Dur("duration", elapsed).Msg("Job failed")
}

// run invokes the task with panic recovery.
func (w *Worker) run(ctx context.Context, exec *Execution) (err error) {
	fn, ok := w.registry.Lookup(exec.Job.Func)
	if !ok {
		return models.NewValidationError("func", "no task registered for %s", exec.Job.Func)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: common.StackTrace()}
		}
	}()

	err = fn(ctx, exec)
	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	return err
}

func (w *Worker) publish(job *models.Job, msg status.Message) {
	if w.publisher == nil || job.RunID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.publisher.Publish(ctx, job.RunID, status.TopicRQ, msg); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish lifecycle message")
	}
}

// PanicError is a recovered task panic.
type PanicError struct {
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// ExcString renders err for job meta: the innermost error type, the message,
// and the stack for panics.
func ExcString(err error) string {
	if err == nil {
		return ""
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%T: %s", root, err.Error())
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		b.WriteString("\n")
		b.WriteString(panicErr.Stack)
	}
	return b.String()
}
