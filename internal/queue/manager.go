package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Manager owns job records and their lifecycle transitions. Queue order lives
// in the Backend; everything else lives in the Store.
type Manager struct {
	backend Backend
	store   Store
	stopper StopSignaler
	config  Config
	logger  arbor.ILogger
	now     func() time.Time
}

// NewManager wires a backend and a store. stopper may be nil when running
// jobs cannot be signalled (tests, offline tools).
func NewManager(backend Backend, store Store, stopper StopSignaler, config Config, logger arbor.ILogger) *Manager {
	if len(config.Queues) == 0 {
		config.Queues = NewDefaultConfig().Queues
	}
	return &Manager{
		backend: backend,
		store:   store,
		stopper: stopper,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Queues returns the dequeue order.
func (m *Manager) Queues() []string {
	return m.config.Queues
}

// Store exposes the job record store.
func (m *Manager) Store() Store {
	return m.store
}

// EnqueueOptions tune a single Enqueue call.
type EnqueueOptions struct {
	Queue     string
	DependsOn []string
	Timeout   time.Duration
	ResultTTL time.Duration
	Meta      map[string]string
	JobID     string
}

// Enqueue records a call of fn for runid with keyword args and places it on its
// queue. Jobs with unfinished dependencies wait in the deferred state until
// Finish promotes them; a failed or cancelled dependency cancels them.
func (m *Manager) Enqueue(ctx context.Context, fn, runid string, args interface{}, opts EnqueueOptions) (*models.Job, error) {
	if fn == "" {
		return nil, models.NewValidationError("func", "job function is required")
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args for %s: %w", fn, err)
		}
		raw = data
	}

	job := &models.Job{
		ID:         opts.JobID,
		Func:       fn,
		RunID:      runid,
		Args:       raw,
		Queue:      opts.Queue,
		Status:     models.JobStatusQueued,
		DependsOn:  append([]string(nil), opts.DependsOn...),
		Timeout:    opts.Timeout,
		ResultTTL:  opts.ResultTTL,
		EnqueuedAt: m.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Queue == "" {
		job.Queue = models.QueueDefault
	}
	if job.Timeout <= 0 {
		job.Timeout = m.config.DefaultTimeout
	}
	if job.ResultTTL <= 0 {
		job.ResultTTL = m.config.ResultTTL
	}
	for k, v := range opts.Meta {
		job.SetMeta(k, v)
	}
	job.SetMeta(models.MetaRunID, runid)

	if len(job.DependsOn) == 0 {
		if err := m.store.Save(ctx, job); err != nil {
			return nil, err
		}
		if err := m.backend.Push(ctx, job.Queue, job.ID); err != nil {
			return nil, err
		}
		m.logger.Debug().Str("job_id", job.ID).Str("func", fn).Str("queue", job.Queue).Msg("Job enqueued")
		return job, nil
	}

	job.Status = models.JobStatusDeferred
	if err := m.store.Save(ctx, job); err != nil {
		return nil, err
	}

	finished := 0
	broken := ""
	for _, depID := range job.DependsOn {
		var status models.JobStatus
		_, err := m.store.Update(ctx, depID, func(dep *models.Job) error {
			status = dep.Status
			dep.Dependents = append(dep.Dependents, job.ID)
			return nil
		})
		if errors.Is(err, models.ErrNotFound) {
			// An expired dependency finished long ago
			finished++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register dependency %s: %w", depID, err)
		}
		switch status {
		case models.JobStatusFinished:
			finished++
		case models.JobStatusFailed, models.JobStatusStopped, models.JobStatusCanceled:
			broken = depID
		}
	}

	switch {
	case broken != "":
		m.logger.Warn().Str("job_id", job.ID).Str("dependency", broken).Msg("Dependency already failed, cancelling job")
		if err := m.cancelPending(ctx, job.ID); err != nil {
			return nil, err
		}
	case finished == len(job.DependsOn):
		if err := m.promote(ctx, job.ID); err != nil {
			return nil, err
		}
	}

	latest, err := m.store.Get(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("job_id", job.ID).Str("func", fn).Strs("depends_on", job.DependsOn).Str("status", string(latest.Status)).Msg("Job enqueued")
	return latest, nil
}

// promote moves a deferred job onto its queue once every dependency finished.
// Concurrent promoters race on the record; only the winner pushes.
func (m *Manager) promote(ctx context.Context, id string) error {
	var ready bool
	var queue string
	_, err := m.store.Update(ctx, id, func(job *models.Job) error {
		ready = false
		if job.Status != models.JobStatusDeferred {
			return nil
		}
		for _, depID := range job.DependsOn {
			dep, err := m.store.Get(ctx, depID)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if dep.Status != models.JobStatusFinished {
				return nil
			}
		}
		job.Status = models.JobStatusQueued
		queue = job.Queue
		ready = true
		return nil
	})
	if err != nil {
		return err
	}
	if ready {
		return m.backend.Push(ctx, queue, id)
	}
	return nil
}

// Dequeue returns the next queued job, skipping ids whose record was cancelled
// or expired while waiting.
func (m *Manager) Dequeue(ctx context.Context, wait time.Duration) (*models.Job, error) {
	for {
		_, id, err := m.backend.Pop(ctx, m.config.Queues, wait)
		if err != nil {
			return nil, err
		}
		job, err := m.store.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			m.logger.Debug().Str("job_id", id).Msg("Skipping expired job")
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != models.JobStatusQueued {
			m.logger.Debug().Str("job_id", id).Str("status", string(job.Status)).Msg("Skipping job that is no longer queued")
			continue
		}
		return job, nil
	}
}

// Start marks job as running on worker.
func (m *Manager) Start(ctx context.Context, id, worker string, pid int) (*models.Job, error) {
	return m.store.Update(ctx, id, func(job *models.Job) error {
		if job.Status != models.JobStatusQueued {
			return fmt.Errorf("job %s is %s, not queued", id, job.Status)
		}
		job.Status = models.JobStatusStarted
		job.StartedAt = m.now().UTC()
		job.SetMeta(models.MetaWorker, worker)
		job.SetMeta(models.MetaPID, strconv.Itoa(pid))
		return nil
	})
}

// SetMeta stores one meta key on the record.
func (m *Manager) SetMeta(ctx context.Context, id, key, value string) error {
	_, err := m.store.Update(ctx, id, func(job *models.Job) error {
		job.SetMeta(key, value)
		return nil
	})
	return err
}

// Finish marks a job finished and promotes its dependents.
func (m *Manager) Finish(ctx context.Context, id string) error {
	job, err := m.end(ctx, id, models.JobStatusFinished, "")
	if err != nil {
		return err
	}
	for _, dependent := range job.Dependents {
		if err := m.promote(ctx, dependent); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.logger.Warn().Err(err).Str("job_id", dependent).Msg("Failed to promote dependent job")
		}
	}
	return nil
}

// Fail marks a job failed, stores the formatted error and cancels dependents.
func (m *Manager) Fail(ctx context.Context, id, excString string) error {
	job, err := m.end(ctx, id, models.JobStatusFailed, excString)
	if err != nil {
		return err
	}
	m.cancelDependents(ctx, job)
	return nil
}

// Stopped records that a running job was cancelled.
func (m *Manager) Stopped(ctx context.Context, id, excString string) error {
	job, err := m.end(ctx, id, models.JobStatusStopped, excString)
	if err != nil {
		return err
	}
	m.cancelDependents(ctx, job)
	return nil
}

func (m *Manager) end(ctx context.Context, id string, status models.JobStatus, excString string) (*models.Job, error) {
	return m.store.Update(ctx, id, func(job *models.Job) error {
		job.Status = status
		job.EndedAt = m.now().UTC()
		if excString != "" {
			job.SetMeta(models.MetaExcString, excString)
		}
		return nil
	})
}

func (m *Manager) cancelDependents(ctx context.Context, job *models.Job) {
	for _, dependent := range job.Dependents {
		if _, err := m.Cancel(ctx, dependent); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.logger.Warn().Err(err).Str("job_id", dependent).Msg("Failed to cancel dependent job")
		}
	}
}

// cancelPending moves a queued or deferred job to canceled and pulls it off
// its queue. Other states are left untouched.
func (m *Manager) cancelPending(ctx context.Context, id string) error {
	var queue string
	var changed bool
	_, err := m.store.Update(ctx, id, func(job *models.Job) error {
		changed = false
		if !job.Status.IsPending() {
			return nil
		}
		queue = job.Queue
		job.Status = models.JobStatusCanceled
		job.EndedAt = m.now().UTC()
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		return m.backend.Remove(ctx, queue, id)
	}
	return nil
}

// CancelResult lists what Cancel did to each job of the tree.
type CancelResult struct {
	Canceled []string // pending jobs canceled in place
	Stopping []string // running jobs sent a stop command
	Skipped  []string // already terminal
}

// Cancel walks id, its children and dependents. Pending jobs are canceled in
// place, running jobs are asked to stop, finished jobs are left alone.
func (m *Manager) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	result := &CancelResult{}
	seen := make(map[string]bool)

	root, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var walk func(job *models.Job) error
	walk = func(job *models.Job) error {
		if seen[job.ID] {
			return nil
		}
		seen[job.ID] = true

		switch {
		case job.Status.IsPending():
			if err := m.cancelPending(ctx, job.ID); err != nil {
				return err
			}
			result.Canceled = append(result.Canceled, job.ID)
		case job.Status == models.JobStatusStarted:
			if m.stopper != nil {
				if err := m.stopper.StopJob(ctx, job.ID); err != nil {
					return err
				}
			}
			result.Stopping = append(result.Stopping, job.ID)
		default:
			result.Skipped = append(result.Skipped, job.ID)
		}

		next := make([]string, 0, len(job.Children)+len(job.Dependents))
		for _, child := range job.ChildRefs() {
			next = append(next, child.JobID)
		}
		next = append(next, job.Dependents...)
		for _, nextID := range next {
			child, err := m.store.Get(ctx, nextID)
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(root); err != nil {
		return result, err
	}
	m.logger.Info().
		Str("job_id", id).
		Int("canceled", len(result.Canceled)).
		Int("stopping", len(result.Stopping)).
		Msg("Job tree cancelled")
	return result, nil
}

// AddChild records childID under parentID with the stage name that produced it.
func (m *Manager) AddChild(ctx context.Context, parentID, childID, stage string) error {
	_, err := m.store.Update(ctx, parentID, func(job *models.Job) error {
		job.AddChild(childID, stage)
		return nil
	})
	return err
}

// Get returns a job record.
func (m *Manager) Get(ctx context.Context, id string) (*models.Job, error) {
	return m.store.Get(ctx, id)
}

// Counts returns the number of waiting jobs per queue.
func (m *Manager) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(m.config.Queues))
	for _, queue := range m.config.Queues {
		n, err := m.backend.Len(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("failed to count queue %s: %w", queue, err)
		}
		counts[queue] = n
	}
	return counts, nil
}

// Running returns the jobs currently marked started.
func (m *Manager) Running(ctx context.Context) ([]*models.Job, error) {
	return m.store.List(ctx, models.JobStatusStarted)
}

// Purge deletes terminal records older than their result TTL.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	jobs, err := m.store.List(ctx,
		models.JobStatusFinished, models.JobStatusFailed,
		models.JobStatusStopped, models.JobStatusCanceled)
	if err != nil {
		return 0, err
	}

	now := m.now()
	purged := 0
	for _, job := range jobs {
		ttl := job.ResultTTL
		if ttl <= 0 {
			ttl = m.config.ResultTTL
		}
		if job.EndedAt.IsZero() || now.Sub(job.EndedAt) < ttl {
			continue
		}
		if err := m.store.Delete(ctx, job.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
