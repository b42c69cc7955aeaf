package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/weppcloud/weppcloud/internal/models"
)

const conflictRetries = 10

// JobStorage keeps job records in badgerhold, keyed by job id.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func notFound(id string) error {
	return &models.NotFoundError{Kind: "job", Name: id}
}

func (s *JobStorage) Save(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Update reads, modifies and writes the record in one Badger transaction,
// retrying when a concurrent writer wins the conflict check.
func (s *JobStorage) Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	store := s.db.Store()
	var updated models.Job

	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = store.Badger().Update(func(txn *badgerdb.Txn) error {
			var job models.Job
			if err := store.TxGet(txn, id, &job); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					return notFound(id)
				}
				return err
			}
			if err := fn(&job); err != nil {
				return err
			}
			if err := store.TxUpsert(txn, id, &job); err != nil {
				return err
			}
			updated = job
			return nil
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			break
		}
		s.logger.Debug().Str("job_id", id).Int("attempt", attempt+1).Msg("Job update conflict, retrying")
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *JobStorage) Delete(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, models.Job{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) List(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	var query *badgerhold.Query
	if len(statuses) > 0 {
		values := make([]interface{}, len(statuses))
		for i, st := range statuses {
			values[i] = st
		}
		query = badgerhold.Where("Status").In(values...)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
