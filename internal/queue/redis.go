package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/weppcloud/internal/models"
)

// Key layout shared with the RQ dashboard.
const (
	queueKeyPrefix = "rq:queue:"
	jobKeyPrefix   = "rq:job:"
	txRetries      = 20
)

// QueueKey returns the list key holding the ids waiting in queue.
func QueueKey(queue string) string {
	return queueKeyPrefix + queue
}

// JobKey returns the key of a job record.
func JobKey(id string) string {
	return jobKeyPrefix + id
}

// RedisBackend keeps each queue as a Redis list in the RQ database.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Push(ctx context.Context, queue, jobID string) error {
	if err := b.client.RPush(ctx, QueueKey(queue), jobID).Err(); err != nil {
		return fmt.Errorf("failed to push job %s to %s: %w", jobID, queue, err)
	}
	return nil
}

// Pop uses BLPOP, which already honours key order, so the first listed queue wins.
func (b *RedisBackend) Pop(ctx context.Context, queues []string, wait time.Duration) (string, string, error) {
	if len(queues) == 0 {
		return "", "", ErrNoMessage
	}

	if wait <= 0 {
		for _, queue := range queues {
			id, err := b.client.LPop(ctx, QueueKey(queue)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return "", "", err
			}
			return queue, id, nil
		}
		return "", "", ErrNoMessage
	}

	keys := make([]string, len(queues))
	for i, queue := range queues {
		keys[i] = QueueKey(queue)
	}
	res, err := b.client.BLPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNoMessage
	}
	if err != nil {
		return "", "", err
	}
	return strings.TrimPrefix(res[0], queueKeyPrefix), res[1], nil
}

func (b *RedisBackend) Remove(ctx context.Context, queue, jobID string) error {
	return b.client.LRem(ctx, QueueKey(queue), 0, jobID).Err()
}

func (b *RedisBackend) Len(ctx context.Context, queue string) (int, error) {
	n, err := b.client.LLen(ctx, QueueKey(queue)).Result()
	return int(n), err
}

// RedisStore keeps job records as JSON strings. Terminal records expire after
// their result TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func expiryFor(job *models.Job) time.Duration {
	if job.Status.IsTerminal() && job.ResultTTL > 0 {
		return job.ResultTTL
	}
	return 0
}

func (s *RedisStore) Save(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, JobKey(job.ID), data, expiryFor(job)).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*models.Job, error) {
	data, err := c.Get(ctx, JobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &models.NotFoundError{Kind: "job", Name: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update runs fn inside WATCH/MULTI and retries when another client wrote the
// record in between.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error) {
	var updated *models.Job
	txf := func(tx *redis.Tx) error {
		job, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, JobKey(id), data, expiryFor(job))
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for attempt := 0; attempt < txRetries; attempt++ {
		err := s.client.Watch(ctx, txf, JobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, JobKey(id)).Err()
}

func (s *RedisStore) List(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error) {
	want := make(map[models.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var jobs []*models.Job
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), jobKeyPrefix)
		job, err := s.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || want[job.Status] {
			jobs = append(jobs, job)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}
	return jobs, nil
}
