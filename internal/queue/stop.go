package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/models"
)

// CommandsChannel carries worker commands in the RQ database.
const CommandsChannel = "rq:pubsub:commands"

// CommandStopJob asks the owner of a running job to stop it.
const CommandStopJob = "stop-job"

// Command is the JSON payload published on CommandsChannel.
type Command struct {
	Command string `json:"command"`
	JobID   string `json:"job_id,omitempty"`
}

// RedisStopSignaler broadcasts stop commands to every worker.
type RedisStopSignaler struct {
	client *redis.Client
}

func NewRedisStopSignaler(client *redis.Client) *RedisStopSignaler {
	return &RedisStopSignaler{client: client}
}

func (s *RedisStopSignaler) StopJob(ctx context.Context, jobID string) error {
	data, err := json.Marshal(Command{Command: CommandStopJob, JobID: jobID})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, CommandsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to send stop command for %s: %w", jobID, err)
	}
	return nil
}

// ListenCommands subscribes to CommandsChannel and forwards stop commands to
// local until ctx is done.
func ListenCommands(ctx context.Context, client *redis.Client, local StopSignaler, logger arbor.ILogger) error {
	sub := client.Subscribe(ctx, CommandsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", CommandsChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var cmd Command
			if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
				logger.Warn().Err(err).Str("payload", msg.Payload).Msg("Ignoring malformed worker command")
				continue
			}
			if cmd.Command != CommandStopJob || cmd.JobID == "" {
				continue
			}
			if err := local.StopJob(ctx, cmd.JobID); err != nil {
				logger.Warn().Err(err).Str("job_id", cmd.JobID).Msg("Stop command failed")
			}
		}
	}
}

// LocalStopper cancels jobs running in this process.
type LocalStopper struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewLocalStopper() *LocalStopper {
	return &LocalStopper{cancels: make(map[string]context.CancelCauseFunc)}
}

// Register tracks the cancel function of a running job. The returned func
// unregisters it.
func (s *LocalStopper) Register(jobID string, cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}
}

// StopJob cancels jobID with ErrJobCancelled. Jobs owned elsewhere are ignored.
func (s *LocalStopper) StopJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel(models.ErrJobCancelled)
	}
	return nil
}

// StopAll cancels every registered job and returns how many were running.
func (s *LocalStopper) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel(models.ErrJobCancelled)
	}
	return len(s.cancels)
}

// Running lists the ids of registered jobs.
func (s *LocalStopper) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cancels))
	for id := range s.cancels {
		ids = append(ids, id)
	}
	return ids
}
