package worker

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkersKey is the set of registered worker names in the RQ database.
const WorkersKey = "rq:workers"

const heartbeatTTL = 60 * time.Second

// HeartbeatKey returns the hash describing a live worker.
func HeartbeatKey(name string) string {
	return "rq:worker:" + name
}

func (w *Worker) heartbeatLoop() {
	interval := w.config.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.beat()
	for {
		select {
		case <-w.loopCtx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

// beat writes the heartbeat hash and refreshes its expiry.
func (w *Worker) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running := w.local.Running()
	state := "idle"
	if len(running) > 0 {
		state = "busy"
	}

	key := HeartbeatKey(w.config.Name)
	_, err := w.rq.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"state":          state,
			"current_job":    strings.Join(running, ","),
			"pid":            strconv.Itoa(w.pid),
			"queues":         strings.Join(w.manager.Queues(), ","),
			"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, heartbeatTTL)
		pipe.SAdd(ctx, WorkersKey, w.config.Name)
		return nil
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("worker", w.config.Name).Msg("Heartbeat failed")
	}
}

func (w *Worker) clearHeartbeat() {
	if w.rq == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.rq.Del(ctx, HeartbeatKey(w.config.Name))
	w.rq.SRem(ctx, WorkersKey, w.config.Name)
}

// housekeeping purges expired job records, refreshes the queue depth gauge
// and drops workers whose heartbeat has lapsed.
func (w *Worker) housekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := w.manager.Purge(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Job purge failed")
	} else if purged > 0 {
		w.logger.Info().Int("purged", purged).Msg("Purged expired job records")
	}

	counts, err := w.manager.Counts(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Queue depth refresh failed")
	}
	for queue, n := range counts {
		w.metrics.setQueueDepth(queue, n)
	}

	if w.rq == nil {
		return
	}
	names, err := w.rq.SMembers(ctx, WorkersKey).Result()
	if err != nil {
		return
	}
	for _, name := range names {
		n, err := w.rq.Exists(ctx, HeartbeatKey(name)).Result()
		if err == nil && n == 0 {
			w.rq.SRem(ctx, WorkersKey, name)
			w.logger.Debug().Str("worker", name).Msg("Removed stale worker")
		}
	}
}

// LiveWorkers lists the names of workers with an unexpired heartbeat.
func LiveWorkers(ctx context.Context, client *redis.Client) ([]string, error) {
	names, err := client.SMembers(ctx, WorkersKey).Result()
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(names))
	for _, name := range names {
		n, err := client.Exists(ctx, HeartbeatKey(name)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			live = append(live, name)
		}
	}
	return live, nil
}

// Heartbeat is the published state of one live worker.
type Heartbeat struct {
	Name          string   `json:"name"`
	State         string   `json:"state"`
	CurrentJobs   []string `json:"current_jobs,omitempty"`
	Queues        []string `json:"queues,omitempty"`
	PID           int      `json:"pid,omitempty"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
}

// Busy reports whether the worker was running a job at its last beat.
func (h Heartbeat) Busy() bool {
	return len(h.CurrentJobs) > 0
}

// Heartbeats reads the hashes of every live worker.
func Heartbeats(ctx context.Context, client *redis.Client) ([]Heartbeat, error) {
	names, err := LiveWorkers(ctx, client)
	if err != nil {
		return nil, err
	}
	out := make([]Heartbeat, 0, len(names))
	for _, name := range names {
		fields, err := client.HGetAll(ctx, HeartbeatKey(name)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		hb := Heartbeat{
			Name:          name,
			State:         fields["state"],
			CurrentJobs:   splitNonEmpty(fields["current_job"]),
			Queues:        splitNonEmpty(fields["queues"]),
			LastHeartbeat: fields["last_heartbeat"],
		}
		hb.PID, _ = strconv.Atoi(fields["pid"])
		out = append(out, hb)
	}
	return out, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
