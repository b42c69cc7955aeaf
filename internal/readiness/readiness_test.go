package readiness

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/worker"
)

type fixedQueues map[string]int

func (f fixedQueues) Len(_ context.Context, q string) (int, error) {
	return f[q], nil
}

type brokenQueues struct{}

func (brokenQueues) Len(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}

func workers(beats ...worker.Heartbeat) WorkerSource {
	return func(context.Context) ([]worker.Heartbeat, error) { return beats, nil }
}

func healthServer(t *testing.T, code int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestEvaluate(t *testing.T) {
	okURL := healthServer(t, http.StatusOK, `{"status":"ok"}`)
	downURL := healthServer(t, http.StatusServiceUnavailable, `{"status":"degraded"}`)
	busy := worker.Heartbeat{Name: "w1", State: "busy", CurrentJobs: []string{"j1"}, Queues: []string{"default"}}
	busyLow := worker.Heartbeat{Name: "w2", State: "busy", CurrentJobs: []string{"j2"}, Queues: []string{"batch"}}
	idle := worker.Heartbeat{Name: "w3", State: "idle", Queues: []string{"default"}}
	queues := []string{"high", "default", "low"}

	tests := []struct {
		name    string
		queues  QueueLengths
		workers WorkerSource
		opts    Options
		want    Verdict
	}{
		{"idle", fixedQueues{}, workers(idle), Options{Queues: queues, PreflightURL: okURL}, Go},
		{"queued", fixedQueues{"low": 2}, workers(), Options{Queues: queues, Preflight: PreflightSkip}, NoGo},
		{"queued allowed", fixedQueues{"low": 2}, workers(), Options{Queues: queues, AllowQueued: true, Preflight: PreflightSkip}, Go},
		{"running", fixedQueues{}, workers(busy), Options{Queues: queues, Preflight: PreflightSkip}, NoGo},
		{"running elsewhere", fixedQueues{}, workers(busyLow), Options{Queues: queues, Preflight: PreflightSkip}, Go},
		{"queue probe failed", brokenQueues{}, workers(), Options{Queues: queues, Preflight: PreflightSkip}, Unknown},
		{"activity wins over failed probe", brokenQueues{}, workers(busy), Options{Queues: queues, Preflight: PreflightSkip}, NoGo},
		{"preflight down warns", fixedQueues{}, workers(), Options{Queues: queues, PreflightURL: downURL}, Go},
		{"preflight down required", fixedQueues{}, workers(), Options{Queues: queues, PreflightURL: downURL, Preflight: PreflightRequire}, Unknown},
		{"preflight url missing required", fixedQueues{}, workers(), Options{Queues: queues, Preflight: PreflightRequire}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.queues, tt.workers, nil, arbor.NewNoOpLogger())
			r := c.Evaluate(context.Background(), tt.opts)
			assert.Equal(t, tt.want.String(), r.Verdict)
			assert.Equal(t, int(tt.want), r.ExitCode)
		})
	}
}

func TestEvaluateReportsDetails(t *testing.T) {
	c := NewChecker(fixedQueues{"default": 3}, workers(worker.Heartbeat{Name: "w1", CurrentJobs: []string{"j1"}}), nil, arbor.NewNoOpLogger())
	r := c.Evaluate(context.Background(), Options{Queues: []string{"default"}, Preflight: PreflightSkip})

	assert.Equal(t, map[string]int{"default": 3}, r.Queued)
	assert.Equal(t, []string{"w1"}, r.BusyWorkers)
	require.Len(t, r.Checks, 2)
	assert.Equal(t, "NO-GO", r.Checks[0].Status)
}

func TestEvaluateAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, worker.WorkersKey, "w1", "gone").Err())
	require.NoError(t, client.HSet(ctx, worker.HeartbeatKey("w1"), map[string]interface{}{
		"state": "busy", "current_job": "j1,j2", "queues": "high,default", "pid": "42",
	}).Err())

	beats, err := worker.Heartbeats(ctx, client)
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, []string{"j1", "j2"}, beats[0].CurrentJobs)
	assert.Equal(t, 42, beats[0].PID)

	c := NewChecker(queue.NewRedisBackend(client), func(ctx context.Context) ([]worker.Heartbeat, error) {
		return worker.Heartbeats(ctx, client)
	}, nil, arbor.NewNoOpLogger())
	r := c.Evaluate(ctx, Options{Queues: []string{"high", "default"}, Preflight: PreflightSkip})
	assert.Equal(t, "NO-GO", r.Verdict)
	assert.Equal(t, []string{"w1"}, r.BusyWorkers)
}
