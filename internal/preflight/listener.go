package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/weppcloud/weppcloud/internal/status"
)

// RawPublisher sends an already rendered payload on a channel.
type RawPublisher interface {
	PublishRaw(ctx context.Context, channel, payload string) error
}

// idleLimiterTicks is how many throttle intervals a run may stay quiet
// before its limiter is dropped.
const idleLimiterTicks = 8

type runLimiter struct {
	*rate.Limiter
	seen time.Time
}

// Listener watches keyspace notifications on the prep database and
// republishes the snapshot for the touched run. Bursts of writes to one run
// are coalesced: at most one publish per throttle interval, with a trailing
// publish so the last state is always delivered.
type Listener struct {
	client    *redis.Client
	publisher RawPublisher
	throttle  time.Duration
	logger    arbor.ILogger

	mu       sync.Mutex
	limiters map[string]*runLimiter
	pending  map[string]bool
	now      func() time.Time
}

// NewListener creates a Listener. client must point at the prep database.
func NewListener(client *redis.Client, publisher RawPublisher, throttle time.Duration, logger arbor.ILogger) *Listener {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &Listener{
		client:    client,
		publisher: publisher,
		throttle:  throttle,
		logger:    logger,
		limiters:  make(map[string]*runLimiter),
		pending:   make(map[string]bool),
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	db := l.client.Options().DB
	if err := l.client.ConfigSet(ctx, "notify-keyspace-events", "Khg").Err(); err != nil {
		// Managed deployments may forbid CONFIG; notifications must then be enabled server side.
		l.logger.Warn().Err(err).Msg("Could not enable keyspace notifications")
	}

	prefix := fmt.Sprintf("__keyspace@%d__:", db)
	sub := l.client.PSubscribe(ctx, prefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to keyspace events: %w", err)
	}
	l.logger.Info().Int("db", db).Msg("Preflight listener subscribed")

	ticker := time.NewTicker(l.throttle)
	defer ticker.Stop()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			runid := strings.TrimPrefix(msg.Channel, prefix)
			if runid == "" || strings.Contains(runid, ":") {
				continue
			}
			l.Notify(ctx, runid)
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

// Notify publishes now when the run's limiter allows it, otherwise defers
// to the next flush.
func (l *Listener) Notify(ctx context.Context, runid string) {
	l.mu.Lock()
	now := l.now()
	limiter, ok := l.limiters[runid]
	if !ok {
		limiter = &runLimiter{Limiter: rate.NewLimiter(rate.Every(l.throttle), 1)}
		l.limiters[runid] = limiter
	}
	limiter.seen = now
	allowed := limiter.AllowN(now, 1)
	if !allowed {
		l.pending[runid] = true
	}
	l.mu.Unlock()

	if allowed {
		if err := l.Publish(ctx, runid); err != nil {
			l.logger.Warn().Err(err).Str("runid", runid).Msg("Failed to publish preflight snapshot")
		}
	}
}

// flush publishes the deferred runs and drops limiters of runs that have
// been quiet for idleLimiterTicks intervals.
func (l *Listener) flush(ctx context.Context) {
	l.mu.Lock()
	runs := make([]string, 0, len(l.pending))
	for runid := range l.pending {
		runs = append(runs, runid)
	}
	l.pending = make(map[string]bool)
	cutoff := l.now().Add(-idleLimiterTicks * l.throttle)
	for runid, limiter := range l.limiters {
		if limiter.seen.Before(cutoff) {
			delete(l.limiters, runid)
		}
	}
	l.mu.Unlock()

	for _, runid := range runs {
		if err := l.Publish(ctx, runid); err != nil {
			l.logger.Warn().Err(err).Str("runid", runid).Msg("Failed to publish preflight snapshot")
		}
	}
}

// Publish evaluates runid's hash and sends the snapshot on <runid>:preflight.
func (l *Listener) Publish(ctx context.Context, runid string) error {
	hash, err := l.client.HGetAll(ctx, runid).Result()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(NewSnapshot(hash))
	if err != nil {
		return err
	}
	return l.publisher.PublishRaw(ctx, status.Channel(runid, status.TopicPreflight), string(payload))
}
