package status

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
)

// Publisher sends a message to a run topic.
type Publisher interface {
	Publish(ctx context.Context, runid, topic string, msg Message) error
}

// Messenger publishes over the STATUS Redis database.
type Messenger struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewMessenger creates a Messenger.
func NewMessenger(client *redis.Client, logger arbor.ILogger) *Messenger {
	return &Messenger{client: client, logger: logger}
}

// Publish sends msg on <runid>:<topic>. Redis preserves order per channel.
func (m *Messenger) Publish(ctx context.Context, runid, topic string, msg Message) error {
	channel := Channel(runid, topic)
	if err := m.client.Publish(ctx, channel, msg.String()).Err(); err != nil {
		m.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to publish status message")
		return err
	}
	return nil
}

// PublishRaw sends a pre-rendered payload (preflight snapshots are JSON).
func (m *Messenger) PublishRaw(ctx context.Context, channel, payload string) error {
	return m.client.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on the given channels. Close the returned PubSub when done.
func (m *Messenger) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return m.client.Subscribe(ctx, channels...)
}

// Recorder is an in-memory Publisher. It is used where no broker is wired
// (offline CLI runs) and by tests that assert on emitted messages.
type Recorder struct {
	mu       sync.Mutex
	messages map[string][]Message
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{messages: make(map[string][]Message)}
}

func (r *Recorder) Publish(_ context.Context, runid, topic string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel := Channel(runid, topic)
	r.messages[channel] = append(r.messages[channel], msg)
	return nil
}

// Messages returns a copy of what was published on channel.
func (r *Recorder) Messages(channel string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[channel]...)
}

// Strings returns the wire form of everything published on channel.
func (r *Recorder) Strings(channel string) []string {
	msgs := r.Messages(channel)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.String()
	}
	return out
}
