package queue

import (
	"time"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/models"
)

// Config holds configuration for the queue manager
type Config struct {
	// Queues are polled in this order, highest priority first
	Queues []string

	// DefaultTimeout applies to jobs enqueued without an explicit timeout
	DefaultTimeout time.Duration

	// ResultTTL is how long terminal job records are kept
	ResultTTL time.Duration

	// PollInterval is the idle poll period of backends without blocking pops
	PollInterval time.Duration
}

// NewDefaultConfig creates a queue configuration with the RQ defaults
func NewDefaultConfig() Config {
	return Config{
		Queues:         []string{models.QueueHigh, models.QueueDefault, models.QueueLow},
		DefaultTimeout: models.DefaultTimeout,
		ResultTTL:      models.DefaultResultTTL,
		PollInterval:   1 * time.Second,
	}
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(c common.QueueConfig) Config {
	cfg := NewDefaultConfig()
	if len(c.Queues) > 0 {
		cfg.Queues = append([]string(nil), c.Queues...)
	}
	cfg.DefaultTimeout = common.ParseDuration(c.DefaultTimeout, cfg.DefaultTimeout)
	cfg.ResultTTL = common.ParseDuration(c.ResultTTL, cfg.ResultTTL)
	cfg.PollInterval = common.ParseDuration(c.PollInterval, cfg.PollInterval)
	return cfg
}
