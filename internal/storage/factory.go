package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/queue"
	"github.com/weppcloud/weppcloud/internal/redisdb"
	"github.com/weppcloud/weppcloud/internal/storage/badger"
)

// QueueStack is the queue manager plus whatever must be closed with it.
type QueueStack struct {
	Manager *queue.Manager
	// Local cancels jobs running in this process. Workers register with it.
	Local *queue.LocalStopper
	// Redis is true when stop commands travel over rq:pubsub:commands.
	Redis bool

	closers []func() error
}

// Close releases the backend resources in reverse order of creation.
func (s *QueueStack) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewQueueStack builds the queue manager selected by config.Queue.Backend.
func NewQueueStack(logger arbor.ILogger, config *common.Config, clients *redisdb.Clients) (*QueueStack, error) {
	qcfg := queue.ConfigFrom(config.Queue)
	local := queue.NewLocalStopper()

	switch config.Queue.Backend {
	case "badger":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		backend, err := queue.NewBadgerBackend(db.DB(), qcfg.PollInterval)
		if err != nil {
			db.Close()
			return nil, err
		}
		store := badger.NewJobStorage(db, logger)
		return &QueueStack{
			Manager: queue.NewManager(backend, store, local, qcfg, logger),
			Local:   local,
			closers: []func() error{db.Close, backend.Close},
		}, nil

	case "redis", "":
		client, err := clients.Get(common.RQDB)
		if err != nil {
			return nil, err
		}
		return &QueueStack{
			Manager: queue.NewManager(queue.NewRedisBackend(client), queue.NewRedisStore(client), queue.NewRedisStopSignaler(client), qcfg, logger),
			Local:   local,
			Redis:   true,
		}, nil
	}
	return nil, fmt.Errorf("unsupported queue backend: %s", config.Queue.Backend)
}
