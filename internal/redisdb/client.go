// Package redisdb opens go-redis clients for the logical databases used by
// the execution subsystem.
package redisdb

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/weppcloud/internal/common"
)

// queryOptions are the URL parameters go-redis understands. Anything else
// (ssl, retry_on_timeout, ...) is consumed here or dropped before parsing.
var queryOptions = map[string]bool{
	"protocol":           true,
	"client_name":        true,
	"max_retries":        true,
	"min_retry_backoff":  true,
	"max_retry_backoff":  true,
	"dial_timeout":       true,
	"read_timeout":       true,
	"write_timeout":      true,
	"pool_fifo":          true,
	"pool_size":          true,
	"pool_timeout":       true,
	"min_idle_conns":     true,
	"max_idle_conns":     true,
	"conn_max_idle_time": true,
	"conn_max_lifetime":  true,
	"skip_verify":        true,
}

// Options converts a redis URL into client options. "ssl=true" turns on TLS.
func Options(rawURL string) (*redis.Options, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	q := u.Query()
	useTLS := q.Get("ssl") == "true"
	for key := range q {
		if !queryOptions[key] {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if useTLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// Clients lazily opens one client per logical database.
type Clients struct {
	mu      sync.Mutex
	urlFor  func(common.RedisDB) string
	clients map[common.RedisDB]*redis.Client
}

// NewClients resolves every database through cfg (environment first).
func NewClients(cfg common.RedisConfig) *Clients {
	return &Clients{
		urlFor:  cfg.URLFor,
		clients: make(map[common.RedisDB]*redis.Client),
	}
}

// NewClientsFromURL uses base for every database, substituting the index.
func NewClientsFromURL(base string) *Clients {
	return &Clients{
		urlFor:  func(db common.RedisDB) string { return common.SubstituteDB(base, db) },
		clients: make(map[common.RedisDB]*redis.Client),
	}
}

// Get returns the client for db, opening it on first use.
func (c *Clients) Get(db common.RedisDB) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[db]; ok {
		return client, nil
	}
	opts, err := Options(c.urlFor(db))
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	c.clients[db] = client
	return client, nil
}

// MustGet is Get for wiring code that already validated the URL.
func (c *Clients) MustGet(db common.RedisDB) *redis.Client {
	client, err := c.Get(db)
	if err != nil {
		panic(err)
	}
	return client
}

// Ping checks connectivity of db.
func (c *Clients) Ping(ctx context.Context, db common.RedisDB) error {
	client, err := c.Get(db)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis db %d unreachable: %w", db, err)
	}
	return nil
}

// Close closes every opened client.
func (c *Clients) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for db, client := range c.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.clients, db)
	}
	return firstErr
}
