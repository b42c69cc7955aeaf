package common

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// RedisDB is a logical database index inside the shared Redis deployment.
type RedisDB int

const (
	LockDB      RedisDB = 0
	StatusDB    RedisDB = 2
	RQDB        RedisDB = 9
	WDCacheDB   RedisDB = 11
	SessionDB   RedisDB = 11
	NoDbCacheDB RedisDB = 13
	ReadmeDB    RedisDB = 14
	LogLevelDB  RedisDB = 15
)

// redisURLEnv lists the URL variables in precedence order.
var redisURLEnv = []string{"REDIS_URL", "RQ_REDIS_URL", "SESSION_REDIS_URL"}

// RedisURL resolves the connection URL for db from the process environment.
func RedisURL(db RedisDB) string {
	return resolveRedisURL(os.Getenv, "", db)
}

// URLFor resolves the connection URL for db, preferring the environment over
// the configured base URL and host/port.
func (r RedisConfig) URLFor(db RedisDB) string {
	base := r.URL
	if base == "" && r.Host != "" {
		port := r.Port
		if port == 0 {
			port = 6379
		}
		base = fmt.Sprintf("redis://%s:%d/0", r.Host, port)
	}
	return resolveRedisURL(os.Getenv, base, db)
}

// resolveRedisURL keeps credentials, scheme and query of the base URL and
// substitutes the database index in the path.
func resolveRedisURL(getenv func(string) string, fallback string, db RedisDB) string {
	base := ""
	for _, name := range redisURLEnv {
		if v := getenv(name); v != "" {
			base = v
			break
		}
	}
	if base == "" {
		host := getenv("REDIS_HOST")
		port := getenv("REDIS_PORT")
		if host != "" || port != "" {
			if host == "" {
				host = "localhost"
			}
			if _, err := strconv.Atoi(port); err != nil {
				port = "6379"
			}
			base = fmt.Sprintf("redis://%s:%s/0", host, port)
		}
	}
	if base == "" {
		base = fallback
	}
	return SubstituteDB(base, db)
}

// SubstituteDB replaces the database index of base, keeping everything else.
// An empty or unparsable base yields the localhost default.
func SubstituteDB(base string, db RedisDB) string {
	u, err := url.Parse(base)
	if base == "" || err != nil || u.Host == "" {
		return fmt.Sprintf("redis://localhost:6379/%d", db)
	}
	u.Path = "/" + strconv.Itoa(int(db))
	u.RawPath = ""
	return u.String()
}
