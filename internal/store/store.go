// Package store is the entity store: keyed records with prefix scans and a
// change-notification stream.
//
// Drivers:
//   - "memory": in-process map (tests, --ephemeral)
//   - "file": one JSON file per key in a directory, watched with fsnotify
//   - "sqlite": SQLite database file, cross-process changes found by polling
//   - "redis": string keys plus a lexicographic index, changes over pub/sub
//   - "postgres": entities table, changes over LISTEN/NOTIFY
//
// Every driver emits exactly one Event per successful Put or Delete to every
// matching watcher. Deleting a missing key is a no-op and emits nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"podcastd/internal/eventbus"
	"podcastd/pkg/logx"
)

var ErrClosed = errors.New("store closed")

type Entry struct {
	Key   string
	Value []byte
}

type Event = eventbus.Event

const (
	OpPut    = eventbus.OpPut
	OpDelete = eventbus.OpDelete
)

// Reader is the read contract schedule builders depend on.
type Reader interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Scan returns every entry whose key starts with prefix, sorted by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Watch streams change events under prefix until ctx ends or the store
	// closes. A stream is not restartable; call Watch again for a new one.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
}

type Store interface {
	Reader
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Driver string
	// Path is the directory (file) or database file (sqlite).
	Path string
	// DSN is the postgres connection string.
	DSN string
	// Addr, Password, DB select the redis server.
	Addr     string
	Password string
	DB       int
	// Namespace prefixes redis keys and the pub/sub channel.
	Namespace    string
	PollInterval time.Duration // sqlite cross-process poll; 0 means 1s
	BusyTimeout  time.Duration // sqlite only
	Breaker      BreakerConfig
}

// Open initializes the configured driver, wrapped in a circuit breaker when enabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "redis":
		st, err = openRedis(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Breaker.Enabled {
		st = WithBreaker(st, cfg.Breaker, log)
	}
	return st, nil
}

func hasPrefix(key, prefix string) bool { return strings.HasPrefix(key, prefix) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
