package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxMigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"podcastd/internal/errs"
	"podcastd/internal/eventbus"
	"podcastd/pkg/logx"
)

const pgChannel = "entity_changes"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pgStore keeps entities in one table. A trigger installed by the migrations
// issues pg_notify for every row change; one dedicated connection LISTENs and
// feeds the local bus, so writes from psql or other daemons are seen too.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	bus  eventbus.Bus

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migratePostgres(pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &pgStore{pool: pool, log: log, bus: eventbus.New(), done: make(chan struct{})}
	lctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ready := make(chan error, 1)
	go s.listen(lctx, ready)
	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-s.done
			pool.Close()
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-s.done
		pool.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

func migratePostgres(pool *pgxpool.Pool) (err error) {
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	driver, derr := pgxMigrate.WithInstance(db, &pgxMigrate.Config{})
	if derr != nil {
		return derr
	}
	src, serr := iofs.New(migrationsFS, "migrations")
	if serr != nil {
		return serr
	}
	m, merr := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if merr != nil {
		return merr
	}
	defer func() {
		srcErr, dbErr := m.Close()
		err = errors.Join(err, srcErr, dbErr)
	}()

	if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return upErr
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM entities WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Store("get", key, s.mapErr(err))
	}
	return v, true, nil
}

func (s *pgStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM entities WHERE left(key, length($1)) = $1 ORDER BY key COLLATE "C"`, prefix)
	if err != nil {
		return nil, errs.Store("scan", prefix, s.mapErr(err))
	}
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			rows.Close()
			return nil, errs.Store("scan", prefix, err)
		}
		out = append(out, e)
	}
	rows.Close()
	return out, errs.Store("scan", prefix, s.mapErr(rows.Err()))
}

func (s *pgStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Store("watch", prefix, ErrClosed)
	}
	return s.bus.Subscribe(ctx, prefix), nil
}

func (s *pgStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities(key, value, updated_at) VALUES($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	return errs.Store("put", key, s.mapErr(err))
}

func (s *pgStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE key = $1`, key)
	return errs.Store("delete", key, s.mapErr(err))
}

func (s *pgStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	s.bus.Close()
	s.pool.Close()
	return nil
}

func (s *pgStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return err
}

// listen holds one pooled connection in LISTEN mode and reconnects with
// backoff when it drops. ready receives the outcome of the first LISTEN.
func (s *pgStore) listen(ctx context.Context, ready chan<- error) {
	defer close(s.done)
	backoff := 200 * time.Millisecond
	first := true
	for {
		err := s.listenOnce(ctx, func() {
			if first {
				first = false
				ready <- nil
			}
			backoff = 200 * time.Millisecond
		})
		if ctx.Err() != nil {
			return
		}
		if first {
			ready <- err
			return
		}
		s.log.Warn("postgres listener lost; reconnecting", logx.Err(err), logx.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (s *pgStore) listenOnce(ctx context.Context, onListening func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		return err
	}
	onListening()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev changeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil || ev.Key == "" {
			s.log.Warn("postgres change event malformed", logx.String("payload", n.Payload))
			continue
		}
		s.bus.Publish(Event{Op: ev.Op, Key: ev.Key})
	}
}
