package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"podcastd/internal/errs"
	"podcastd/internal/eventbus"
	"podcastd/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// sqliteStore keeps entities in one table. Local writes publish directly;
// commits by other processes are found by polling PRAGMA data_version and
// diffing against the last seen snapshot.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	seen   map[string][]byte
	dataV  int64
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: data_version then only moves for other processes' commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}

	s := &sqliteStore{db: db, log: log, bus: eventbus.New(), done: make(chan struct{})}
	if s.seen, err = s.snapshot(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.dataV, err = s.dataVersion(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	pctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(pctx, poll)
	return s, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entities WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Store("get", key, s.mapErr(err))
	}
	return v, true, nil
}

func (s *sqliteStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	out, err := s.scan(ctx, prefix)
	return out, errs.Store("scan", prefix, s.mapErr(err))
}

func (s *sqliteStore) scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM entities WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Store("watch", prefix, ErrClosed)
	}
	return s.bus.Subscribe(ctx, prefix), nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UnixNano(),
	)
	if err == nil {
		s.seen[key] = clone(value)
	}
	s.mu.Unlock()
	if err != nil {
		return errs.Store("put", key, s.mapErr(err))
	}
	s.bus.Publish(Event{Op: OpPut, Key: key})
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key)
	var n int64
	if err == nil {
		n, _ = res.RowsAffected()
		delete(s.seen, key)
	}
	s.mu.Unlock()
	if err != nil {
		return errs.Store("delete", key, s.mapErr(err))
	}
	if n > 0 {
		s.bus.Publish(Event{Op: OpDelete, Key: key})
	}
	return nil
}

func (s *sqliteStore) Close() error {
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
	return s.db.Close()
}

func (s *sqliteStore) mapErr(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || errors.Is(err, sql.ErrConnDone) {
		return ErrClosed
	}
	return err
}

func (s *sqliteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, err
}

func (s *sqliteStore) snapshot(ctx context.Context) (map[string][]byte, error) {
	entries, err := s.scan(ctx, "")
	if err != nil {
		return nil, err
	}
	m := make(map[string][]byte, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m, nil
}

func (s *sqliteStore) poll(ctx context.Context, every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for _, ev := range s.detect(ctx) {
			s.bus.Publish(ev)
		}
	}
}

// detect diffs the table against the last snapshot when another connection
// has committed since the previous poll.
func (s *sqliteStore) detect(ctx context.Context) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.dataVersion(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("sqlite data_version poll failed", logx.Err(err))
		}
		return nil
	}
	if v == s.dataV {
		return nil
	}
	s.dataV = v
	now, err := s.snapshot(ctx)
	if err != nil {
		s.log.Warn("sqlite snapshot failed", logx.Err(err))
		return nil
	}
	var evs []Event
	for k, val := range now {
		if old, ok := s.seen[k]; !ok || !bytes.Equal(old, val) {
			evs = append(evs, Event{Op: OpPut, Key: k})
		}
	}
	for k := range s.seen {
		if _, ok := now[k]; !ok {
			evs = append(evs, Event{Op: OpDelete, Key: k})
		}
	}
	s.seen = now
	return evs
}
