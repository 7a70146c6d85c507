package store

import (
	"context"
	"errors"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"podcastd/internal/errs"
	"podcastd/internal/eventbus"
	"podcastd/pkg/logx"
)

const fileExt = ".json"

// fileStore keeps one file per key in a flat directory. Keys are path-escaped
// so "podcasts/my-show" lives in "podcasts%2Fmy-show.json".
//
// Local writes publish directly. An fsnotify watcher on the directory turns
// edits by other processes into events; content hashes suppress the echo of
// our own writes.
type fileStore struct {
	dir string
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	hashes map[string]uint64
	closed bool

	cancel context.CancelFunc
	done   chan struct{}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	s := &fileStore{dir: dir, log: log, bus: eventbus.New(), hashes: map[string]uint64{}, done: make(chan struct{})}
	entries, err := s.scanDisk("")
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for _, e := range entries {
		s.hashes[e.Key] = hashBytes(e.Value)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watch(ctx, w)
	return s, nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (s *fileStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileExt)
}

func keyFromName(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, fileExt))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, errs.Store("get", key, ErrClosed)
	}
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Store("get", key, err)
	}
	return b, true, nil
}

func (s *fileStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Store("scan", prefix, ErrClosed)
	}
	out, err := s.scanDisk(prefix)
	return out, errs.Store("scan", prefix, err)
}

func (s *fileStore) scanDisk(prefix string) ([]Entry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		key, ok := keyFromName(de.Name())
		if !ok || !hasPrefix(key, prefix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, de.Name()))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: key, Value: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fileStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Store("watch", prefix, ErrClosed)
	}
	return s.bus.Subscribe(ctx, prefix), nil
}

func (s *fileStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Store("put", key, ErrClosed)
	}
	final := s.path(key)
	tmp := filepath.Join(s.dir, "."+filepath.Base(final)+".tmp")
	err := os.WriteFile(tmp, value, 0o644)
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		_ = os.Remove(tmp)
		s.mu.Unlock()
		return errs.Store("put", key, err)
	}
	s.hashes[key] = hashBytes(value)
	s.mu.Unlock()
	s.bus.Publish(Event{Op: OpPut, Key: key})
	return nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.Store("delete", key, ErrClosed)
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return errs.Store("delete", key, err)
	}
	delete(s.hashes, key)
	s.mu.Unlock()
	s.bus.Publish(Event{Op: OpDelete, Key: key})
	return nil
}

func (s *fileStore) Close() error {
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
	return nil
}

func (s *fileStore) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer close(s.done)
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if key, ok := keyFromName(ev.Name); ok {
				s.reconcile(key)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			// Overflow means we may have missed events; rescan everything.
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("file store watch overflow; rescanning", logx.String("dir", s.dir))
				s.rescan()
				continue
			}
			s.log.Warn("file store watch error", logx.Err(err), logx.String("dir", s.dir))
		}
	}
}

// reconcile compares the file on disk with the last known content of key and
// publishes when they differ.
func (s *fileStore) reconcile(key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev, known := s.hashes[key]
	b, err := os.ReadFile(s.path(key))
	var op eventbus.Op
	switch {
	case errors.Is(err, os.ErrNotExist):
		if known {
			delete(s.hashes, key)
			op = OpDelete
		}
	case err != nil:
		s.log.Warn("file store read failed", logx.Err(err), logx.String("key", key))
	default:
		if h := hashBytes(b); !known || h != prev {
			s.hashes[key] = h
			op = OpPut
		}
	}
	s.mu.Unlock()
	if op != "" {
		s.log.Debug("external change", logx.String("key", key), logx.String("op", string(op)))
		s.bus.Publish(Event{Op: op, Key: key, Time: time.Now()})
	}
}

func (s *fileStore) rescan() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.hashes))
	for k := range s.hashes {
		keys = append(keys, k)
	}
	entries, _ := s.scanDisk("")
	s.mu.Unlock()
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			s.reconcile(k)
		}
	}
}
