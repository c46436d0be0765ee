package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"metroroute/internal/domain"
)

var (
	routePrefix   = []byte("route/")
	failurePrefix = []byte("fail/")
)

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	// Path is the data directory; ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerStore is a RouteStore and FailureLog on an embedded badger
// database. Route keys are route/{start}{end}{line} with each id as a
// big-endian uint64, so a pair's rows are adjacent and ordered by line.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger_store")
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

func appendID(b []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(id))
}

func routeKeyBytes(k routeKey) []byte {
	b := make([]byte, 0, len(routePrefix)+24)
	b = append(b, routePrefix...)
	b = appendID(b, k.start)
	b = appendID(b, k.end)
	return appendID(b, k.line)
}

func pairPrefix(start, end int64) []byte {
	b := make([]byte, 0, len(routePrefix)+16)
	b = append(b, routePrefix...)
	b = appendID(b, start)
	return appendID(b, end)
}

func failureKeyBytes(p domain.Pair) []byte {
	b := make([]byte, 0, len(failurePrefix)+16)
	b = append(b, failurePrefix...)
	b = appendID(b, p.Start)
	return appendID(b, p.End)
}

func decodeRouteKey(key []byte) (routeKey, bool) {
	rest, ok := bytes.CutPrefix(key, routePrefix)
	if !ok || len(rest) != 24 {
		return routeKey{}, false
	}
	return routeKey{
		start: int64(binary.BigEndian.Uint64(rest[0:8])),
		end:   int64(binary.BigEndian.Uint64(rest[8:16])),
		line:  int64(binary.BigEndian.Uint64(rest[16:24])),
	}, true
}

// classify maps badger errors onto the store error classes.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient), errors.Is(err, ErrPermanent):
		return err
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrBlockedWrites):
		return Transient(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Permanent(err)
	}
}

func (s *BadgerStore) Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	var res UpsertResult
	err := s.db.Update(func(txn *badger.Txn) error {
		res = UpsertResult{}
		for i := range routes {
			key := routeKeyBytes(keyOf(&routes[i]))
			_, err := txn.Get(key)
			if err == nil {
				res.Skipped++
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			value, err := json.Marshal(&routes[i])
			if err != nil {
				return Permanent(fmt.Errorf("encode route %s: %w", routes[i].Pair(), err))
			}
			if err := txn.Set(key, value); err != nil {
				return err
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, classify(err)
	}
	return res, nil
}

func (s *BadgerStore) Get(ctx context.Context, start, end int64) (*domain.PrecomputedRoute, bool, error) {
	var route *domain.PrecomputedRoute
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := pairPrefix(start, end)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			var r domain.PrecomputedRoute
			if err := json.Unmarshal(val, &r); err != nil {
				return Permanent(fmt.Errorf("decode route %d-%d: %w", start, end, err))
			}
			route = &r
			return nil
		})
	})
	if err != nil {
		return nil, false, classify(err)
	}
	return route, route != nil, nil
}

func (s *BadgerStore) DeleteAll(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix(routePrefix); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *BadgerStore) DeleteStations(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	set := idSet(ids)

	var doomed [][]byte
	err := s.Each(ctx, func(r *domain.PrecomputedRoute) error {
		if touches(&r.Route, set) {
			doomed = append(doomed, routeKeyBytes(keyOf(r)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return 0, classify(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, classify(err)
	}
	return len(doomed), nil
}

// eachKey visits route keys without loading values.
func (s *BadgerStore) eachKey(ctx context.Context, fn func(k routeKey)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = routePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if k, ok := decodeRouteKey(it.Item().Key()); ok {
				fn(k)
			}
		}
		return nil
	})
}

func (s *BadgerStore) ExistingPairs(ctx context.Context) (map[domain.Pair]struct{}, error) {
	pairs := make(map[domain.Pair]struct{})
	err := s.eachKey(ctx, func(k routeKey) {
		pairs[domain.Pair{Start: k.start, End: k.end}] = struct{}{}
	})
	if err != nil {
		return nil, classify(err)
	}
	return pairs, nil
}

func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	n := 0
	if err := s.eachKey(ctx, func(routeKey) { n++ }); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *BadgerStore) Each(ctx context.Context, fn func(r *domain.PrecomputedRoute) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = routePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r domain.PrecomputedRoute
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return Permanent(fmt.Errorf("decode route: %w", err))
			}
			if err := fn(&r); err != nil {
				return err
			}
		}
		return nil
	})
	return classify(err)
}

func (s *BadgerStore) Record(ctx context.Context, failures []domain.FailedPair) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, f := range failures {
		value, err := json.Marshal(f)
		if err != nil {
			return Permanent(err)
		}
		if err := wb.Set(failureKeyBytes(f.Pair()), value); err != nil {
			return classify(err)
		}
	}
	return classify(wb.Flush())
}

func (s *BadgerStore) List(ctx context.Context) ([]domain.FailedPair, error) {
	var out []domain.FailedPair
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = failurePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var f domain.FailedPair
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return Permanent(fmt.Errorf("decode failure entry: %w", err))
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *BadgerStore) Clear(ctx context.Context, pairs ...domain.Pair) error {
	if len(pairs) == 0 {
		return classify(s.db.DropPrefix(failurePrefix))
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range pairs {
		if err := wb.Delete(failureKeyBytes(p)); err != nil {
			return classify(err)
		}
	}
	return classify(wb.Flush())
}
