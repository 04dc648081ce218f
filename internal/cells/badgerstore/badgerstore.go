// Package badgerstore is the embedded cells.Backend built on BadgerDB.
//
// Keys are laid out so that a prefix scan over one namespace yields its cells
// in row-major order:
//
//	c/<namespace>/<row>/<col>  JSON record; row and col are sign-flipped big-endian int64
//	r/<namespace>              namespace revision, big-endian uint64
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/tier"
)

// maxConflictRetries bounds how often a transaction is retried after an
// optimistic-concurrency conflict with another writer.
const maxConflictRetries = 16

// Config holds configuration for a badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// Logger receives badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

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

// Store is a cells.Backend over a BadgerDB instance it owns.
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

var _ cells.Backend = (*Store)(nil)

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &Store{db: db, log: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
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
				s.log.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// stored is the JSON value kept under a cell key.
type stored struct {
	Ciphertext string    `json:"ct"`
	Salt       string    `json:"salt"`
	Tier       tier.Tier `json:"tier"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

func putSortable(b []byte, v int64) {
	binary.BigEndian.PutUint64(b, uint64(v)^(1<<63))
}

func getSortable(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func cellPrefix(ns string) []byte {
	return []byte("c/" + ns + "/")
}

func cellKey(ns string, c cells.Coord) []byte {
	p := cellPrefix(ns)
	k := make([]byte, len(p)+16)
	copy(k, p)
	putSortable(k[len(p):], c.Row)
	putSortable(k[len(p)+8:], c.Col)
	return k
}

func coordOf(key []byte, prefixLen int) cells.Coord {
	return cells.Coord{
		Row: getSortable(key[prefixLen : prefixLen+8]),
		Col: getSortable(key[prefixLen+8 : prefixLen+16]),
	}
}

func revKey(ns string) []byte {
	return []byte("r/" + ns)
}

func encode(rec cells.Record) ([]byte, error) {
	if rec.Sealed.Ciphertext == "" {
		return nil, fmt.Errorf("cell %s: %w", rec.Coord, cells.ErrInvalidRecord)
	}
	return json.Marshal(stored{
		Ciphertext: rec.Sealed.Ciphertext,
		Salt:       rec.Sealed.Salt,
		Tier:       rec.Tier,
		CreatedAt:  rec.CreatedAt.Unix(),
		UpdatedAt:  rec.UpdatedAt.Unix(),
	})
}

func decode(c cells.Coord, val []byte) (cells.Record, error) {
	var st stored
	if err := json.Unmarshal(val, &st); err != nil {
		return cells.Record{}, fmt.Errorf("failed to decode cell %s: %w", c, err)
	}
	return cells.Record{
		Coord:     c,
		Sealed:    cellcrypt.Sealed{Ciphertext: st.Ciphertext, Salt: st.Salt},
		Tier:      st.Tier,
		CreatedAt: time.Unix(st.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(st.UpdatedAt, 0).UTC(),
	}, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		s.log.Debug("badger transaction conflict, retrying", slog.Int("attempt", attempt+1))
	}
}

func readRevision(txn *badger.Txn, ns string) (uint64, error) {
	item, err := txn.Get(revKey(ns))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	var rev uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed revision for namespace")
		}
		rev = binary.BigEndian.Uint64(val)
		return nil
	})
	return rev, err
}

func writeRevision(txn *badger.Txn, ns string, rev uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, rev)
	return txn.Set(revKey(ns), b)
}

func bump(txn *badger.Txn, ns string) (uint64, error) {
	rev, err := readRevision(txn, ns)
	if err != nil {
		return 0, err
	}
	rev++
	if err := writeRevision(txn, ns, rev); err != nil {
		return 0, fmt.Errorf("failed to write revision: %w", err)
	}
	return rev, nil
}

func getRecord(txn *badger.Txn, ns string, c cells.Coord) (cells.Record, bool, error) {
	item, err := txn.Get(cellKey(ns, c))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cells.Record{}, false, nil
	}
	if err != nil {
		return cells.Record{}, false, err
	}
	var rec cells.Record
	err = item.Value(func(val []byte) error {
		rec, err = decode(c, val)
		return err
	})
	if err != nil {
		return cells.Record{}, false, err
	}
	return rec, true, nil
}

// put writes rec, keeping the created_at of an existing cell.
func put(txn *badger.Txn, ns string, rec cells.Record) error {
	prev, found, err := getRecord(txn, ns, rec.Coord)
	if err != nil {
		return err
	}
	if found {
		rec.CreatedAt = prev.CreatedAt
	}
	val, err := encode(rec)
	if err != nil {
		return err
	}
	return txn.Set(cellKey(ns, rec.Coord), val)
}

// Get implements cells.Backend.
func (s *Store) Get(ctx context.Context, ns string, c cells.Coord) (cells.Record, bool, error) {
	var (
		rec   cells.Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, found, err = getRecord(txn, ns, c)
		return err
	})
	if err != nil {
		return cells.Record{}, false, fmt.Errorf("failed to read cell: %w", err)
	}
	return rec, found, nil
}

// Upsert implements cells.Backend.
func (s *Store) Upsert(ctx context.Context, ns string, rec cells.Record) (uint64, error) {
	var rev uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		if err := put(txn, ns, rec); err != nil {
			return err
		}
		var err error
		rev, err = bump(txn, ns)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write cell: %w", err)
	}
	return rev, nil
}

// Delete implements cells.Backend.
func (s *Store) Delete(ctx context.Context, ns string, c cells.Coord) (uint64, bool, error) {
	var (
		rev     uint64
		existed bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := cellKey(ns, c)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			existed = false
			rev, err = readRevision(txn, ns)
			return err
		}
		if err != nil {
			return err
		}
		existed = true
		if err := txn.Delete(key); err != nil {
			return err
		}
		rev, err = bump(txn, ns)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete cell: %w", err)
	}
	return rev, existed, nil
}

// Range implements cells.Backend.
func (s *Store) Range(ctx context.Context, ns string, r0, r1, c0, c1 int64) ([]cells.Record, error) {
	var out []cells.Record
	prefix := cellPrefix(ns)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(cellKey(ns, cells.Coord{Row: r0, Col: c0}))
		for it.ValidForPrefix(prefix) {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			c := coordOf(item.Key(), len(prefix))
			if c.Row >= r1 {
				break
			}
			if c.Col < c0 {
				it.Seek(cellKey(ns, cells.Coord{Row: c.Row, Col: c0}))
				continue
			}
			if c.Col >= c1 {
				if c.Row == math.MaxInt64 {
					break
				}
				it.Seek(cellKey(ns, cells.Coord{Row: c.Row + 1, Col: c0}))
				continue
			}
			err := item.Value(func(val []byte) error {
				rec, err := decode(c, val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
			it.Next()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return out, nil
}

// All implements cells.Backend.
func (s *Store) All(ctx context.Context, ns string) ([]cells.Record, error) {
	var out []cells.Record
	prefix := cellPrefix(ns)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			c := coordOf(item.Key(), len(prefix))
			err := item.Value(func(val []byte) error {
				rec, err := decode(c, val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace: %w", err)
	}
	return out, nil
}

func (s *Store) eachKey(txn *badger.Txn, ns string, fn func(c cells.Coord, key []byte)) {
	prefix := cellPrefix(ns)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		fn(coordOf(key, len(prefix)), key)
	}
}

// Coords implements cells.Backend.
func (s *Store) Coords(ctx context.Context, ns string) ([]cells.Coord, error) {
	var out []cells.Coord
	err := s.db.View(func(txn *badger.Txn) error {
		s.eachKey(txn, ns, func(c cells.Coord, _ []byte) {
			out = append(out, c)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinates: %w", err)
	}
	return out, nil
}

// Bounds implements cells.Backend.
func (s *Store) Bounds(ctx context.Context, ns string) (cells.Bounds, error) {
	var b cells.Bounds
	err := s.db.View(func(txn *badger.Txn) error {
		s.eachKey(txn, ns, func(c cells.Coord, _ []byte) {
			if b.Cells == 0 || c.Row > b.MaxRow {
				b.MaxRow = c.Row
			}
			if b.Cells == 0 || c.Col > b.MaxCol {
				b.MaxCol = c.Col
			}
			b.Cells++
		})
		return nil
	})
	if err != nil {
		return cells.Bounds{}, fmt.Errorf("failed to read bounds: %w", err)
	}
	return b, nil
}

// Replace implements cells.Backend. Coordinates that survive the replace keep
// their original created_at.
func (s *Store) Replace(ctx context.Context, ns string, recs []cells.Record) (uint64, error) {
	var rev uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		keep := make(map[cells.Coord]bool, len(recs))
		for _, rec := range recs {
			keep[rec.Coord] = true
		}
		var drop [][]byte
		s.eachKey(txn, ns, func(c cells.Coord, key []byte) {
			if !keep[c] {
				drop = append(drop, key)
			}
		})
		for _, key := range drop {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, rec := range recs {
			if err := put(txn, ns, rec); err != nil {
				return err
			}
		}
		var err error
		rev, err = bump(txn, ns)
		return err
	})
	if err != nil {
		s.log.Warn("namespace replace rolled back", slog.Int("cells", len(recs)), slog.Any("error", err))
		return 0, fmt.Errorf("failed to replace namespace: %w", err)
	}
	return rev, nil
}

// Apply implements cells.Backend.
func (s *Store) Apply(ctx context.Context, ns string, upserts []cells.Record, deletes []cells.Coord, expect uint64) (uint64, error) {
	var rev uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		current, err := readRevision(txn, ns)
		if err != nil {
			return err
		}
		if current != expect {
			return cells.ErrRevisionConflict
		}
		for _, c := range deletes {
			if err := txn.Delete(cellKey(ns, c)); err != nil {
				return err
			}
		}
		for _, rec := range upserts {
			if err := put(txn, ns, rec); err != nil {
				return err
			}
		}
		rev = current + 1
		return writeRevision(txn, ns, rev)
	})
	if err != nil {
		if errors.Is(err, cells.ErrRevisionConflict) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to apply delta: %w", err)
	}
	return rev, nil
}

// Revision implements cells.Backend.
func (s *Store) Revision(ctx context.Context, ns string) (uint64, error) {
	var rev uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rev, err = readRevision(txn, ns)
		return err
	})
	return rev, err
}
