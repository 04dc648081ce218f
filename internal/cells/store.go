package cells

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/tier"
)

// Store encrypts values on their way into a Backend and decrypts them on the
// way out. Cells that fail to decrypt are reported as absent.
type Store struct {
	backend Backend
	cipher  *cellcrypt.Cipher
	log     *slog.Logger
	now     func() time.Time
}

// NewStore wraps backend with cipher. A nil logger discards output.
func NewStore(backend Backend, cipher *cellcrypt.Cipher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		backend: backend,
		cipher:  cipher,
		log:     logger,
		now:     time.Now,
	}
}

// Backend exposes the underlying record store.
func (s *Store) Backend() Backend {
	return s.backend
}

// Get returns the value at (row, col). ok is false when the cell does not
// exist or does not open under secret.
func (s *Store) Get(ctx context.Context, ns string, secret []byte, row, col int64) (string, bool, error) {
	rec, found, err := s.backend.Get(ctx, ns, Coord{Row: row, Col: col})
	if err != nil {
		return "", false, fmt.Errorf("failed to get cell: %w", err)
	}
	if !found {
		return "", false, nil
	}
	v, ok := s.cipher.Decrypt(rec.Sealed, secret, cellcrypt.CellAAD(ns, row, col))
	if !ok {
		s.log.Debug("cell did not decrypt", slog.String("namespace", shortNS(ns)), slog.Int64("row", row), slog.Int64("col", col))
		return "", false, nil
	}
	return v, true, nil
}

// Set encrypts value and upserts it at (row, col). It returns the new
// namespace revision.
func (s *Store) Set(ctx context.Context, ns string, secret []byte, t tier.Tier, row, col int64, value string) (uint64, error) {
	if err := ValidateValue(value); err != nil {
		return 0, err
	}
	sealed, err := s.cipher.Encrypt(value, secret, cellcrypt.CellAAD(ns, row, col))
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt cell: %w", err)
	}
	now := s.now()
	rev, err := s.backend.Upsert(ctx, ns, Record{
		Coord:     Coord{Row: row, Col: col},
		Sealed:    sealed,
		Tier:      t,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store cell: %w", err)
	}
	return rev, nil
}

// Delete removes the cell at (row, col).
func (s *Store) Delete(ctx context.Context, ns string, row, col int64) (uint64, bool, error) {
	rev, existed, err := s.backend.Delete(ctx, ns, Coord{Row: row, Col: col})
	if err != nil {
		return 0, false, fmt.Errorf("failed to delete cell: %w", err)
	}
	return rev, existed, nil
}

// RangeQuery returns the readable cells inside [r0,r1) x [c0,c1).
func (s *Store) RangeQuery(ctx context.Context, ns string, secret []byte, r0, r1, c0, c1 int64) (Sparse, error) {
	recs, err := s.backend.Range(ctx, ns, r0, r1, c0, c1)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return s.open(ctx, ns, secret, recs)
}

// Snapshot materializes every readable cell of ns.
func (s *Store) Snapshot(ctx context.Context, ns string, secret []byte) (Sparse, error) {
	recs, err := s.backend.All(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace: %w", err)
	}
	return s.open(ctx, ns, secret, recs)
}

// BulkReplace atomically replaces the whole namespace with the non-blank
// cells of data. It returns the new revision and the number of cells written.
func (s *Store) BulkReplace(ctx context.Context, ns string, secret []byte, t tier.Tier, data Sparse) (uint64, int, error) {
	recs, err := s.seal(ctx, ns, secret, t, data)
	if err != nil {
		return 0, 0, err
	}
	rev, err := s.backend.Replace(ctx, ns, recs)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to replace namespace: %w", err)
	}
	return rev, len(recs), nil
}

// ApplyDelta atomically applies d if ns is still at revision expect.
func (s *Store) ApplyDelta(ctx context.Context, ns string, secret []byte, t tier.Tier, d Delta, expect uint64) (uint64, error) {
	recs, err := s.seal(ctx, ns, secret, t, d.Upserts)
	if err != nil {
		return 0, err
	}
	rev, err := s.backend.Apply(ctx, ns, recs, d.Deletes, expect)
	if err != nil {
		return 0, fmt.Errorf("failed to apply delta: %w", err)
	}
	return rev, nil
}

// Bounds reports the extent of ns.
func (s *Store) Bounds(ctx context.Context, ns string) (Bounds, error) {
	b, err := s.backend.Bounds(ctx, ns)
	if err != nil {
		return Bounds{}, fmt.Errorf("failed to read bounds: %w", err)
	}
	return b, nil
}

// Coords lists the occupied coordinates of ns without decrypting anything.
func (s *Store) Coords(ctx context.Context, ns string) ([]Coord, error) {
	cs, err := s.backend.Coords(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinates: %w", err)
	}
	return cs, nil
}

// Revision returns the current revision of ns.
func (s *Store) Revision(ctx context.Context, ns string) (uint64, error) {
	rev, err := s.backend.Revision(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return rev, nil
}

func (s *Store) seal(ctx context.Context, ns string, secret []byte, t tier.Tier, data Sparse) ([]Record, error) {
	coords := make([]Coord, 0, len(data))
	for c, v := range data {
		if IsBlank(v) {
			continue
		}
		if err := ValidateValue(v); err != nil {
			return nil, fmt.Errorf("cell %s: %w", c, err)
		}
		coords = append(coords, c)
	}
	SortCoords(coords)

	plain := make([]cellcrypt.Plain, len(coords))
	for i, c := range coords {
		plain[i] = cellcrypt.Plain{Value: data[c], AAD: cellcrypt.CellAAD(ns, c.Row, c.Col)}
	}
	sealed, err := s.cipher.EncryptAll(ctx, plain, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt cells: %w", err)
	}

	now := s.now()
	recs := make([]Record, len(coords))
	for i, c := range coords {
		recs[i] = Record{Coord: c, Sealed: sealed[i], Tier: t, CreatedAt: now, UpdatedAt: now}
	}
	return recs, nil
}

func (s *Store) open(ctx context.Context, ns string, secret []byte, recs []Record) (Sparse, error) {
	sealed := make([]cellcrypt.Sealed, len(recs))
	aads := make([][]byte, len(recs))
	for i, r := range recs {
		sealed[i] = r.Sealed
		aads[i] = cellcrypt.CellAAD(ns, r.Row, r.Col)
	}
	opened, err := s.cipher.DecryptAll(ctx, sealed, aads, secret)
	if err != nil {
		return nil, err
	}
	out := make(Sparse, len(recs))
	for i, o := range opened {
		if o.OK {
			out[recs[i].Coord] = o.Value
		}
	}
	return out, nil
}

// shortNS keeps namespace keys out of logs in full.
func shortNS(ns string) string {
	if len(ns) > 8 {
		return ns[:8]
	}
	return ns
}
