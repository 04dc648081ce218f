// Package sqlstore is the relational cells.Backend, serving both SQLite and
// Postgres through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/db"
	"github.com/thetanil/matrixvault/internal/tier"
)

const cellColumns = "row_index, col_index, ciphertext, salt, tier, created_at, updated_at"

// Store keeps encrypted cells in the mv_cells table and namespace revisions
// in mv_namespaces.
type Store struct {
	db  *db.DB
	log *slog.Logger
	now func() time.Time
}

var _ cells.Backend = (*Store)(nil)

// New returns a Store over an opened database. The caller keeps ownership of
// d; Close does not close it.
func New(d *db.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: d, log: logger, now: time.Now}
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// withTx runs fn inside a transaction and commits if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) bumpRevision(ctx context.Context, tx *sql.Tx, ns string) (uint64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO mv_namespaces (namespace_key, revision, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (namespace_key) DO UPDATE
		SET revision = mv_namespaces.revision + 1, updated_at = excluded.updated_at
		RETURNING revision`), ns, s.now().Unix()).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("failed to bump revision: %w", err)
	}
	return uint64(rev), nil
}

// casRevision bumps the revision only if it still equals expect.
func (s *Store) casRevision(ctx context.Context, tx *sql.Tx, ns string, expect uint64) (uint64, error) {
	now := s.now().Unix()
	var row *sql.Row
	if expect == 0 {
		row = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO mv_namespaces (namespace_key, revision, updated_at)
			VALUES (?, 1, ?)
			ON CONFLICT (namespace_key) DO NOTHING
			RETURNING revision`), ns, now)
	} else {
		row = tx.QueryRowContext(ctx, s.q(`
			UPDATE mv_namespaces SET revision = revision + 1, updated_at = ?
			WHERE namespace_key = ? AND revision = ?
			RETURNING revision`), now, ns, int64(expect))
	}
	var rev int64
	if err := row.Scan(&rev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, cells.ErrRevisionConflict
		}
		return 0, fmt.Errorf("failed to bump revision: %w", err)
	}
	return uint64(rev), nil
}

func (s *Store) revision(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, ns string) (uint64, error) {
	var rev int64
	err := q.QueryRowContext(ctx, s.q(`SELECT revision FROM mv_namespaces WHERE namespace_key = ?`), ns).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read revision: %w", err)
	}
	return uint64(rev), nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, ns string, rec cells.Record) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO mv_cells (namespace_key, `+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace_key, row_index, col_index) DO UPDATE
		SET ciphertext = excluded.ciphertext,
		    salt = excluded.salt,
		    tier = excluded.tier,
		    updated_at = excluded.updated_at`),
		ns, rec.Row, rec.Col, rec.Sealed.Ciphertext, rec.Sealed.Salt, string(rec.Tier),
		rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to write cell %s: %w", rec.Coord, err)
	}
	return nil
}

// Get implements cells.Backend.
func (s *Store) Get(ctx context.Context, ns string, c cells.Coord) (cells.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+cellColumns+` FROM mv_cells
		WHERE namespace_key = ? AND row_index = ? AND col_index = ?`), ns, c.Row, c.Col)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cells.Record{}, false, nil
	}
	if err != nil {
		return cells.Record{}, false, fmt.Errorf("failed to read cell: %w", err)
	}
	return rec, true, nil
}

// Upsert implements cells.Backend.
func (s *Store) Upsert(ctx context.Context, ns string, rec cells.Record) (uint64, error) {
	var rev uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.upsert(ctx, tx, ns, rec); err != nil {
			return err
		}
		var err error
		rev, err = s.bumpRevision(ctx, tx, ns)
		return err
	})
	return rev, err
}

// Delete implements cells.Backend. Deleting an absent cell changes nothing
// and leaves the revision as it was.
func (s *Store) Delete(ctx context.Context, ns string, c cells.Coord) (uint64, bool, error) {
	var (
		rev     uint64
		existed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM mv_cells
			WHERE namespace_key = ? AND row_index = ? AND col_index = ?`), ns, c.Row, c.Col)
		if err != nil {
			return fmt.Errorf("failed to delete cell: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to delete cell: %w", err)
		}
		existed = n > 0
		if !existed {
			rev, err = s.revision(ctx, tx, ns)
			return err
		}
		rev, err = s.bumpRevision(ctx, tx, ns)
		return err
	})
	return rev, existed, err
}

// Range implements cells.Backend.
func (s *Store) Range(ctx context.Context, ns string, r0, r1, c0, c1 int64) ([]cells.Record, error) {
	return s.query(ctx, `SELECT `+cellColumns+` FROM mv_cells
		WHERE namespace_key = ?
		  AND row_index >= ? AND row_index < ?
		  AND col_index >= ? AND col_index < ?
		ORDER BY row_index, col_index`, ns, r0, r1, c0, c1)
}

// All implements cells.Backend.
func (s *Store) All(ctx context.Context, ns string) ([]cells.Record, error) {
	return s.query(ctx, `SELECT `+cellColumns+` FROM mv_cells
		WHERE namespace_key = ?
		ORDER BY row_index, col_index`, ns)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]cells.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	var out []cells.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cells: %w", err)
	}
	return out, nil
}

// Coords implements cells.Backend.
func (s *Store) Coords(ctx context.Context, ns string) ([]cells.Coord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT row_index, col_index FROM mv_cells
		WHERE namespace_key = ?
		ORDER BY row_index, col_index`), ns)
	if err != nil {
		return nil, fmt.Errorf("failed to list coordinates: %w", err)
	}
	defer rows.Close()

	var out []cells.Coord
	for rows.Next() {
		var c cells.Coord
		if err := rows.Scan(&c.Row, &c.Col); err != nil {
			return nil, fmt.Errorf("failed to scan coordinate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Bounds implements cells.Backend.
func (s *Store) Bounds(ctx context.Context, ns string) (cells.Bounds, error) {
	var b cells.Bounds
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(MAX(row_index), 0), COALESCE(MAX(col_index), 0), COUNT(*)
		FROM mv_cells WHERE namespace_key = ?`), ns).Scan(&b.MaxRow, &b.MaxCol, &b.Cells)
	if err != nil {
		return cells.Bounds{}, fmt.Errorf("failed to read bounds: %w", err)
	}
	return b, nil
}

// Replace implements cells.Backend. Coordinates that survive the replace keep
// their original created_at.
func (s *Store) Replace(ctx context.Context, ns string, recs []cells.Record) (uint64, error) {
	var rev uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created, err := s.createdAt(ctx, tx, ns)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM mv_cells WHERE namespace_key = ?`), ns); err != nil {
			return fmt.Errorf("failed to clear namespace: %w", err)
		}
		for _, rec := range recs {
			if ts, ok := created[rec.Coord]; ok {
				rec.CreatedAt = ts
			}
			if err := s.upsert(ctx, tx, ns, rec); err != nil {
				return err
			}
		}
		rev, err = s.bumpRevision(ctx, tx, ns)
		return err
	})
	if err != nil {
		s.log.Warn("namespace replace rolled back", slog.Int("cells", len(recs)), slog.Any("error", err))
		return 0, err
	}
	return rev, nil
}

func (s *Store) createdAt(ctx context.Context, tx *sql.Tx, ns string) (map[cells.Coord]time.Time, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT row_index, col_index, created_at FROM mv_cells WHERE namespace_key = ?`), ns)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing cells: %w", err)
	}
	defer rows.Close()

	out := make(map[cells.Coord]time.Time)
	for rows.Next() {
		var (
			c  cells.Coord
			ts int64
		)
		if err := rows.Scan(&c.Row, &c.Col, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan existing cell: %w", err)
		}
		out[c] = time.Unix(ts, 0).UTC()
	}
	return out, rows.Err()
}

// Apply implements cells.Backend.
func (s *Store) Apply(ctx context.Context, ns string, upserts []cells.Record, deletes []cells.Coord, expect uint64) (uint64, error) {
	var rev uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		rev, err = s.casRevision(ctx, tx, ns, expect)
		if err != nil {
			return err
		}
		for _, c := range deletes {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM mv_cells
				WHERE namespace_key = ? AND row_index = ? AND col_index = ?`), ns, c.Row, c.Col); err != nil {
				return fmt.Errorf("failed to delete cell %s: %w", c, err)
			}
		}
		for _, rec := range upserts {
			if err := s.upsert(ctx, tx, ns, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// Revision implements cells.Backend.
func (s *Store) Revision(ctx context.Context, ns string) (uint64, error) {
	return s.revision(ctx, s.db, ns)
}

// Close is a no-op; the database belongs to the caller.
func (s *Store) Close() error {
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (cells.Record, error) {
	var (
		rec              cells.Record
		t                string
		created, updated int64
	)
	if err := sc.Scan(&rec.Row, &rec.Col, &rec.Sealed.Ciphertext, &rec.Sealed.Salt, &t, &created, &updated); err != nil {
		return cells.Record{}, err
	}
	rec.Tier = tier.Tier(t)
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, nil
}
