// Package cells is the sparse, encrypted coordinate store.
//
// A Store encrypts on every write and decrypts on every read, delegating raw
// record persistence to a Backend. Coordinates that were never written are
// absent; they are never reported as empty strings.
package cells

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/tier"
)

// MaxValueLength is the longest value, in runes, a cell may hold.
const MaxValueLength = 1000

var (
	ErrEmptyValue       = errors.New("cells: value is blank, use delete to clear a cell")
	ErrValueTooLong     = fmt.Errorf("cells: value exceeds %d characters", MaxValueLength)
	ErrRevisionConflict = errors.New("cells: namespace revision changed")
	ErrInvalidRecord    = errors.New("cells: record has no ciphertext")
)

// Coord addresses one cell inside a namespace.
type Coord struct {
	Row int64
	Col int64
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Sparse holds the non-empty cells of a region or of a whole namespace.
type Sparse map[Coord]string

// Clone returns an independent copy.
func (s Sparse) Clone() Sparse {
	out := make(Sparse, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether s and other hold exactly the same cells.
func (s Sparse) Equal(other Sparse) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Coords returns the coordinates of s in row-major order.
func (s Sparse) Coords() []Coord {
	out := make([]Coord, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	SortCoords(out)
	return out
}

// Nested converts s to the wire shape {row: {col: value}} with decimal
// string keys.
func (s Sparse) Nested() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for c, v := range s {
		rk := strconv.FormatInt(c.Row, 10)
		row, ok := out[rk]
		if !ok {
			row = make(map[string]string)
			out[rk] = row
		}
		row[strconv.FormatInt(c.Col, 10)] = v
	}
	return out
}

// FromNested parses the wire shape {row: {col: value}}. Blank values are
// dropped; malformed indices are an error.
func FromNested(nested map[string]map[string]string) (Sparse, error) {
	out := make(Sparse)
	for rk, row := range nested {
		r, err := strconv.ParseInt(strings.TrimSpace(rk), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid row index %q", rk)
		}
		for ck, v := range row {
			c, err := strconv.ParseInt(strings.TrimSpace(ck), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid column index %q", ck)
			}
			if IsBlank(v) {
				continue
			}
			out[Coord{Row: r, Col: c}] = v
		}
	}
	return out, nil
}

// SortCoords orders coordinates row-major.
func SortCoords(cs []Coord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Row != cs[j].Row {
			return cs[i].Row < cs[j].Row
		}
		return cs[i].Col < cs[j].Col
	})
}

// IsBlank reports whether v carries no content.
func IsBlank(v string) bool {
	return strings.TrimSpace(v) == ""
}

// ValidateValue checks a value destined for a single cell.
func ValidateValue(v string) error {
	if IsBlank(v) {
		return ErrEmptyValue
	}
	if utf8.RuneCountInString(v) > MaxValueLength {
		return ErrValueTooLong
	}
	return nil
}

// Delta is a cell-level change set: upsert Upserts, remove Deletes.
type Delta struct {
	Upserts Sparse
	Deletes []Coord
}

// Empty reports whether d changes nothing.
func (d Delta) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Deletes) == 0
}

// Record is an encrypted cell as persisted by a Backend.
type Record struct {
	Coord
	Sealed    cellcrypt.Sealed
	Tier      tier.Tier
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bounds describes the extent of a namespace's data.
type Bounds struct {
	MaxRow int64
	MaxCol int64
	Cells  int
}

// Backend persists encrypted records. Every mutating call is atomic and bumps
// the namespace revision exactly once.
type Backend interface {
	Get(ctx context.Context, ns string, c Coord) (Record, bool, error)
	Upsert(ctx context.Context, ns string, rec Record) (uint64, error)
	Delete(ctx context.Context, ns string, c Coord) (revision uint64, existed bool, err error)

	// Range returns the records in [r0,r1) x [c0,c1), row-major.
	Range(ctx context.Context, ns string, r0, r1, c0, c1 int64) ([]Record, error)
	All(ctx context.Context, ns string) ([]Record, error)
	Coords(ctx context.Context, ns string) ([]Coord, error)
	Bounds(ctx context.Context, ns string) (Bounds, error)

	// Replace deletes every record of ns and inserts recs.
	Replace(ctx context.Context, ns string, recs []Record) (uint64, error)

	// Apply upserts and deletes in one transaction if the namespace is
	// still at revision expect; otherwise it returns ErrRevisionConflict.
	Apply(ctx context.Context, ns string, upserts []Record, deletes []Coord, expect uint64) (uint64, error)

	// Revision returns the current revision, 0 for a namespace never written.
	Revision(ctx context.Context, ns string) (uint64, error)

	Close() error
}
