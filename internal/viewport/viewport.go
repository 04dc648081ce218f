// Package viewport computes the initial visible grid of a namespace and
// serves bounded range loads for progressive scrolling.
package viewport

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/thetanil/matrixvault/internal/cells"
)

const (
	DefaultMaxCells = 10_000

	MinRows = 50
	MinCols = 26

	rowPadding = 10
	colPadding = 5
)

var (
	ErrInvalidRange  = errors.New("viewport: range end must be greater than start")
	ErrRangeTooLarge = errors.New("viewport: range covers too many cells")
)

// Reader is the part of the cell store a Loader needs.
type Reader interface {
	Bounds(ctx context.Context, ns string) (cells.Bounds, error)
	RangeQuery(ctx context.Context, ns string, secret []byte, r0, r1, c0, c1 int64) (cells.Sparse, error)
}

// Size is the number of rows and columns to display.
type Size struct {
	Rows int64
	Cols int64
}

// Range is a half-open rectangle [StartRow,EndRow) x [StartCol,EndCol).
type Range struct {
	StartRow int64
	EndRow   int64
	StartCol int64
	EndCol   int64
}

// DefaultRange is the first screen of a grid.
func DefaultRange() Range {
	return Range{StartRow: 0, EndRow: MinRows, StartCol: 0, EndCol: MinCols}
}

// Loader validates and serves range loads.
type Loader struct {
	store    Reader
	maxCells uint64
}

// New returns a Loader. maxCells <= 0 means DefaultMaxCells.
func New(store Reader, maxCells int) *Loader {
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}
	return &Loader{store: store, maxCells: uint64(maxCells)}
}

// MaxCells is the largest area a single load may cover.
func (l *Loader) MaxCells() int {
	return int(l.maxCells)
}

// InitialViewport sizes the grid to show all data plus some margin.
func (l *Loader) InitialViewport(ctx context.Context, ns string) (Size, error) {
	b, err := l.store.Bounds(ctx, ns)
	if err != nil {
		return Size{}, fmt.Errorf("failed to size viewport: %w", err)
	}
	return SizeFor(b), nil
}

// SizeFor is the viewport size for data with bounds b.
func SizeFor(b cells.Bounds) Size {
	if b.Cells == 0 {
		b.MaxRow, b.MaxCol = 0, 0
	}
	return Size{
		Rows: max(MinRows, saturatingAdd(b.MaxRow, rowPadding)),
		Cols: max(MinCols, saturatingAdd(b.MaxCol, colPadding)),
	}
}

func saturatingAdd(a, b int64) int64 {
	if a > 0 && b > 0 && a > (1<<63-1)-b {
		return 1<<63 - 1
	}
	return a + b
}

// FirstScreen is the part of a viewport of the given size that one load may
// cover: the whole viewport when it fits the cell budget, otherwise its
// top-left corner at most MinCols wide. The rest is fetched with LoadRange.
func (l *Loader) FirstScreen(size Size) Range {
	rows, cols := max(size.Rows, 1), max(size.Cols, 1)
	hi, area := bits.Mul64(uint64(rows), uint64(cols))
	if hi == 0 && area <= l.maxCells {
		return Range{EndRow: rows, EndCol: cols}
	}
	budget := int64(min(l.maxCells, 1<<62))
	cols = min(cols, MinCols, budget)
	rows = min(rows, budget/cols)
	return Range{EndRow: rows, EndCol: cols}
}

// Validate checks r against the loader's limits.
func (l *Loader) Validate(r Range) error {
	if r.EndRow <= r.StartRow || r.EndCol <= r.StartCol {
		return ErrInvalidRange
	}
	// EndX > StartX, so the unsigned difference is exact.
	rows := uint64(r.EndRow) - uint64(r.StartRow)
	cols := uint64(r.EndCol) - uint64(r.StartCol)
	hi, area := bits.Mul64(rows, cols)
	if hi != 0 || area > l.maxCells {
		return ErrRangeTooLarge
	}
	return nil
}

// LoadRange returns the cells of ns inside r that open under secret.
func (l *Loader) LoadRange(ctx context.Context, ns string, secret []byte, r Range) (cells.Sparse, error) {
	if err := l.Validate(r); err != nil {
		return nil, err
	}
	return l.store.RangeQuery(ctx, ns, secret, r.StartRow, r.EndRow, r.StartCol, r.EndCol)
}
