package viewport

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/cells/badgerstore"
	"github.com/thetanil/matrixvault/internal/tier"
)

func newLoader(t *testing.T) (*Loader, *cells.Store) {
	t.Helper()
	backend, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	cipher, err := cellcrypt.New(cellcrypt.Options{Iterations: 64})
	require.NoError(t, err)
	store := cells.NewStore(backend, cipher, nil)
	return New(store, 0), store
}

func TestRangeOmitsEmptyCoordinates(t *testing.T) {
	ctx := context.Background()
	l, store := newLoader(t)
	secret := []byte("secret")

	_, err := store.Set(ctx, "ns", secret, tier.Decoy, 2, 3, "only")
	require.NoError(t, err)

	got, err := l.LoadRange(ctx, "ns", secret, Range{StartRow: 0, EndRow: 5, StartCol: 0, EndCol: 5})
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{{Row: 2, Col: 3}: "only"}, got)
}

func TestInitialViewport(t *testing.T) {
	ctx := context.Background()
	l, store := newLoader(t)
	secret := []byte("secret")

	size, err := l.InitialViewport(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, Size{Rows: 50, Cols: 26}, size)

	_, err = store.Set(ctx, "ns", secret, tier.Decoy, 45, 30, "far")
	require.NoError(t, err)

	size, err = l.InitialViewport(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, Size{Rows: 55, Cols: 35}, size)
}

func TestSizeFor(t *testing.T) {
	tests := []struct {
		name   string
		bounds cells.Bounds
		want   Size
	}{
		{"empty", cells.Bounds{}, Size{Rows: 50, Cols: 26}},
		{"small", cells.Bounds{MaxRow: 3, MaxCol: 2, Cells: 4}, Size{Rows: 50, Cols: 26}},
		{"just over", cells.Bounds{MaxRow: 41, MaxCol: 22, Cells: 1}, Size{Rows: 51, Cols: 27}},
		{"negative only", cells.Bounds{MaxRow: -4, MaxCol: -9, Cells: 1}, Size{Rows: 50, Cols: 26}},
		{"saturates", cells.Bounds{MaxRow: math.MaxInt64, MaxCol: math.MaxInt64 - 1, Cells: 1}, Size{Rows: math.MaxInt64, Cols: math.MaxInt64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SizeFor(tt.bounds))
		})
	}
}

func TestValidate(t *testing.T) {
	l := New(nil, 100)

	tests := []struct {
		name string
		r    Range
		want error
	}{
		{"ok", Range{0, 10, 0, 10}, nil},
		{"single cell", Range{5, 6, 5, 6}, nil},
		{"empty rows", Range{3, 3, 0, 1}, ErrInvalidRange},
		{"reversed cols", Range{0, 1, 4, 2}, ErrInvalidRange},
		{"too large", Range{0, 11, 0, 10}, ErrRangeTooLarge},
		{"overflowing width", Range{math.MinInt64, math.MaxInt64, 0, 1}, ErrRangeTooLarge},
		{"overflowing area", Range{0, 1 << 32, 0, 1 << 32}, ErrRangeTooLarge},
		{"negative coordinates", Range{-5, 5, -5, 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Validate(tt.r)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadRangeRejectsBeforeQuerying(t *testing.T) {
	l := New(nil, 0)
	_, err := l.LoadRange(context.Background(), "ns", nil, Range{0, 200, 0, 200})
	assert.ErrorIs(t, err, ErrRangeTooLarge)
	assert.Equal(t, DefaultMaxCells, l.MaxCells())
}

func TestDefaultRange(t *testing.T) {
	assert.Equal(t, Range{StartRow: 0, EndRow: 50, StartCol: 0, EndCol: 26}, DefaultRange())
}

func TestFirstScreen(t *testing.T) {
	tests := []struct {
		name     string
		maxCells int
		size     Size
		want     Range
	}{
		{"fits", 0, Size{Rows: 50, Cols: 26}, Range{EndRow: 50, EndCol: 26}},
		{"exact budget", 100, Size{Rows: 10, Cols: 10}, Range{EndRow: 10, EndCol: 10}},
		{"too tall", 100, Size{Rows: 985, Cols: 20}, Range{EndRow: 5, EndCol: 20}},
		{"too wide", 100, Size{Rows: 985, Cols: 195}, Range{EndRow: 3, EndCol: 26}},
		{"budget narrower than a screen", 10, Size{Rows: 50, Cols: 26}, Range{EndRow: 1, EndCol: 10}},
		{"huge", 0, Size{Rows: math.MaxInt64, Cols: math.MaxInt64}, Range{EndRow: 384, EndCol: 26}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(nil, tt.maxCells)
			got := l.FirstScreen(tt.size)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, l.Validate(got))
		})
	}
}
