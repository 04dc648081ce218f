package badgerstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/cells/cellstest"
)

func TestInMemoryBackend(t *testing.T) {
	cellstest.RunBackendTests(t, func(t *testing.T) cells.Backend {
		s, err := Open(InMemoryConfig())
		require.NoError(t, err)
		return s
	})
}

func TestPersistentBackend(t *testing.T) {
	cellstest.RunBackendTests(t, func(t *testing.T) cells.Backend {
		cfg := DefaultConfig(t.TempDir())
		cfg.SyncWrites = false
		s, err := Open(cfg)
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "ns", cellstest.Rec(4, 2, "persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	rec, found, err := s.Get(ctx, "ns", cells.Coord{Row: 4, Col: 2})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", rec.Sealed.Ciphertext)

	rev, err := s.Revision(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSortableEncodingPreservesOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		a := rapid.Int64().Draw(rt, "a")
		b := rapid.Int64().Draw(rt, "b")

		ka := cellKey("ns", cells.Coord{Row: a, Col: 0})
		kb := cellKey("ns", cells.Coord{Row: b, Col: 0})

		cmp := string(ka) < string(kb)
		if cmp != (a < b) {
			rt.Fatalf("key order disagrees with value order for %d and %d", a, b)
		}
		if got := coordOf(ka, len(cellPrefix("ns"))).Row; got != a {
			rt.Fatalf("decoded %d, want %d", got, a)
		}
	})
}

func TestRangeAtExtremes(t *testing.T) {
	ctx := context.Background()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	defer s.Close()

	for _, c := range []cells.Coord{{Row: math.MaxInt64, Col: 5}, {Row: math.MinInt64, Col: math.MinInt64}, {Row: math.MaxInt64, Col: math.MaxInt64}} {
		_, err := s.Upsert(ctx, "ns", cellstest.Rec(c.Row, c.Col, c.String()))
		require.NoError(t, err)
	}

	recs, err := s.Range(ctx, "ns", math.MaxInt64-1, math.MaxInt64, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "upper bounds are exclusive")

	recs, err = s.Range(ctx, "ns", math.MinInt64, 0, math.MinInt64, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, cells.Coord{Row: math.MinInt64, Col: math.MinInt64}, recs[0].Coord)
}
