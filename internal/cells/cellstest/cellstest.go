// Package cellstest holds the behavioural tests every cells.Backend must pass.
package cellstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/tier"
)

// Factory opens a fresh, empty backend for one subtest.
type Factory func(t *testing.T) cells.Backend

// Rec builds a record with a placeholder ciphertext. Backends never look
// inside the sealed payload.
func Rec(row, col int64, payload string) cells.Record {
	now := time.Unix(1_700_000_000, 0).UTC()
	return cells.Record{
		Coord:     cells.Coord{Row: row, Col: col},
		Sealed:    cellcrypt.Sealed{Ciphertext: payload, Salt: "salt-" + payload},
		Tier:      tier.Decoy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Broken is a record that every backend must refuse to persist.
func Broken(row, col int64) cells.Record {
	r := Rec(row, col, "x")
	r.Sealed.Ciphertext = ""
	return r
}

// RunBackendTests runs the conformance suite against backends produced by
// newBackend.
func RunBackendTests(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b cells.Backend)
	}{
		{"EmptyNamespace", testEmptyNamespace},
		{"UpsertAndGet", testUpsertAndGet},
		{"UpsertOverwrites", testUpsertOverwrites},
		{"Delete", testDelete},
		{"RangeIsHalfOpen", testRangeIsHalfOpen},
		{"RangeOrderAndNegatives", testRangeOrderAndNegatives},
		{"NamespacesAreIsolated", testNamespacesAreIsolated},
		{"Replace", testReplace},
		{"ReplaceRollsBack", testReplaceRollsBack},
		{"ReplaceKeepsCreatedAt", testReplaceKeepsCreatedAt},
		{"ApplyDelta", testApplyDelta},
		{"ApplyConflict", testApplyConflict},
		{"ApplyRollsBack", testApplyRollsBack},
		{"Bounds", testBounds},
		{"RevisionMonotonic", testRevisionMonotonic},
		{"ConcurrentUpserts", testConcurrentUpserts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func payloads(recs []cells.Record) map[cells.Coord]string {
	out := make(map[cells.Coord]string, len(recs))
	for _, r := range recs {
		out[r.Coord] = r.Sealed.Ciphertext
	}
	return out
}

func testEmptyNamespace(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, found, err := b.Get(ctx, "ns", cells.Coord{})
	require.NoError(t, err)
	assert.False(t, found)

	rev, err := b.Revision(ctx, "ns")
	require.NoError(t, err)
	assert.Zero(t, rev)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, all)

	bounds, err := b.Bounds(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, cells.Bounds{}, bounds)

	_, existed, err := b.Delete(ctx, "ns", cells.Coord{Row: 1, Col: 1})
	require.NoError(t, err)
	assert.False(t, existed)
}

func testUpsertAndGet(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	rev, err := b.Upsert(ctx, "ns", Rec(3, 4, "payload"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	got, found, err := b.Get(ctx, "ns", cells.Coord{Row: 3, Col: 4})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "payload", got.Sealed.Ciphertext)
	assert.Equal(t, "salt-payload", got.Sealed.Salt)
	assert.Equal(t, tier.Decoy, got.Tier)
	assert.Equal(t, cells.Coord{Row: 3, Col: 4}, got.Coord)
	assert.Equal(t, int64(1_700_000_000), got.CreatedAt.Unix())

	_, found, err = b.Get(ctx, "ns", cells.Coord{Row: 4, Col: 3})
	require.NoError(t, err)
	assert.False(t, found)
}

func testUpsertOverwrites(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(0, 0, "first"))
	require.NoError(t, err)

	later := Rec(0, 0, "second")
	later.CreatedAt = later.CreatedAt.Add(time.Hour)
	later.UpdatedAt = later.UpdatedAt.Add(time.Hour)
	rev, err := b.Upsert(ctx, "ns", later)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	got, found, err := b.Get(ctx, "ns", cells.Coord{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "second", got.Sealed.Ciphertext)
	assert.Equal(t, int64(1_700_000_000), got.CreatedAt.Unix(), "created_at survives an overwrite")
	assert.Equal(t, int64(1_700_003_600), got.UpdatedAt.Unix())

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, all, 1, "one cell per coordinate")
}

func testDelete(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(1, 1, "a"))
	require.NoError(t, err)

	rev, existed, err := b.Delete(ctx, "ns", cells.Coord{Row: 1, Col: 1})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, uint64(2), rev)

	_, found, err := b.Get(ctx, "ns", cells.Coord{Row: 1, Col: 1})
	require.NoError(t, err)
	assert.False(t, found)

	_, existed, err = b.Delete(ctx, "ns", cells.Coord{Row: 1, Col: 1})
	require.NoError(t, err)
	assert.False(t, existed)
}

func testRangeIsHalfOpen(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	for r := int64(0); r < 4; r++ {
		for c := int64(0); c < 4; c++ {
			_, err := b.Upsert(ctx, "ns", Rec(r, c, fmt.Sprintf("%d-%d", r, c)))
			require.NoError(t, err)
		}
	}

	recs, err := b.Range(ctx, "ns", 1, 3, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{
		{Row: 1, Col: 1}: "1-1",
		{Row: 1, Col: 2}: "1-2",
		{Row: 2, Col: 1}: "2-1",
		{Row: 2, Col: 2}: "2-2",
	}, payloads(recs))

	recs, err = b.Range(ctx, "ns", 10, 20, 0, 4)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testRangeOrderAndNegatives(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	coords := []cells.Coord{{Row: 2, Col: -1}, {Row: -3, Col: 5}, {Row: 0, Col: 0}, {Row: 2, Col: -7}, {Row: -3, Col: -5}}
	for _, c := range coords {
		_, err := b.Upsert(ctx, "ns", Rec(c.Row, c.Col, c.String()))
		require.NoError(t, err)
	}

	recs, err := b.Range(ctx, "ns", -10, 10, -10, 10)
	require.NoError(t, err)
	got := make([]cells.Coord, len(recs))
	for i, r := range recs {
		got[i] = r.Coord
	}
	assert.Equal(t, []cells.Coord{
		{Row: -3, Col: -5}, {Row: -3, Col: 5}, {Row: 0, Col: 0}, {Row: 2, Col: -7}, {Row: 2, Col: -1},
	}, got)

	cs, err := b.Coords(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, got, cs)
}

func testNamespacesAreIsolated(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "alpha", Rec(0, 0, "alpha"))
	require.NoError(t, err)
	_, err = b.Upsert(ctx, "alphabet", Rec(0, 0, "alphabet"))
	require.NoError(t, err)

	all, err := b.All(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{{}: "alpha"}, payloads(all))

	_, err = b.Replace(ctx, "alpha", nil)
	require.NoError(t, err)

	all, err = b.All(ctx, "alphabet")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{{}: "alphabet"}, payloads(all))

	revA, err := b.Revision(ctx, "alpha")
	require.NoError(t, err)
	revB, err := b.Revision(ctx, "alphabet")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), revA)
	assert.Equal(t, uint64(1), revB)
}

func testReplace(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(9, 9, "old"))
	require.NoError(t, err)

	rev, err := b.Replace(ctx, "ns", []cells.Record{Rec(0, 0, "a"), Rec(0, 1, "b")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{
		{Row: 0, Col: 0}: "a",
		{Row: 0, Col: 1}: "b",
	}, payloads(all))

	rev, err = b.Replace(ctx, "ns", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev)
	all, err = b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testReplaceRollsBack(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(0, 0, "kept"))
	require.NoError(t, err)
	_, err = b.Upsert(ctx, "ns", Rec(1, 1, "kept too"))
	require.NoError(t, err)

	_, err = b.Replace(ctx, "ns", []cells.Record{Rec(5, 5, "new"), Broken(6, 6), Rec(7, 7, "never")})
	require.Error(t, err)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{
		{Row: 0, Col: 0}: "kept",
		{Row: 1, Col: 1}: "kept too",
	}, payloads(all), "a failed replace must leave the namespace untouched")

	rev, err := b.Revision(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rev)
}

func testReplaceKeepsCreatedAt(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(0, 0, "a"))
	require.NoError(t, err)

	next := Rec(0, 0, "b")
	next.CreatedAt = next.CreatedAt.Add(time.Hour)
	next.UpdatedAt = next.UpdatedAt.Add(time.Hour)
	fresh := Rec(1, 0, "c")
	fresh.CreatedAt = next.CreatedAt
	fresh.UpdatedAt = next.UpdatedAt
	_, err = b.Replace(ctx, "ns", []cells.Record{next, fresh})
	require.NoError(t, err)

	got, found, err := b.Get(ctx, "ns", cells.Coord{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1_700_000_000), got.CreatedAt.Unix())
	assert.Equal(t, int64(1_700_003_600), got.UpdatedAt.Unix())

	got, found, err = b.Get(ctx, "ns", cells.Coord{Row: 1})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1_700_003_600), got.CreatedAt.Unix())
}

func testApplyDelta(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(0, 0, "a"))
	require.NoError(t, err)
	rev, err := b.Upsert(ctx, "ns", Rec(0, 1, "b"))
	require.NoError(t, err)

	rev, err = b.Apply(ctx, "ns",
		[]cells.Record{Rec(0, 0, "A"), Rec(2, 2, "c")},
		[]cells.Coord{{Row: 0, Col: 1}, {Row: 8, Col: 8}},
		rev)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rev)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{
		{Row: 0, Col: 0}: "A",
		{Row: 2, Col: 2}: "c",
	}, payloads(all))

	// Applying against a namespace that was never written expects revision 0.
	rev, err = b.Apply(ctx, "fresh", []cells.Record{Rec(0, 0, "x")}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)
}

func testApplyConflict(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	rev, err := b.Upsert(ctx, "ns", Rec(0, 0, "a"))
	require.NoError(t, err)

	_, err = b.Apply(ctx, "ns", []cells.Record{Rec(0, 0, "stale")}, nil, rev-1)
	require.ErrorIs(t, err, cells.ErrRevisionConflict)

	got, found, err := b.Get(ctx, "ns", cells.Coord{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Sealed.Ciphertext)

	current, err := b.Revision(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, rev, current)
}

func testApplyRollsBack(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	_, err := b.Upsert(ctx, "ns", Rec(0, 0, "a"))
	require.NoError(t, err)
	rev, err := b.Upsert(ctx, "ns", Rec(0, 1, "b"))
	require.NoError(t, err)

	_, err = b.Apply(ctx, "ns", []cells.Record{Rec(0, 0, "A"), Broken(3, 3)}, []cells.Coord{{Row: 0, Col: 1}}, rev)
	require.Error(t, err)
	assert.NotErrorIs(t, err, cells.ErrRevisionConflict)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, map[cells.Coord]string{
		{Row: 0, Col: 0}: "a",
		{Row: 0, Col: 1}: "b",
	}, payloads(all))
}

func testBounds(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	for _, c := range []cells.Coord{{Row: 2, Col: 9}, {Row: 40, Col: 1}, {Row: 7, Col: 3}} {
		_, err := b.Upsert(ctx, "ns", Rec(c.Row, c.Col, "v"))
		require.NoError(t, err)
	}
	_, err := b.Upsert(ctx, "other", Rec(500, 500, "v"))
	require.NoError(t, err)

	bounds, err := b.Bounds(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, cells.Bounds{MaxRow: 40, MaxCol: 9, Cells: 3}, bounds)
}

func testRevisionMonotonic(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	var last uint64
	steps := []func() (uint64, error){
		func() (uint64, error) { return b.Upsert(ctx, "ns", Rec(0, 0, "a")) },
		func() (uint64, error) { return b.Replace(ctx, "ns", []cells.Record{Rec(1, 1, "b")}) },
		func() (uint64, error) {
			rev, _, err := b.Delete(ctx, "ns", cells.Coord{Row: 1, Col: 1})
			return rev, err
		},
		func() (uint64, error) { return b.Apply(ctx, "ns", []cells.Record{Rec(2, 2, "c")}, nil, 3) },
	}
	for i, step := range steps {
		rev, err := step()
		require.NoError(t, err, "step %d", i)
		require.Equal(t, last+1, rev, "step %d", i)
		last = rev
	}
}

func testConcurrentUpserts(t *testing.T, b cells.Backend) {
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := b.Upsert(ctx, "ns", Rec(int64(i), 0, "v")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rev, err := b.Revision(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, uint64(workers), rev)

	all, err := b.All(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, all, workers)
}
