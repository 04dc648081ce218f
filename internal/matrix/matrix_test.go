package matrix

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetanil/matrixvault/internal/audit"
	"github.com/thetanil/matrixvault/internal/cellcrypt"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/cells/badgerstore"
	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/history"
	"github.com/thetanil/matrixvault/internal/registry"
	"github.com/thetanil/matrixvault/internal/tier"
	"github.com/thetanil/matrixvault/internal/viewport"
)

type memAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAuditor) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditor) last() audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

type countingObserver struct {
	mu        sync.Mutex
	ops       map[string]int
	fallbacks int
}

func (o *countingObserver) ObserveOperation(op string, _ time.Time, _ error) {
	o.mu.Lock()
	o.ops[op]++
	o.mu.Unlock()
}

func (o *countingObserver) CountFallback() {
	o.mu.Lock()
	o.fallbacks++
	o.mu.Unlock()
}

type fixture struct {
	svc      *Service
	store    *cells.Store
	auditor  *memAuditor
	observer *countingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBudget(t, 0)
}

func newFixtureWithBudget(t *testing.T, maxCells int) *fixture {
	t.Helper()
	backend, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	cipher, err := cellcrypt.New(cellcrypt.Options{Iterations: 64})
	require.NoError(t, err)
	store := cells.NewStore(backend, cipher, nil)

	f := &fixture{
		store:    store,
		auditor:  &memAuditor{},
		observer: &countingObserver{ops: make(map[string]int)},
	}
	f.svc = New(store, viewport.New(store, maxCells), history.New(history.Options{}), f.auditor, Options{Observer: f.observer})
	return f
}

func grantFor(secret string, t tier.Tier) gate.Grant {
	c := registry.Capability{NamespaceKey: registry.NamespaceKey(secret), Tier: t}
	return gate.NewGrant("alice", c, []byte(secret))
}

var meta = gate.Meta{Origin: "127.0.0.1", ClientID: "test"}

func cell(r, c int64) cells.Coord { return cells.Coord{Row: r, Col: c} }

func TestNamespaceIsolationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	realGrant := grantFor("Qwerty01*+", tier.Real)
	decoyGrant := grantFor("DataView2024!", tier.Decoy)

	require.NoError(t, f.svc.SetCell(ctx, realGrant, 0, 0, "OPERACIÓN ALPHA", meta))
	require.NoError(t, f.svc.SetCell(ctx, decoyGrant, 0, 0, "Proyecto A", meta))

	v, err := f.svc.View(ctx, realGrant, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "OPERACIÓN ALPHA"}, v.Cells)
	assert.Equal(t, viewport.Size{Rows: 50, Cols: 26}, v.Size)

	v, err = f.svc.View(ctx, decoyGrant, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "Proyecto A"}, v.Cells)
}

func TestUndoRedoScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	_, err := f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "Value 1"}, meta)
	require.NoError(t, err)

	_, err = f.svc.Undo(ctx, g, meta)
	require.ErrorIs(t, err, history.ErrNothingToUndo)
	assert.EqualError(t, err, "nothing to undo")
	assert.False(t, f.auditor.last().Success)

	_, err = f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "Value 2"}, meta)
	require.NoError(t, err)

	got, err := f.svc.Undo(ctx, g, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "Value 1"}, got)
	assertStored(t, f, g, got)

	got, err = f.svc.Redo(ctx, g, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "Value 2"}, got)
	assertStored(t, f, g, got)

	_, err = f.svc.Redo(ctx, g, meta)
	assert.ErrorIs(t, err, history.ErrNothingToRedo)
	assert.Zero(t, f.observer.fallbacks)
}

func TestRangeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	require.NoError(t, f.svc.SetCell(ctx, g, 2, 3, "x", meta))

	got, err := f.svc.LoadRange(ctx, g, viewport.Range{StartRow: 0, EndRow: 5, StartCol: 0, EndCol: 5}, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(2, 3): "x"}, got)
	assert.Equal(t, audit.ActionRange, f.auditor.last().Action)

	_, err = f.svc.LoadRange(ctx, g, viewport.Range{StartRow: 5, EndRow: 5, StartCol: 0, EndCol: 5}, meta)
	assert.ErrorIs(t, err, viewport.ErrInvalidRange)
	_, err = f.svc.LoadRange(ctx, g, viewport.Range{StartRow: 0, EndRow: 1000, StartCol: 0, EndCol: 1000}, meta)
	assert.ErrorIs(t, err, viewport.ErrRangeTooLarge)
	assert.False(t, f.auditor.last().Success)
}

func TestBulkSaveSkipsBlanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	n, err := f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "a", cell(0, 1): "  ", cell(4, 4): "b"}, meta)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertStored(t, f, g, cells.Sparse{cell(0, 0): "a", cell(4, 4): "b"})

	e := f.auditor.last()
	assert.Equal(t, audit.ActionBulkSave, e.Action)
	assert.Equal(t, tier.Decoy, e.Tier)
	assert.True(t, e.Success)
	assert.Equal(t, "127.0.0.1", e.Origin)
}

func TestSetCellRejectsBlank(t *testing.T) {
	f := newFixture(t)
	g := grantFor("DataView2024!", tier.Decoy)

	err := f.svc.SetCell(context.Background(), g, 0, 0, " ", meta)
	assert.ErrorIs(t, err, cells.ErrEmptyValue)
	e := f.auditor.last()
	assert.Equal(t, audit.ActionSetCell, e.Action)
	assert.False(t, e.Success)
}

func TestDeleteCell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	require.NoError(t, f.svc.SetCell(ctx, g, 1, 1, "x", meta))
	existed, err := f.svc.DeleteCell(ctx, g, 1, 1, meta)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = f.svc.DeleteCell(ctx, g, 1, 1, meta)
	require.NoError(t, err)
	assert.False(t, existed)
	assertStored(t, f, g, cells.Sparse{})
}

func TestUndoRewritesDirtyCells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	_, err := f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "1"}, meta)
	require.NoError(t, err)
	_, err = f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "1", cell(1, 1): "2"}, meta)
	require.NoError(t, err)

	// Point writes after the last save: one overwrites a cell both snapshots
	// agree on, one adds a cell neither snapshot has, one deletes.
	require.NoError(t, f.svc.SetCell(ctx, g, 0, 0, "changed", meta))
	require.NoError(t, f.svc.SetCell(ctx, g, 7, 7, "new", meta))
	_, err = f.svc.DeleteCell(ctx, g, 1, 1, meta)
	require.NoError(t, err)

	got, err := f.svc.Undo(ctx, g, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "1"}, got)
	assertStored(t, f, g, got)
	assert.Zero(t, f.observer.fallbacks, "point writes through the service are tracked")
}

func TestUndoFallsBackOnForeignWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret := "DataView2024!"
	g := grantFor(secret, tier.Decoy)

	_, err := f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "1"}, meta)
	require.NoError(t, err)
	_, err = f.svc.BulkSave(ctx, g, cells.Sparse{cell(0, 0): "2"}, meta)
	require.NoError(t, err)

	// A write the history never heard about.
	_, err = f.store.Set(ctx, g.Namespace(), []byte(secret), tier.Decoy, 3, 3, "foreign")
	require.NoError(t, err)

	got, err := f.svc.Undo(ctx, g, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(0, 0): "1"}, got)
	assertStored(t, f, g, got)
	assert.Equal(t, 1, f.observer.fallbacks)

	// The timeline is back in sync, so redo applies a delta again.
	got, err = f.svc.Redo(ctx, g, meta)
	require.NoError(t, err)
	assertStored(t, f, g, got)
	assert.Equal(t, 1, f.observer.fallbacks)
}

func TestSeedDemo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	decoyGrant := grantFor("DataView2024!", tier.Decoy)
	realGrant := grantFor("Qwerty01*+", tier.Real)

	n, err := f.svc.SeedDemo(ctx, decoyGrant, meta)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	n, err = f.svc.SeedDemo(ctx, realGrant, meta)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	assertStored(t, f, decoyGrant, DecoyDemo)
	assertStored(t, f, realGrant, RealDemo)

	n, err = f.svc.SeedDemo(ctx, decoyGrant, meta)
	require.NoError(t, err)
	assert.Zero(t, n, "non-empty namespaces are left alone")
	assert.Equal(t, audit.ActionSeedDemo, f.auditor.last().Action)
}

func TestConcurrentSetCells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	_, err := f.svc.BulkSave(ctx, g, cells.Sparse{}, meta)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(0); i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.SetCell(ctx, g, i, i, "v", meta))
		}()
	}
	wg.Wait()

	v, err := f.svc.View(ctx, g, meta)
	require.NoError(t, err)
	assert.Len(t, v.Cells, 8)
	assert.Equal(t, 0, f.svc.locks.size())
	assert.Equal(t, 8, f.observer.ops["set_cell"])
}

func TestKeyedMutexSerializes(t *testing.T) {
	k := newKeyedMutex()
	release := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		r := k.Lock("a")
		close(acquired)
		r()
	}()

	// A different key is independent.
	k.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

func assertStored(t *testing.T, f *fixture, g gate.Grant, want cells.Sparse) {
	t.Helper()
	require.NoError(t, g.WithSecret(func(secret []byte) error {
		got, err := f.store.Snapshot(context.Background(), g.Namespace(), secret)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "stored %v, want %v", got, want)
		return nil
	}))
}

func TestViewStaysWithinCellBudget(t *testing.T) {
	f := newFixtureWithBudget(t, 100)
	ctx := context.Background()
	g := grantFor("DataView2024!", tier.Decoy)

	data := make(cells.Sparse)
	for i := int64(0); i < 40; i++ {
		data[cell(i*24, i*4)] = "v"
	}
	_, err := f.svc.BulkSave(ctx, g, data, meta)
	require.NoError(t, err)

	v, err := f.svc.View(ctx, g, meta)
	require.NoError(t, err)
	assert.Equal(t, viewport.Size{Rows: 946, Cols: 161}, v.Size, "size still covers all data")
	assert.Equal(t, viewport.Range{EndRow: 3, EndCol: 26}, v.Loaded)
	assert.Equal(t, cells.Sparse{cell(0, 0): "v"}, v.Cells)

	rest, err := f.svc.LoadRange(ctx, g, viewport.Range{StartRow: 24, EndRow: 25, StartCol: 0, EndCol: 100}, meta)
	require.NoError(t, err)
	assert.Equal(t, cells.Sparse{cell(24, 4): "v"}, rest)
}
