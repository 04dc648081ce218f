// Package history keeps a linear undo/redo timeline of snapshots per
// namespace.
//
// Timelines are created on the first Record and evicted after an idle TTL.
// Eviction is lazy: expired timelines are swept when the manager is used, so
// no background goroutine is needed.
//
// Restoring a snapshot is two-phase. Peek computes the cell-level Delta that
// turns the store back into the target snapshot; the caller applies it, then
// calls Commit to move the pointer. A failed apply leaves the timeline as it
// was.
package history

import (
	"errors"
	"sync"
	"time"

	"github.com/thetanil/matrixvault/internal/cells"
)

const (
	DefaultCap = 50
	DefaultTTL = 30 * time.Minute
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")

	// ErrStaleStep is returned by Commit when the timeline changed after Peek.
	ErrStaleStep = errors.New("history: timeline changed since step was computed")
)

// Options configures a Manager.
type Options struct {
	Cap   int
	TTL   time.Duration
	Clock func() time.Time
}

type timeline struct {
	snapshots []cells.Sparse
	pointer   int

	// revision is the store revision the timeline last saw. dirty holds the
	// coordinates point-written since the current snapshot was taken.
	revision uint64
	dirty    map[cells.Coord]struct{}

	generation uint64
	lastUsed   time.Time
}

// Manager holds the timelines of all namespaces. It is safe for concurrent
// use.
type Manager struct {
	mu         sync.Mutex
	timelines  map[string]*timeline
	cap        int
	ttl        time.Duration
	now        func() time.Time
	lastSweep  time.Time
	sweepEvery time.Duration
}

// New returns a Manager.
func New(opts Options) *Manager {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		timelines:  make(map[string]*timeline),
		cap:        opts.Cap,
		ttl:        opts.TTL,
		now:        opts.Clock,
		lastSweep:  opts.Clock(),
		sweepEvery: opts.TTL / 4,
	}
}

// get returns the live timeline of ns, sweeping expired ones first. Callers
// hold m.mu.
func (m *Manager) get(ns string) *timeline {
	now := m.now()
	m.sweep(now)
	tl, ok := m.timelines[ns]
	if !ok {
		return nil
	}
	if now.Sub(tl.lastUsed) > m.ttl {
		delete(m.timelines, ns)
		return nil
	}
	tl.lastUsed = now
	return tl
}

func (m *Manager) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.sweepEvery {
		return
	}
	for k, tl := range m.timelines {
		if now.Sub(tl.lastUsed) > m.ttl {
			delete(m.timelines, k)
		}
	}
	m.lastSweep = now
}

// Record appends snap as the newest state of ns, discarding any redo branch.
// revision is the store revision that snap corresponds to.
func (m *Manager) Record(ns string, snap cells.Sparse, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.get(ns)
	if tl == nil {
		tl = &timeline{pointer: -1, lastUsed: m.now()}
		m.timelines[ns] = tl
	}

	tl.snapshots = append(tl.snapshots[:tl.pointer+1], snap.Clone())
	if over := len(tl.snapshots) - m.cap; over > 0 {
		clear(tl.snapshots[:over])
		tl.snapshots = tl.snapshots[over:]
	}
	tl.pointer = len(tl.snapshots) - 1
	tl.revision = revision
	tl.dirty = nil
	tl.generation++
}

// MarkDirty notes that c was point-written in ns, moving the store to
// revision. It is a no-op for namespaces without a timeline.
func (m *Manager) MarkDirty(ns string, c cells.Coord, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.get(ns)
	if tl == nil {
		return
	}
	if tl.dirty == nil {
		tl.dirty = make(map[cells.Coord]struct{})
	}
	tl.dirty[c] = struct{}{}
	tl.revision = revision
	tl.generation++
}

// Step is a pending undo or redo.
type Step struct {
	Namespace string

	// Target is the snapshot the store must end up matching.
	Target cells.Sparse

	// Delta turns the store's expected current state into Target.
	Delta cells.Delta

	// ExpectRevision is the store revision Delta was computed against.
	ExpectRevision uint64

	pointer    int
	generation uint64
}

// PeekUndo computes the step that undoes the newest change of ns.
func (m *Manager) PeekUndo(ns string) (Step, error) {
	return m.peek(ns, -1)
}

// PeekRedo computes the step that re-applies the last undone change of ns.
func (m *Manager) PeekRedo(ns string) (Step, error) {
	return m.peek(ns, +1)
}

func (m *Manager) peek(ns string, dir int) (Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.get(ns)
	if dir < 0 && (tl == nil || tl.pointer <= 0) {
		return Step{}, ErrNothingToUndo
	}
	if dir > 0 && (tl == nil || tl.pointer >= len(tl.snapshots)-1) {
		return Step{}, ErrNothingToRedo
	}

	target := tl.snapshots[tl.pointer+dir]
	return Step{
		Namespace:      ns,
		Target:         target.Clone(),
		Delta:          Diff(tl.snapshots[tl.pointer], target, tl.dirty),
		ExpectRevision: tl.revision,
		pointer:        tl.pointer + dir,
		generation:     tl.generation,
	}, nil
}

// Commit moves the pointer of step's namespace after the store has been
// brought to step.Target at revision.
func (m *Manager) Commit(step Step, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.get(step.Namespace)
	if tl == nil || tl.generation != step.generation {
		return ErrStaleStep
	}
	tl.pointer = step.pointer
	tl.revision = revision
	tl.dirty = nil
	tl.generation++
	return nil
}

// Undo moves the pointer back and returns the snapshot now current. It does
// not touch any store.
func (m *Manager) Undo(ns string) (cells.Sparse, error) {
	step, err := m.PeekUndo(ns)
	if err != nil {
		return nil, err
	}
	if err := m.Commit(step, step.ExpectRevision); err != nil {
		return nil, err
	}
	return step.Target, nil
}

// Redo moves the pointer forward and returns the snapshot now current.
func (m *Manager) Redo(ns string) (cells.Sparse, error) {
	step, err := m.PeekRedo(ns)
	if err != nil {
		return nil, err
	}
	if err := m.Commit(step, step.ExpectRevision); err != nil {
		return nil, err
	}
	return step.Target, nil
}

// Position reports the pointer and length of the timeline of ns.
// An absent timeline reports (-1, 0).
func (m *Manager) Position(ns string) (pointer, length int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.get(ns)
	if tl == nil {
		return -1, 0
	}
	return tl.pointer, len(tl.snapshots)
}

// Forget drops the timeline of ns.
func (m *Manager) Forget(ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.timelines, ns)
}

// Len returns the number of live timelines.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(m.now())
	return len(m.timelines)
}

// Diff returns the delta that turns a store holding from, except at the
// coordinates in dirty whose contents are unknown, into exactly to.
func Diff(from, to cells.Sparse, dirty map[cells.Coord]struct{}) cells.Delta {
	d := cells.Delta{Upserts: make(cells.Sparse)}
	for c, v := range to {
		_, isDirty := dirty[c]
		if old, ok := from[c]; !ok || old != v || isDirty {
			d.Upserts[c] = v
		}
	}
	for c := range from {
		if _, ok := to[c]; !ok {
			d.Deletes = append(d.Deletes, c)
		}
	}
	for c := range dirty {
		_, inTo := to[c]
		_, inFrom := from[c]
		if !inTo && !inFrom {
			d.Deletes = append(d.Deletes, c)
		}
	}
	cells.SortCoords(d.Deletes)
	return d
}
