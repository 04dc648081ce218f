// Package matrix is the service layer over a granted session: it reads and
// writes the encrypted cells of the session's namespace, keeps the
// namespace's undo/redo timeline in step with the store, and writes an
// access-log entry for every call.
//
// Mutations of one namespace are serialized. Undo and redo additionally rely
// on the store's revision check, so a write that bypassed this process is
// detected and answered with a full replace instead of a delta.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thetanil/matrixvault/internal/audit"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/history"
	"github.com/thetanil/matrixvault/internal/tier"
	"github.com/thetanil/matrixvault/internal/viewport"
)

var tracer = otel.Tracer("matrixvault.matrix")

// Demo datasets written by SeedDemo.
var (
	DecoyDemo = cells.Sparse{
		{Row: 0, Col: 0}: "Proyecto A", {Row: 0, Col: 1}: "125,000", {Row: 0, Col: 2}: "Pendiente",
		{Row: 1, Col: 0}: "Cliente B", {Row: 1, Col: 1}: "89,500", {Row: 1, Col: 2}: "Completado",
		{Row: 2, Col: 0}: "Inversión C", {Row: 2, Col: 1}: "250,000", {Row: 2, Col: 2}: "En Progreso",
	}
	RealDemo = cells.Sparse{
		{Row: 0, Col: 0}: "OPERACIÓN ALPHA", {Row: 0, Col: 1}: "2,500,000", {Row: 0, Col: 2}: "CONFIDENCIAL",
		{Row: 1, Col: 0}: "CONTACTO BETA", {Row: 1, Col: 1}: "5,800,000", {Row: 1, Col: 2}: "ULTRA-SECRETO",
		{Row: 2, Col: 0}: "PROYECTO GAMMA", {Row: 2, Col: 1}: "12,000,000", {Row: 2, Col: 2}: "ALTO RIESGO",
	}
)

// Auditor receives access-log entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Observer is told about operation latency and history fallbacks.
type Observer interface {
	ObserveOperation(op string, start time.Time, err error)
	CountFallback()
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, time.Time, error) {}
func (nopObserver) CountFallback()                            {}

// Options configures a Service.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
}

// Service runs matrix operations on behalf of granted sessions. It is safe
// for concurrent use.
type Service struct {
	store    *cells.Store
	viewport *viewport.Loader
	history  *history.Manager
	audit    Auditor
	log      *slog.Logger
	observer Observer
	locks    *keyedMutex
}

// New returns a Service. auditor may be nil.
func New(store *cells.Store, loader *viewport.Loader, hist *history.Manager, auditor Auditor, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Service{
		store:    store,
		viewport: loader,
		history:  hist,
		audit:    auditor,
		log:      opts.Logger,
		observer: opts.Observer,
		locks:    newKeyedMutex(),
	}
}

// View is the initial grid of a namespace. Size covers all data; Cells holds
// the readable cells of Loaded, the first screen of it.
type View struct {
	Size   viewport.Size
	Loaded viewport.Range
	Cells  cells.Sparse
}

// View sizes the grid to the data and returns the readable cells of the first
// screen. A large grid is loaded in the cell budget of a single range load.
func (s *Service) View(ctx context.Context, g gate.Grant, meta gate.Meta) (v View, err error) {
	ctx, done := s.start(ctx, "view", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionView, meta, err) }()

	size, err := s.viewport.InitialViewport(ctx, g.Namespace())
	if err != nil {
		return View{}, err
	}
	first := s.viewport.FirstScreen(size)
	err = g.WithSecret(func(secret []byte) error {
		v.Cells, err = s.viewport.LoadRange(ctx, g.Namespace(), secret, first)
		return err
	})
	if err != nil {
		return View{}, err
	}
	v.Size = size
	v.Loaded = first
	return v, nil
}

// LoadRange returns the readable cells inside r.
func (s *Service) LoadRange(ctx context.Context, g gate.Grant, r viewport.Range, meta gate.Meta) (out cells.Sparse, err error) {
	ctx, done := s.start(ctx, "range", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionRange, meta, err) }()

	err = g.WithSecret(func(secret []byte) error {
		out, err = s.viewport.LoadRange(ctx, g.Namespace(), secret, r)
		return err
	})
	return out, err
}

// SetCell writes one cell. Blank values are rejected; use DeleteCell.
func (s *Service) SetCell(ctx context.Context, g gate.Grant, row, col int64, value string, meta gate.Meta) (err error) {
	ctx, done := s.start(ctx, "set_cell", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionSetCell, meta, err) }()

	if err := cells.ValidateValue(value); err != nil {
		return err
	}
	unlock := s.locks.Lock(g.Namespace())
	defer unlock()

	return g.WithSecret(func(secret []byte) error {
		rev, err := s.store.Set(ctx, g.Namespace(), secret, g.Tier(), row, col, value)
		if err != nil {
			return err
		}
		s.history.MarkDirty(g.Namespace(), cells.Coord{Row: row, Col: col}, rev)
		return nil
	})
}

// DeleteCell removes one cell. Deleting an absent cell succeeds with
// existed=false.
func (s *Service) DeleteCell(ctx context.Context, g gate.Grant, row, col int64, meta gate.Meta) (existed bool, err error) {
	ctx, done := s.start(ctx, "delete_cell", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionDelete, meta, err) }()

	unlock := s.locks.Lock(g.Namespace())
	defer unlock()

	rev, existed, err := s.store.Delete(ctx, g.Namespace(), row, col)
	if err != nil {
		return false, err
	}
	if existed {
		s.history.MarkDirty(g.Namespace(), cells.Coord{Row: row, Col: col}, rev)
	}
	return existed, nil
}

// BulkSave replaces the namespace with the non-blank cells of data and
// records the result as the newest history snapshot. It returns the number
// of cells stored.
func (s *Service) BulkSave(ctx context.Context, g gate.Grant, data cells.Sparse, meta gate.Meta) (n int, err error) {
	ctx, done := s.start(ctx, "bulk_save", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionBulkSave, meta, err) }()

	clean := make(cells.Sparse, len(data))
	for c, v := range data {
		if !cells.IsBlank(v) {
			clean[c] = v
		}
	}

	unlock := s.locks.Lock(g.Namespace())
	defer unlock()

	err = g.WithSecret(func(secret []byte) error {
		var rev uint64
		rev, n, err = s.store.BulkReplace(ctx, g.Namespace(), secret, g.Tier(), clean)
		if err != nil {
			return err
		}
		s.history.Record(g.Namespace(), clean, rev)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Undo restores the previous snapshot and returns it.
func (s *Service) Undo(ctx context.Context, g gate.Grant, meta gate.Meta) (cells.Sparse, error) {
	return s.restore(ctx, g, meta, audit.ActionUndo, s.history.PeekUndo)
}

// Redo re-applies the last undone snapshot and returns it.
func (s *Service) Redo(ctx context.Context, g gate.Grant, meta gate.Meta) (cells.Sparse, error) {
	return s.restore(ctx, g, meta, audit.ActionRedo, s.history.PeekRedo)
}

func (s *Service) restore(ctx context.Context, g gate.Grant, meta gate.Meta, action string, peek func(string) (history.Step, error)) (target cells.Sparse, err error) {
	ctx, done := s.start(ctx, action, g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, action, meta, err) }()

	ns := g.Namespace()
	unlock := s.locks.Lock(ns)
	defer unlock()

	step, err := peek(ns)
	if err != nil {
		return nil, err
	}

	var rev uint64
	err = g.WithSecret(func(secret []byte) error {
		rev, err = s.store.ApplyDelta(ctx, ns, secret, g.Tier(), step.Delta, step.ExpectRevision)
		if !errors.Is(err, cells.ErrRevisionConflict) {
			return err
		}
		s.log.WarnContext(ctx, "namespace changed outside history, replacing",
			slog.String("action", action), slog.Uint64("expected_revision", step.ExpectRevision))
		s.observer.CountFallback()
		rev, _, err = s.store.BulkReplace(ctx, ns, secret, g.Tier(), step.Target)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.history.Commit(step, rev); err != nil {
		// The store already matches the target; only the pointer is stale.
		s.log.WarnContext(ctx, "failed to commit history step", slog.String("action", action), slog.Any("error", err))
	}
	return step.Target, nil
}

// SeedDemo writes the demo dataset of g's tier into its namespace if the
// namespace is empty. It returns the number of cells written.
func (s *Service) SeedDemo(ctx context.Context, g gate.Grant, meta gate.Meta) (n int, err error) {
	ctx, done := s.start(ctx, "seed_demo", g)
	defer func() { done(err) }()
	defer func() { s.record(ctx, g, audit.ActionSeedDemo, meta, err) }()

	data := DecoyDemo
	if g.Tier() == tier.Real {
		data = RealDemo
	}

	unlock := s.locks.Lock(g.Namespace())
	defer unlock()

	b, err := s.store.Bounds(ctx, g.Namespace())
	if err != nil {
		return 0, err
	}
	if b.Cells > 0 {
		return 0, nil
	}
	err = g.WithSecret(func(secret []byte) error {
		_, n, err = s.store.BulkReplace(ctx, g.Namespace(), secret, g.Tier(), data)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to seed demo data: %w", err)
	}
	return n, nil
}

func (s *Service) start(ctx context.Context, op string, g gate.Grant) (context.Context, func(error)) {
	began := time.Now()
	ctx, span := tracer.Start(ctx, "matrix."+op,
		trace.WithAttributes(attribute.String("matrix.actor", g.Actor)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		s.observer.ObserveOperation(op, began, err)
	}
}

func (s *Service) record(ctx context.Context, g gate.Grant, action string, meta gate.Meta, err error) {
	if s.audit == nil {
		return
	}
	e := audit.Entry{
		Actor:    g.Actor,
		Action:   action,
		Tier:     g.Tier(),
		Success:  err == nil,
		Origin:   meta.Origin,
		ClientID: meta.ClientID,
	}
	if rerr := s.audit.Record(ctx, e); rerr != nil {
		s.log.ErrorContext(ctx, "failed to record access", slog.String("action", action), slog.Any("error", rerr))
	}
}
