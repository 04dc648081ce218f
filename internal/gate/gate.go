// Package gate runs the unlock state machine that stands between an
// authenticated actor and a namespace.
//
//	Unauthenticated -> SecretVerified -> EmailCodeVerified -> [AppCodeVerified] -> Granted
//
// Every unlock attempt walks the chain from the start. Any failure drops the
// session back to Unauthenticated and reports the same ErrAccessDenied, so a
// caller cannot tell which factor was wrong or whether a secret exists. The
// secret lookup and the email code check both run on every attempt, so the
// outcome of one does not show in the time taken by the other.
//
// When an allowlist is configured, actors outside it are denied at every
// step with the same ErrAccessDenied.
//
// The secret of a granted session is held in a memguard enclave and only
// decrypted into locked memory for the duration of WithSecret.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/thetanil/matrixvault/internal/audit"
	"github.com/thetanil/matrixvault/internal/registry"
	"github.com/thetanil/matrixvault/internal/tier"
	"github.com/thetanil/matrixvault/internal/twofactor"
)

const (
	DefaultSessionTTL = 30 * time.Minute

	// DefaultAttemptRate and DefaultAttemptBurst throttle unlock attempts
	// per actor: a burst of 5, then one every 12 seconds.
	DefaultAttemptRate  = rate.Limit(1.0 / 12)
	DefaultAttemptBurst = 5
)

var (
	ErrAccessDenied    = errors.New("access denied")
	ErrTooManyAttempts = errors.New("too many attempts, try again later")
	ErrNotGranted      = errors.New("session is not unlocked")
)

// State is the position of a session in the unlock chain.
type State int

const (
	Unauthenticated State = iota
	SecretVerified
	EmailCodeVerified
	AppCodeVerified
	Granted
)

func (s State) String() string {
	switch s {
	case SecretVerified:
		return "secret_verified"
	case EmailCodeVerified:
		return "email_code_verified"
	case AppCodeVerified:
		return "app_code_verified"
	case Granted:
		return "granted"
	}
	return "unauthenticated"
}

// UnlockRequest carries the factors of one attempt.
type UnlockRequest struct {
	Secret    string
	EmailCode string
	AppCode   string
}

// Meta describes where a request came from, for the access log.
type Meta struct {
	Origin   string
	ClientID string
}

// Auditor receives access-log entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Observer is told about unlock outcomes and the session count.
type Observer interface {
	UnlockResult(result string)
	SessionCount(n int)
}

type session struct {
	id       string
	actor    string
	state    State
	cap      registry.Capability
	secret   *memguard.Enclave
	lastUsed time.Time
}

func (s *session) reset() {
	s.state = Unauthenticated
	s.cap = registry.Capability{}
	s.secret = nil
}

// Options configures a Gate.
type Options struct {
	SessionTTL     time.Duration
	RequireAppCode bool
	AttemptRate    rate.Limit
	AttemptBurst   int
	Logger         *slog.Logger
	Observer       Observer
	Clock          func() time.Time

	// AllowedActors restricts the gate to these actors. Empty allows every
	// authenticated actor.
	AllowedActors []string
}

// Gate owns all unlock sessions. It is safe for concurrent use.
type Gate struct {
	resolver registry.Resolver
	email    twofactor.EmailVerifier
	app      twofactor.AppVerifier
	audit    Auditor

	ttl            time.Duration
	requireAppCode bool
	attemptRate    rate.Limit
	attemptBurst   int
	log            *slog.Logger
	observer       Observer
	now            func() time.Time
	allowed        map[string]struct{}

	mu       sync.Mutex
	sessions map[string]*session
	limiters map[string]*rate.Limiter
}

// New returns a Gate. app may be nil when no authenticator app is supported.
func New(resolver registry.Resolver, email twofactor.EmailVerifier, app twofactor.AppVerifier, auditor Auditor, opts Options) *Gate {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.AttemptRate == 0 {
		opts.AttemptRate = DefaultAttemptRate
	}
	if opts.AttemptBurst <= 0 {
		opts.AttemptBurst = DefaultAttemptBurst
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var allowed map[string]struct{}
	if len(opts.AllowedActors) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedActors))
		for _, a := range opts.AllowedActors {
			allowed[a] = struct{}{}
		}
	}
	return &Gate{
		resolver:       resolver,
		email:          email,
		app:            app,
		audit:          auditor,
		ttl:            opts.SessionTTL,
		requireAppCode: opts.RequireAppCode,
		attemptRate:    opts.AttemptRate,
		attemptBurst:   opts.AttemptBurst,
		log:            opts.Logger,
		observer:       opts.Observer,
		now:            opts.Clock,
		allowed:        allowed,
		sessions:       make(map[string]*session),
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (g *Gate) record(ctx context.Context, actor, action string, t tier.Tier, success bool, meta Meta) {
	if g.audit == nil {
		return
	}
	err := g.audit.Record(ctx, audit.Entry{
		Actor:    actor,
		Action:   action,
		Tier:     t,
		Success:  success,
		Origin:   meta.Origin,
		ClientID: meta.ClientID,
	})
	if err != nil {
		g.log.Error("failed to record access", slog.String("action", action), slog.Any("error", err))
	}
}

// permitted reports whether actor may use the gate at all.
func (g *Gate) permitted(actor string) bool {
	if actor == "" {
		return false
	}
	if g.allowed == nil {
		return true
	}
	_, ok := g.allowed[actor]
	return ok
}

// sweep drops expired sessions and limiters that have refilled completely.
// Callers hold g.mu.
func (g *Gate) sweep(now time.Time) {
	for id, s := range g.sessions {
		if now.Sub(s.lastUsed) > g.ttl {
			s.reset()
			delete(g.sessions, id)
		}
	}
	for actor, l := range g.limiters {
		if l.TokensAt(now) >= float64(g.attemptBurst) {
			delete(g.limiters, actor)
		}
	}
	if g.observer != nil {
		g.observer.SessionCount(len(g.sessions))
	}
}

// lookup returns the live session id owned by actor. Callers hold g.mu.
func (g *Gate) lookup(id, actor string) *session {
	now := g.now()
	g.sweep(now)
	s, ok := g.sessions[id]
	if !ok || s.actor != actor {
		return nil
	}
	s.lastUsed = now
	return s
}

func (g *Gate) limiter(actor string) *rate.Limiter {
	l, ok := g.limiters[actor]
	if !ok {
		l = rate.NewLimiter(g.attemptRate, g.attemptBurst)
		g.limiters[actor] = l
	}
	return l
}

// Begin opens a session for actor and sends an email code. Email codes are
// per actor, not per session: a second Begin for the same actor replaces the
// code sent for the first one.
func (g *Gate) Begin(ctx context.Context, actor string, meta Meta) (string, time.Time, error) {
	if !g.permitted(actor) {
		if actor != "" {
			g.record(ctx, actor, audit.ActionChallenge, tier.Unknown, false, meta)
		}
		return "", time.Time{}, ErrAccessDenied
	}
	expires, err := g.email.Issue(ctx, actor)
	if err != nil {
		g.record(ctx, actor, audit.ActionChallenge, tier.Unknown, false, meta)
		return "", time.Time{}, fmt.Errorf("failed to issue email code: %w", err)
	}

	id := uuid.NewString()
	g.mu.Lock()
	g.sessions[id] = &session{id: id, actor: actor, lastUsed: g.now()}
	g.sweep(g.now())
	g.mu.Unlock()

	g.record(ctx, actor, audit.ActionChallenge, tier.Unknown, true, meta)
	return id, expires, nil
}

// Unlock runs the factor chain for session id. The email code is consumed
// by a successful email check even if a later factor fails.
func (g *Gate) Unlock(ctx context.Context, id, actor string, req UnlockRequest, meta Meta) error {
	if !g.permitted(actor) {
		return g.deny(ctx, nil, actor, tier.Unknown, meta)
	}

	g.mu.Lock()
	allowed := g.limiter(actor).AllowN(g.now(), 1)
	var s *session
	if allowed {
		if s = g.lookup(id, actor); s != nil {
			s.reset()
		}
	}
	g.mu.Unlock()

	if !allowed {
		g.observe("throttled")
		g.record(ctx, actor, audit.ActionUnlock, tier.Unknown, false, meta)
		return ErrTooManyAttempts
	}
	if s == nil {
		return g.deny(ctx, nil, actor, tier.Unknown, meta)
	}

	// Both checks always run. A correct email code is spent even when the
	// secret is wrong.
	c, err := g.resolver.Resolve(ctx, req.Secret)
	emailOK := g.email.Verify(actor, req.EmailCode)
	if err != nil {
		if !errors.Is(err, registry.ErrAuthFailure) {
			g.log.Error("failed to resolve secret", slog.Any("error", err))
		}
		return g.deny(ctx, s, actor, tier.Unknown, meta)
	}
	g.advance(s, SecretVerified)

	if !emailOK {
		return g.deny(ctx, s, actor, c.Tier, meta)
	}
	g.advance(s, EmailCodeVerified)

	if g.appCodeRequired(actor) || req.AppCode != "" {
		if g.app == nil || !g.app.Verify(actor, req.AppCode) {
			return g.deny(ctx, s, actor, c.Tier, meta)
		}
		g.advance(s, AppCodeVerified)
	}

	g.mu.Lock()
	if g.sessions[id] != s {
		// Logged out or expired while the factors were checked.
		g.mu.Unlock()
		return g.deny(ctx, nil, actor, c.Tier, meta)
	}
	s.cap = c
	s.secret = memguard.NewEnclave([]byte(req.Secret))
	s.state = Granted
	g.mu.Unlock()

	g.observe("granted")
	g.record(ctx, actor, audit.ActionUnlock, c.Tier, true, meta)
	g.log.Info("session unlocked", slog.String("actor", actor), slog.String("session", id[:8]))
	return nil
}

func (g *Gate) advance(s *session, to State) {
	g.mu.Lock()
	s.state = to
	g.mu.Unlock()
}

func (g *Gate) appCodeRequired(actor string) bool {
	if g.requireAppCode {
		return true
	}
	return g.app != nil && g.app.Enrolled(actor)
}

func (g *Gate) deny(ctx context.Context, s *session, actor string, t tier.Tier, meta Meta) error {
	if s != nil {
		g.mu.Lock()
		s.reset()
		g.mu.Unlock()
	}
	g.observe("denied")
	g.record(ctx, actor, audit.ActionUnlock, t, false, meta)
	return ErrAccessDenied
}

func (g *Gate) observe(result string) {
	if g.observer != nil {
		g.observer.UnlockResult(result)
	}
}

// State reports the state of session id owned by actor.
func (g *Gate) State(id, actor string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.lookup(id, actor)
	if s == nil {
		return Unauthenticated
	}
	return s.state
}

// Grant is the capability of a granted session.
type Grant struct {
	SessionID  string
	Actor      string
	Capability registry.Capability
	secret     *memguard.Enclave
}

// Namespace is shorthand for g.Capability.NamespaceKey.
func (g Grant) Namespace() string {
	return g.Capability.NamespaceKey
}

// Tier is shorthand for g.Capability.Tier.
func (g Grant) Tier() tier.Tier {
	return g.Capability.Tier
}

// WithSecret opens the secret into locked memory, runs fn and wipes it.
// fn must not retain the slice.
func (g Grant) WithSecret(fn func(secret []byte) error) error {
	if g.secret == nil {
		return ErrNotGranted
	}
	buf, err := g.secret.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// NewGrant builds a Grant outside the unlock flow, for offline tooling that
// already holds the secret. The secret slice is wiped.
func NewGrant(actor string, c registry.Capability, secret []byte) Grant {
	return Grant{Actor: actor, Capability: c, secret: memguard.NewEnclave(secret)}
}

// Access returns the grant of session id if it is unlocked and owned by
// actor.
func (g *Gate) Access(id, actor string) (Grant, error) {
	if actor != "" && !g.permitted(actor) {
		g.log.Warn("access by actor outside allowlist", slog.String("actor", actor))
		return Grant{}, ErrAccessDenied
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.lookup(id, actor)
	if s == nil || s.state != Granted {
		return Grant{}, ErrNotGranted
	}
	return Grant{SessionID: s.id, Actor: s.actor, Capability: s.cap, secret: s.secret}, nil
}

// Logout ends session id. It is idempotent and never fails for unknown
// sessions.
func (g *Gate) Logout(ctx context.Context, id, actor string, meta Meta) {
	g.mu.Lock()
	t := tier.Unknown
	if s, ok := g.sessions[id]; ok && s.actor == actor {
		if s.state == Granted {
			t = s.cap.Tier
		}
		s.reset()
		delete(g.sessions, id)
	}
	g.sweep(g.now())
	g.mu.Unlock()

	g.record(ctx, actor, audit.ActionLogout, t, true, meta)
}

// Sessions returns the number of live sessions.
func (g *Gate) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweep(g.now())
	return len(g.sessions)
}
