// Package registry maps secrets to the namespace they unlock.
//
// The capability table is keyed by a domain-separated hash of the secret, so
// neither the secret nor its namespace key can be read back from a lookup
// key. A secret is resolved once, at unlock time; callers keep the returned
// Capability for the rest of the session.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/thetanil/matrixvault/internal/db"
	"github.com/thetanil/matrixvault/internal/tier"
)

const lookupDomain = "mv-capability\x00"

var (
	// ErrAuthFailure is returned for unknown and inactive secrets alike.
	ErrAuthFailure = errors.New("registry: secret not recognised")

	ErrNotFound = errors.New("registry: no such secret")
)

// Capability is what a verified secret grants.
type Capability struct {
	NamespaceKey string
	Tier         tier.Tier
}

// Entry describes a registered secret without revealing it.
type Entry struct {
	Fingerprint string // first 12 hex chars of the lookup hash
	Tier        tier.Tier
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Seed is a secret to register in bulk.
type Seed struct {
	Secret      string
	Tier        tier.Tier
	Description string
}

// DefaultSeeds are the secrets installed by "secrets seed".
var DefaultSeeds = []Seed{
	{Secret: "DataView2024!", Tier: tier.Decoy, Description: "Decoy password 1"},
	{Secret: "SecureInfo#99", Tier: tier.Decoy, Description: "Decoy password 2"},
	{Secret: "AccessMatrix@1", Tier: tier.Decoy, Description: "Decoy password 3"},
	{Secret: "Qwerty01*+", Tier: tier.Real, Description: "Real password 1"},
	{Secret: "TrueInfo#Secret99", Tier: tier.Real, Description: "Real password 2"},
	{Secret: "AuthMatrix@Real1", Tier: tier.Real, Description: "Real password 3"},
}

// Resolver turns a secret into a Capability.
type Resolver interface {
	Resolve(ctx context.Context, secret string) (Capability, error)
}

// NamespaceKey is the hex SHA-256 of secret.
func NamespaceKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// LookupHash is the capability-table key of secret.
func LookupHash(secret string) string {
	sum := sha256.Sum256([]byte(lookupDomain + secret))
	return hex.EncodeToString(sum[:])
}

// Store is the SQL capability table.
type Store struct {
	db  *db.DB
	now func() time.Time
}

var _ Resolver = (*Store)(nil)

// New returns a Store over an opened database.
func New(d *db.DB) *Store {
	return &Store{db: d, now: time.Now}
}

// Resolve returns the capability of an active secret.
func (s *Store) Resolve(ctx context.Context, secret string) (Capability, error) {
	if secret == "" {
		return Capability{}, ErrAuthFailure
	}

	var (
		c      Capability
		t      string
		active int
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT namespace_key, tier, active FROM mv_capabilities WHERE lookup_hash = ?`),
		LookupHash(secret)).Scan(&c.NamespaceKey, &t, &active)
	if err == sql.ErrNoRows {
		return Capability{}, ErrAuthFailure
	}
	if err != nil {
		return Capability{}, fmt.Errorf("failed to resolve secret: %w", err)
	}
	if active == 0 {
		return Capability{}, ErrAuthFailure
	}
	c.Tier, err = tier.Parse(t)
	if err != nil {
		return Capability{}, fmt.Errorf("capability has invalid tier: %w", err)
	}
	return c, nil
}

// Register adds secret with the given tier. Registering a secret that is
// already present changes nothing and reports created=false.
func (s *Store) Register(ctx context.Context, secret string, t tier.Tier, description string) (created bool, err error) {
	if secret == "" {
		return false, fmt.Errorf("secret cannot be empty")
	}
	if t != tier.Decoy && t != tier.Real {
		return false, fmt.Errorf("invalid tier %q", t)
	}

	var descParam interface{}
	if description != "" {
		descParam = description
	}

	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO mv_capabilities (lookup_hash, namespace_key, tier, description, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (lookup_hash) DO NOTHING`),
		LookupHash(secret), NamespaceKey(secret), string(t), descParam, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to register secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to register secret: %w", err)
	}
	return n > 0, nil
}

// SeedAll registers every seed and returns how many were new.
func (s *Store) SeedAll(ctx context.Context, seeds []Seed) (int, error) {
	added := 0
	for _, seed := range seeds {
		created, err := s.Register(ctx, seed.Secret, seed.Tier, seed.Description)
		if err != nil {
			return added, err
		}
		if created {
			added++
		}
	}
	return added, nil
}

// SetActive enables or disables secret.
func (s *Store) SetActive(ctx context.Context, secret string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE mv_capabilities SET active = ?, updated_at = ? WHERE lookup_hash = ?`),
		db.BoolToInt(active), s.now().Unix(), LookupHash(secret))
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every registered secret, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lookup_hash, tier, description, active, created_at, updated_at
		FROM mv_capabilities
		ORDER BY created_at, tier, lookup_hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                Entry
			lookup, t        string
			description      sql.NullString
			active           int
			created, updated int64
		)
		if err := rows.Scan(&lookup, &t, &description, &active, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		e.Fingerprint = lookup[:12]
		e.Tier = tier.Tier(t)
		if description.Valid {
			e.Description = description.String
		}
		e.Active = active != 0
		e.CreatedAt = time.Unix(created, 0).UTC()
		e.UpdatedAt = time.Unix(updated, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate secrets: %w", err)
	}
	return entries, nil
}

// Count returns the number of active secrets per tier.
func (s *Store) Count(ctx context.Context) (map[tier.Tier]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tier, COUNT(*) FROM mv_capabilities WHERE active = 1 GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to count secrets: %w", err)
	}
	defer rows.Close()

	counts := make(map[tier.Tier]int)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[tier.Tier(t)] = n
	}
	return counts, rows.Err()
}
