// Package sharelink persists admin-issued share links and enforces their
// revocation, expiry and use limits.
//
// Only a SHA-256 digest of each token is stored. The raw token is returned
// once by Create and cannot be recovered afterwards.
package sharelink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/genwatch/internal/store"
)

// Scope types and roles stored on a link.
const (
	ScopeAll  = "all"
	ScopeSite = "site"

	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

// DefaultExpireDays applies when neither the caller nor the registry
// configuration provides a lifetime.
const DefaultExpireDays = 7

const tokenBytes = 32

var (
	// ErrInvalid means the link is unknown, revoked, expired or used up.
	ErrInvalid = errors.New("share link invalid")
	// ErrNotFound means no unrevoked link has the given id.
	ErrNotFound = errors.New("share link not found")
	// ErrBadParams rejects a malformed Create request.
	ErrBadParams = errors.New("invalid share link parameters")
)

// Link is a stored share link. The token digest is never exposed.
type Link struct {
	ID        int64      `json:"id"`
	Label     string     `json:"label"`
	ScopeType string     `json:"scope_type"`
	ScopeID   string     `json:"scope_id,omitempty"`
	Role      string     `json:"role"`
	MaxUses   *int       `json:"max_uses"`
	UseCount  int        `json:"use_count"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at"`
	CreatedBy string     `json:"created_by"`
}

// State describes a link's usability at now: active, revoked, expired or
// exhausted.
func (l *Link) State(now time.Time) string {
	switch {
	case l.RevokedAt != nil:
		return "revoked"
	case l.ExpiresAt != nil && !l.ExpiresAt.After(now):
		return "expired"
	case l.MaxUses != nil && l.UseCount >= *l.MaxUses:
		return "exhausted"
	default:
		return "active"
	}
}

// CreateParams describes a new link.
type CreateParams struct {
	Label      string
	ScopeType  string
	ScopeID    string
	Role       string
	MaxUses    *int
	ExpireDays int
	CreatedBy  string
}

// Created is returned once by Create and carries the raw token.
type Created struct {
	Link
	Token string `json:"token"`
}

// Repository is the link registry contract used by the access layer and the
// share routes.
type Repository interface {
	Create(ctx context.Context, p CreateParams) (*Created, error)
	Redeem(ctx context.Context, rawToken string) (*Link, error)
	Revalidate(ctx context.Context, id int64) (*Link, error)
	Revoke(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Link, error)
	List(ctx context.Context) ([]Link, error)
}

// Compile-time interface guard.
var _ Repository = (*Registry)(nil)

// Registry implements Repository on SQLite.
type Registry struct {
	db         *sql.DB
	now        func() time.Time
	expireDays int
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now for timestamps and validity checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithDefaultExpireDays sets the lifetime used when CreateParams.ExpireDays
// is not positive.
func WithDefaultExpireDays(days int) Option {
	return func(r *Registry) {
		if days > 0 {
			r.expireDays = days
		}
	}
}

// Open applies the registry migrations to m and returns a Registry on its
// database.
func Open(ctx context.Context, m store.Migrator, opts ...Option) (*Registry, error) {
	if err := m.Migrate(ctx, "sharelink", migrations); err != nil {
		return nil, fmt.Errorf("sharelink migrations: %w", err)
	}
	return New(m.DB(), opts...), nil
}

// New returns a Registry on db. The share_links table must already exist.
func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{db: db, now: time.Now, expireDays: DefaultExpireDays}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const linkColumns = `id, label, scope_type, scope_id, role, max_uses, use_count,
	created_at, expires_at, revoked_at, created_by`

// usable is the shared validity predicate; its single parameter is now.
const usable = `revoked_at IS NULL
	AND (expires_at IS NULL OR expires_at > ?)
	AND (max_uses IS NULL OR use_count < max_uses)`

func (r *Registry) Create(ctx context.Context, p CreateParams) (*Created, error) {
	if err := validate(&p); err != nil {
		return nil, err
	}
	days := p.ExpireDays
	if days <= 0 {
		days = r.expireDays
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC().Truncate(time.Second)
	expires := now.AddDate(0, 0, days)

	var scopeID, maxUses any
	if p.ScopeType == ScopeSite {
		scopeID = p.ScopeID
	}
	if p.MaxUses != nil {
		maxUses = *p.MaxUses
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO share_links (token_hash, label, scope_type, scope_id, role, max_uses,
			use_count, created_at, expires_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		HashToken(token), p.Label, p.ScopeType, scopeID, p.Role, maxUses,
		now.Unix(), expires.Unix(), p.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}

	link := Link{
		ID:        id,
		Label:     p.Label,
		ScopeType: p.ScopeType,
		Role:      p.Role,
		MaxUses:   p.MaxUses,
		CreatedAt: now,
		ExpiresAt: &expires,
		CreatedBy: p.CreatedBy,
	}
	if p.ScopeType == ScopeSite {
		link.ScopeID = p.ScopeID
	}
	return &Created{Link: link, Token: token}, nil
}

// Redeem consumes one use of the link identified by rawToken. The validity
// check and the increment are a single statement, so concurrent redemptions
// of a max_uses=1 link cannot both succeed.
func (r *Registry) Redeem(ctx context.Context, rawToken string) (*Link, error) {
	if rawToken == "" {
		return nil, ErrInvalid
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE share_links SET use_count = use_count + 1
		WHERE token_hash = ? AND `+usable+`
		RETURNING `+linkColumns,
		HashToken(rawToken), r.now().Unix(),
	)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("redeem share link: %w", err)
	}
	return l, nil
}

// Revalidate re-checks an already opened link without consuming a use.
func (r *Registry) Revalidate(ctx context.Context, id int64) (*Link, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM share_links WHERE id = ? AND `+usable,
		id, r.now().Unix(),
	)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("revalidate share link %d: %w", id, err)
	}
	return l, nil
}

// Revoke marks a link revoked. Revoking an unknown or already revoked link
// returns ErrNotFound and leaves the original revocation time in place.
func (r *Registry) Revoke(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE share_links SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		r.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("revoke share link %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*Link, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM share_links WHERE id = ?`, id)
	l, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get share link %d: %w", id, err)
	}
	return l, nil
}

// List returns every link, newest first.
func (r *Registry) List(ctx context.Context) ([]Link, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM share_links ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	links := []Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

// HashToken returns the hex SHA-256 digest stored in place of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func validate(p *CreateParams) error {
	if p.Role == "" {
		p.Role = RoleViewer
	}
	if p.Role != RoleViewer && p.Role != RoleAdmin {
		return fmt.Errorf("%w: unknown role %q", ErrBadParams, p.Role)
	}
	switch p.ScopeType {
	case ScopeAll:
	case ScopeSite:
		if p.ScopeID == "" {
			return fmt.Errorf("%w: scope_id is required for site scope", ErrBadParams)
		}
	default:
		return fmt.Errorf("%w: scope_type must be %q or %q", ErrBadParams, ScopeAll, ScopeSite)
	}
	if p.MaxUses != nil && *p.MaxUses < 1 {
		return fmt.Errorf("%w: max_uses must be at least 1", ErrBadParams)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(s scanner) (*Link, error) {
	var (
		l         Link
		scopeID   sql.NullString
		maxUses   sql.NullInt64
		createdAt int64
		expiresAt sql.NullInt64
		revokedAt sql.NullInt64
	)
	err := s.Scan(&l.ID, &l.Label, &l.ScopeType, &scopeID, &l.Role, &maxUses,
		&l.UseCount, &createdAt, &expiresAt, &revokedAt, &l.CreatedBy)
	if err != nil {
		return nil, err
	}
	l.ScopeID = scopeID.String
	if maxUses.Valid {
		n := int(maxUses.Int64)
		l.MaxUses = &n
	}
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.ExpiresAt = unixPtr(expiresAt)
	l.RevokedAt = unixPtr(revokedAt)
	return &l, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
