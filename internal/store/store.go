// Package store persists posts and users in Postgres, generalizing the
// teacher's internal/vectorstore/postgres.go schema-ensure/transaction
// idiom from per-conversation document chunks to the posts/users domain.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/firefly-match/internal/domain"
)

// ErrNotFound is returned when a lookup by id/email/device-id misses.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness invariant would be violated,
// e.g. a second profile post for the same user.
var ErrConflict = errors.New("store: conflict")

// Store is the Postgres-backed posts/users store.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, dsn string, maxConns, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &Store{pool: pool, dimension: dimension}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool for collaborating packages
// (internal/matchcache) that share the same database.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the underlying database resources.
func (s *Store) Close() { s.pool.Close() }

// Ping verifies the database is reachable. The composition root does not
// call it: its startup probe is New itself, whose schema setup fails when
// the database cannot be reached.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	device_ids TEXT[] NOT NULL DEFAULT '{}',
	apns_device_token TEXT,
	invited_by BIGINT REFERENCES users(id),
	ancestor_chain BIGINT[] NOT NULL DEFAULT '{}',
	profile_complete BOOLEAN NOT NULL DEFAULT FALSE,
	profile_completed_at TIMESTAMPTZ,
	last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	invites_remaining INT NOT NULL DEFAULT 5,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS templates (
	name TEXT PRIMARY KEY,
	placeholder_title TEXT NOT NULL DEFAULT '',
	placeholder_summary TEXT NOT NULL DEFAULT '',
	placeholder_body TEXT NOT NULL DEFAULT '',
	plural_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS posts (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	parent_id BIGINT REFERENCES posts(id) ON DELETE SET NULL,
	is_profile BOOLEAN NOT NULL DEFAULT FALSE,
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	template_name TEXT NOT NULL DEFAULT 'post',
	image_url TEXT,
	clip_offset_x REAL NOT NULL DEFAULT 0,
	clip_offset_y REAL NOT NULL DEFAULT 0,
	location_tag TEXT,
	ai_generated BOOLEAN NOT NULL DEFAULT FALSE,
	has_new_matches BOOLEAN NOT NULL DEFAULT FALSE,
	last_match_added_at TIMESTAMPTZ,
	pooled_embedding vector(%[1]d),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_one_profile_per_user
	ON posts(user_id) WHERE is_profile;

CREATE INDEX IF NOT EXISTS idx_posts_template ON posts(template_name);
CREATE INDEX IF NOT EXISTS idx_posts_parent ON posts(parent_id);

ALTER TABLE posts ADD COLUMN IF NOT EXISTS has_new_matches BOOLEAN NOT NULL DEFAULT FALSE;
ALTER TABLE posts ADD COLUMN IF NOT EXISTS last_match_added_at TIMESTAMPTZ;
`, s.dimension)

	_, err := s.pool.Exec(ctx, statements)
	return err
}

// --- Posts ---

// CreatePost inserts a new post and bumps the author's last_activity.
func (s *Store) CreatePost(ctx context.Context, p domain.Post) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	isProfile := p.ParentKind == domain.ParentKindProfile
	var parentID *int64
	if p.ParentKind == domain.ParentKindChild {
		parentID = p.ParentID
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO posts (user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		p.UserID, parentID, isProfile, p.Title, p.Summary, p.Body, p.Template,
		p.ImageURL, p.ClipOffsetX, p.ClipOffsetY, p.LocationTag, p.AIGenerated,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: user already has a profile post", ErrConflict)
		}
		return 0, fmt.Errorf("insert post: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET last_activity = NOW() WHERE id = $1`, p.UserID); err != nil {
		return 0, fmt.Errorf("bump last_activity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// UpdatePostText updates a post's title/summary/body and, if present, its
// image url. It does not touch clip offsets; use UpdateClipOffsets.
func (s *Store) UpdatePostText(ctx context.Context, postID int64, title, summary, body string, imageURL *string) error {
	cmd, err := s.pool.Exec(ctx, `
		UPDATE posts SET title = $1, summary = $2, body = $3,
			image_url = COALESCE($4, image_url)
		WHERE id = $5`,
		title, summary, body, imageURL, postID,
	)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateClipOffsets sets a post's image clip offsets, clamped to [-1,1].
func (s *Store) UpdateClipOffsets(ctx context.Context, postID int64, x, y float32) error {
	x = clamp(x, -1, 1)
	y = clamp(y, -1, 1)
	cmd, err := s.pool.Exec(ctx, `UPDATE posts SET clip_offset_x = $1, clip_offset_y = $2 WHERE id = $3`, x, y, postID)
	if err != nil {
		return fmt.Errorf("update clip offsets: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UpdatePooledEmbedding persists the mean fragment vector on the post row,
// used by internal/notify's SQL-side prefilter.
func (s *Store) UpdatePooledEmbedding(ctx context.Context, postID int64, mean []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET pooled_embedding = $1 WHERE id = $2`, pgvector.NewVector(mean), postID)
	if err != nil {
		return fmt.Errorf("update pooled embedding: %w", err)
	}
	return nil
}

// DeletePost removes a post. Cache-row cleanup is the caller's
// (internal/matcher's) responsibility and must happen first, per spec.md
// section 4.5 deletion ordering.
func (s *Store) DeletePost(ctx context.Context, postID int64) error {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, postID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPost fetches a single post by id.
func (s *Store) GetPost(ctx context.Context, postID int64) (domain.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts WHERE id = $1`, postID)
	return scanPost(row)
}

// GetPostsByTemplate returns every post with the given template tag
// (used by the matcher to enumerate all queries).
func (s *Store) GetPostsByTemplate(ctx context.Context, template string) ([]domain.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts WHERE template_name = $1`, template)
	if err != nil {
		return nil, fmt.Errorf("query posts by template: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// GetNonQueryPosts returns every post whose template is not "query" (used
// by E1 to build its candidate pool). Any non-query template qualifies,
// not just "post"/"profile", so a post created under an arbitrary
// template tag is still a candidate.
func (s *Store) GetNonQueryPosts(ctx context.Context) ([]domain.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts WHERE template_name != $1`, domain.TemplateQuery)
	if err != nil {
		return nil, fmt.Errorf("query non-query posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// EnsureProfile returns the user's profile post, creating an empty one if
// absent, per spec.md section 3's "auto-created on first profile fetch"
// lifecycle rule.
func (s *Store) EnsureProfile(ctx context.Context, userID int64) (domain.Post, bool, error) {
	existing, err := s.GetProfilePost(ctx, userID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Post{}, false, err
	}

	id, err := s.CreatePost(ctx, domain.Post{
		UserID:     userID,
		ParentKind: domain.ParentKindProfile,
		Template:   domain.TemplateProfile,
	})
	if err != nil {
		return domain.Post{}, false, fmt.Errorf("auto-create profile post: %w", err)
	}

	created, err := s.GetPost(ctx, id)
	if err != nil {
		return domain.Post{}, false, err
	}
	return created, true, nil
}

// GetProfilePost returns the user's profile post, if it exists.
func (s *Store) GetProfilePost(ctx context.Context, userID int64) (domain.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts WHERE user_id = $1 AND is_profile`, userID)
	return scanPost(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPost(row scannable) (domain.Post, error) {
	var p domain.Post
	var parentID *int64
	var isProfile bool
	if err := row.Scan(&p.ID, &p.UserID, &parentID, &isProfile, &p.Title, &p.Summary, &p.Body,
		&p.Template, &p.ImageURL, &p.ClipOffsetX, &p.ClipOffsetY, &p.LocationTag, &p.AIGenerated,
		&p.HasNewMatches, &p.LastMatchAddedAt, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, ErrNotFound
		}
		return domain.Post{}, fmt.Errorf("scan post: %w", err)
	}
	switch {
	case isProfile:
		p.ParentKind = domain.ParentKindProfile
	case parentID != nil:
		p.ParentKind = domain.ParentKindChild
		p.ParentID = parentID
	default:
		p.ParentKind = domain.ParentKindRoot
	}
	return p, nil
}

// BestMatchingQuery returns the owner's query post whose pooled embedding
// is nearest to embedding by cosine distance, regardless of how near. It
// is a cheap SQL-side shortlist only (spec.md section 6): the caller
// (internal/notify) still owes the precise per-fragment MAX-scalar
// similarity computation against the shortlisted query's real fragment
// matrix before deciding whether it actually matches.
func (s *Store) BestMatchingQuery(ctx context.Context, ownerUserID int64, embedding []float32) (domain.Post, bool, error) {
	vec := pgvector.NewVector(embedding)
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts
		WHERE user_id = $1 AND template_name = $2 AND pooled_embedding IS NOT NULL
		ORDER BY pooled_embedding <=> $3
		LIMIT 1`,
		ownerUserID, domain.TemplateQuery, vec)

	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Post{}, false, nil
		}
		return domain.Post{}, false, fmt.Errorf("find best matching query: %w", err)
	}
	return p, true, nil
}

// GetTemplate returns a template's placeholder copy. A missing template
// row is not an error: templates are optional decoration, so callers get
// a zero-value Template (empty placeholders) rather than ErrNotFound.
func (s *Store) GetTemplate(ctx context.Context, name string) (domain.Template, error) {
	var tpl domain.Template
	err := s.pool.QueryRow(ctx, `
		SELECT name, placeholder_title, placeholder_summary, placeholder_body, plural_name
		FROM templates WHERE name = $1`, name,
	).Scan(&tpl.Name, &tpl.PlaceholderTitle, &tpl.PlaceholderSummary, &tpl.PlaceholderBody, &tpl.PluralName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{Name: name}, nil
		}
		return domain.Template{}, fmt.Errorf("get template %q: %w", name, err)
	}
	return tpl, nil
}

// PostsCreatedSince returns every post with the given template created
// after the given time, used by the notification poll's "has new posts"
// check.
func (s *Store) PostsCreatedSince(ctx context.Context, template string, since time.Time) ([]domain.Post, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, parent_id, is_profile, title, summary, body, template_name,
			image_url, clip_offset_x, clip_offset_y, location_tag, ai_generated,
			has_new_matches, last_match_added_at, created_at
		FROM posts WHERE template_name = $1 AND created_at > $2`, template, since)
	if err != nil {
		return nil, fmt.Errorf("query posts created since: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// --- Users ---

// CreateUser inserts a bare user row (email only), mirroring the
// original's create_user prior to invite acceptance.
func (s *Store) CreateUser(ctx context.Context, email string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO users (email) VALUES ($1) RETURNING id`, strings.ToLower(email)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: user with that email already exists", ErrConflict)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// CreateUserFromInvite inserts a user with an inviter, extending the
// inviter's ancestor chain by one.
func (s *Store) CreateUserFromInvite(ctx context.Context, email, name string, invitedBy int64) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var inviterChain []int64
	if err := tx.QueryRow(ctx, `SELECT ancestor_chain FROM users WHERE id = $1`, invitedBy).Scan(&inviterChain); err != nil {
		return 0, fmt.Errorf("load inviter chain: %w", err)
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO users (email, name, invited_by, profile_complete)
		VALUES ($1,$2,$3,FALSE) RETURNING id`,
		strings.ToLower(email), name, invitedBy,
	).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: user with that email already exists", ErrConflict)
		}
		return 0, fmt.Errorf("create invited user: %w", err)
	}

	chain := append([]int64{id}, inviterChain...)
	if _, err := tx.Exec(ctx, `UPDATE users SET ancestor_chain = $1 WHERE id = $2`, chain, id); err != nil {
		return 0, fmt.Errorf("set ancestor chain: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// GetUserByEmail fetches a user by case-folded email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := s.pool.QueryRow(ctx, userSelect+` WHERE email = $1`, strings.ToLower(email))
	return scanUser(row)
}

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (domain.User, error) {
	row := s.pool.QueryRow(ctx, userSelect+` WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByDeviceID fetches a user by one of their registered device ids.
func (s *Store) GetUserByDeviceID(ctx context.Context, deviceID string) (domain.User, error) {
	row := s.pool.QueryRow(ctx, userSelect+` WHERE $1 = ANY(device_ids)`, deviceID)
	return scanUser(row)
}

const userSelect = `
	SELECT id, email, name, device_ids, apns_device_token, invited_by, ancestor_chain,
		profile_complete, profile_completed_at, last_activity, invites_remaining
	FROM users`

func scanUser(row scannable) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.DeviceIDs, &u.ApnsDeviceToken, &u.InvitedBy,
		&u.AncestorChain, &u.ProfileComplete, &u.ProfileCompletedAt, &u.LastActivity, &u.InvitesRemaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// RegisterDevice associates a device id with a user if not already present.
func (s *Store) RegisterDevice(ctx context.Context, userID int64, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET device_ids = array_append(device_ids, $1)
		WHERE id = $2 AND NOT ($1 = ANY(device_ids))`, deviceID, userID)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// UpdateApnsToken sets a user's push token.
func (s *Store) UpdateApnsToken(ctx context.Context, userID int64, token string) error {
	cmd, err := s.pool.Exec(ctx, `UPDATE users SET apns_device_token = $1 WHERE id = $2`, token, userID)
	if err != nil {
		return fmt.Errorf("update apns token: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UsersWithPushTokens returns every user with a registered push token.
func (s *Store) UsersWithPushTokens(ctx context.Context) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx, userSelect+` WHERE apns_device_token IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query users with tokens: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// MarkProfileComplete sets profile_complete and its timestamp.
func (s *Store) MarkProfileComplete(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET profile_complete = TRUE, profile_completed_at = NOW()
		WHERE id = $1 AND NOT profile_complete`, userID)
	if err != nil {
		return fmt.Errorf("mark profile complete: %w", err)
	}
	return nil
}

// UsersCreatedSince returns users created after the given time, used for
// the "new member" poll endpoint.
func (s *Store) UsersCreatedSince(ctx context.Context, since time.Time) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx, userSelect+` WHERE created_at > $1`, since)
	if err != nil {
		return nil, fmt.Errorf("query users created since: %w", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
