// Package matchcache is the durable match cache (C4), the per-query
// dirty-flag tracker (C6), and the LLM prompt/result cache, generalizing
// the teacher's internal/vectorstore/postgres.go ensure-schema/upsert/query
// idiom from per-conversation document chunks to query/post match rows.
package matchcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Threshold is the minimum 0-100 score a row must meet to be cached, per
// spec.md section 4.4.
const Threshold = 40

// Row is a single cached (query, post) match.
type Row struct {
	PostID    int64
	Score     int
	MatchedAt time.Time
}

// Cache is the Postgres-backed match/prompt/view cache.
type Cache struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool (shared with internal/store) and ensures the
// cache's own tables exist.
func New(ctx context.Context, pool *pgxpool.Pool) (*Cache, error) {
	c := &Cache{pool: pool}
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE TABLE IF NOT EXISTS query_results (
	id SERIAL PRIMARY KEY,
	query_id BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	post_id BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	relevance_score FLOAT NOT NULL,
	matched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE(query_id, post_id)
);

CREATE INDEX IF NOT EXISTS idx_query_results_query_id ON query_results(query_id);
CREATE INDEX IF NOT EXISTS idx_query_results_score ON query_results(query_id, relevance_score DESC);

CREATE TABLE IF NOT EXISTS query_views (
	query_id BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	user_email TEXT NOT NULL,
	last_viewed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (query_id, user_email)
);

CREATE TABLE IF NOT EXISTS search_cache (
	prompt_hash TEXT NOT NULL,
	model_name TEXT NOT NULL,
	llm_results TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (prompt_hash, model_name)
);

CREATE INDEX IF NOT EXISTS idx_search_cache_model ON search_cache(model_name);
`
	_, err := c.pool.Exec(ctx, statements)
	return err
}

// Upsert records a (query, post) match, bumping matched_at on conflict.
// Scores below Threshold are silently skipped by callers, not by Upsert
// itself, so existing call sites that pre-filter stay correct without a
// silent double gate — see internal/matcher.
func (c *Cache) Upsert(ctx context.Context, queryID, postID int64, score int) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO query_results (query_id, post_id, relevance_score, matched_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (query_id, post_id)
		DO UPDATE SET relevance_score = EXCLUDED.relevance_score, matched_at = NOW()`,
		queryID, postID, score)
	if err != nil {
		return fmt.Errorf("upsert query result: %w", err)
	}
	return nil
}

// BumpLastMatchAdded sets posts.last_match_added_at = now for queryID.
func (c *Cache) BumpLastMatchAdded(ctx context.Context, queryID int64) error {
	_, err := c.pool.Exec(ctx, `UPDATE posts SET last_match_added_at = NOW() WHERE id = $1`, queryID)
	if err != nil {
		return fmt.Errorf("bump last_match_added_at: %w", err)
	}
	return nil
}

// Results returns a query's cached rows, sorted first by the matched
// post's creation time descending, then by score descending, per spec.md
// section 4.4/4.6 and property P5.
func (c *Cache) Results(ctx context.Context, queryID int64) ([]Row, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT qr.post_id, qr.relevance_score, qr.matched_at
		FROM query_results qr
		JOIN posts p ON qr.post_id = p.id
		WHERE qr.query_id = $1
		ORDER BY p.created_at DESC, qr.relevance_score DESC`, queryID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var score float64
		if err := rows.Scan(&r.PostID, &score, &r.MatchedAt); err != nil {
			return nil, fmt.Errorf("scan query result: %w", err)
		}
		r.Score = int(score)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearByQuery deletes all cached rows for a query (query edited/deleted).
func (c *Cache) ClearByQuery(ctx context.Context, queryID int64) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM query_results WHERE query_id = $1`, queryID)
	if err != nil {
		return fmt.Errorf("clear query results: %w", err)
	}
	return nil
}

// ClearByPost deletes all cached rows referencing a post (post edited/deleted).
func (c *Cache) ClearByPost(ctx context.Context, postID int64) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM query_results WHERE post_id = $1`, postID)
	if err != nil {
		return fmt.Errorf("clear post from results: %w", err)
	}
	return nil
}

// RecordView upserts a viewer's last_viewed_at for a query.
func (c *Cache) RecordView(ctx context.Context, queryID int64, userEmail string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO query_views (query_id, user_email, last_viewed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (query_id, user_email) DO UPDATE SET last_viewed_at = NOW()`,
		queryID, userEmail)
	if err != nil {
		return fmt.Errorf("record query view: %w", err)
	}
	return nil
}

// DirtyFlags answers, in one round trip, which of queryIDs have matches
// newer than userEmail's last view of them (or have never been viewed but
// have at least one match), per spec.md section 4.6 / property P6.
func (c *Cache) DirtyFlags(ctx context.Context, userEmail string, queryIDs []int64) (map[int64]bool, error) {
	if len(queryIDs) == 0 {
		return map[int64]bool{}, nil
	}

	rows, err := c.pool.Query(ctx, `
		SELECT
			p.id,
			CASE
				WHEN qv.last_viewed_at IS NULL THEN p.last_match_added_at IS NOT NULL
				ELSE p.last_match_added_at > qv.last_viewed_at
			END AS has_new
		FROM posts p
		LEFT JOIN query_views qv ON p.id = qv.query_id AND qv.user_email = $1
		WHERE p.id = ANY($2)`, userEmail, queryIDs)
	if err != nil {
		return nil, fmt.Errorf("dirty flags: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool, len(queryIDs))
	for rows.Next() {
		var id int64
		var dirty bool
		if err := rows.Scan(&id, &dirty); err != nil {
			return nil, fmt.Errorf("scan dirty flag: %w", err)
		}
		out[id] = dirty
	}
	return out, rows.Err()
}

// Get implements judge.Cache, looking up a cached LLM result by prompt
// hash and model name.
func (c *Cache) Get(ctx context.Context, promptHash, modelName string) ([]byte, bool, error) {
	var results string
	err := c.pool.QueryRow(ctx, `
		SELECT llm_results FROM search_cache WHERE prompt_hash = $1 AND model_name = $2`,
		promptHash, modelName,
	).Scan(&results)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get prompt cache: %w", err)
	}
	return []byte(results), true, nil
}

// Put implements judge.Cache, inserting a prompt-cache row if absent. Rows
// are never updated once written (the prompt hash and model name fully
// determine the cached result).
func (c *Cache) Put(ctx context.Context, promptHash, modelName string, results []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO search_cache (prompt_hash, model_name, llm_results)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		promptHash, modelName, string(results))
	if err != nil {
		return fmt.Errorf("put prompt cache: %w", err)
	}
	return nil
}
