package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/embeddings"
	"github.com/fabfab/firefly-match/internal/judge"
	"github.com/fabfab/firefly-match/internal/store"
	"github.com/fabfab/firefly-match/internal/vectorindex"
)

type fakeStore struct {
	posts map[int64]domain.Post
}

func newFakeStore() *fakeStore { return &fakeStore{posts: map[int64]domain.Post{}} }

func (f *fakeStore) add(p domain.Post) { f.posts[p.ID] = p }

func (f *fakeStore) GetPost(_ context.Context, id int64) (domain.Post, error) {
	p, ok := f.posts[id]
	if !ok {
		return domain.Post{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) GetPostsByTemplate(_ context.Context, template string) ([]domain.Post, error) {
	var out []domain.Post
	for _, p := range f.posts {
		if p.Template == template {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetNonQueryPosts(_ context.Context) ([]domain.Post, error) {
	var out []domain.Post
	for _, p := range f.posts {
		if p.Template != domain.TemplateQuery {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeEmbedStore struct {
	matrix map[int64]embeddings.Matrix
}

func (f fakeEmbedStore) ListPostIDs() ([]int64, error) {
	ids := make([]int64, 0, len(f.matrix))
	for id := range f.matrix {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f fakeEmbedStore) Load(postID int64) (embeddings.Matrix, error) {
	return f.matrix[postID], nil
}

type fakeCache struct {
	rows    map[[2]int64]int
	bumped  map[int64]int
	cleared []int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: map[[2]int64]int{}, bumped: map[int64]int{}}
}

func (c *fakeCache) Upsert(_ context.Context, queryID, postID int64, score int) error {
	c.rows[[2]int64{queryID, postID}] = score
	return nil
}
func (c *fakeCache) BumpLastMatchAdded(_ context.Context, queryID int64) error {
	c.bumped[queryID]++
	return nil
}
func (c *fakeCache) ClearByQuery(_ context.Context, queryID int64) error {
	c.cleared = append(c.cleared, queryID)
	for k := range c.rows {
		if k[0] == queryID {
			delete(c.rows, k)
		}
	}
	return nil
}
func (c *fakeCache) ClearByPost(_ context.Context, postID int64) error {
	for k := range c.rows {
		if k[1] == postID {
			delete(c.rows, k)
		}
	}
	return nil
}

type fakeJudge struct {
	rankScores     map[int64]int
	evaluateScores map[int64]int
	unavailable    bool
}

func (j fakeJudge) Rank(_ context.Context, _ judge.Doc, candidates []judge.Doc) ([]judge.Score, error) {
	if j.unavailable {
		return nil, judge.ErrUnavailable
	}
	out := make([]judge.Score, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, judge.Score{ID: c.ID, Score: j.rankScores[c.ID]})
	}
	return out, nil
}

func (j fakeJudge) Evaluate(_ context.Context, queries []judge.Doc, _ judge.Doc) ([]judge.Score, error) {
	if j.unavailable {
		return nil, judge.ErrUnavailable
	}
	out := make([]judge.Score, 0, len(queries))
	for _, q := range queries {
		out = append(out, judge.Score{ID: q.ID, Score: j.evaluateScores[q.ID]})
	}
	return out, nil
}

func doc(id int64, text string) domain.Post {
	return domain.Post{ID: id, Title: text}
}

// TestRematchQueryBasicRanking mirrors end-to-end scenario 1: three
// candidate posts, an LLM stub scoring two of them above threshold, the
// third filtered out.
func TestRematchQueryBasicRanking(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	const queryID, postA, postB, postC = 1, 2, 3, 4
	s.add(domain.Post{ID: queryID, Template: domain.TemplateQuery, Title: "Mediterranean travel food"})
	s.add(domain.Post{ID: postA, Template: domain.TemplatePost, Title: "beach vacation in Barcelona"})
	s.add(domain.Post{ID: postB, Template: domain.TemplatePost, Title: "kernel scheduling in real-time OS"})
	s.add(domain.Post{ID: postC, Template: domain.TemplatePost, Title: "grilled seafood paella recipe"})

	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{
		queryID: {{1, 0, 0}},
		postA:   {{0.9, 0.1, 0}},
		postB:   {{0, 0, 1}},
		postC:   {{0.8, 0.2, 0}},
	}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	j := fakeJudge{rankScores: map[int64]int{postA: 70, postB: 5, postC: 60}}

	m := New(s, idx, embed, j, cache)
	if err := m.RematchQuery(ctx, queryID); err != nil {
		t.Fatalf("RematchQuery: %v", err)
	}

	if got := cache.rows[[2]int64{queryID, postA}]; got != 70 {
		t.Errorf("post A score = %d, want 70", got)
	}
	if got := cache.rows[[2]int64{queryID, postC}]; got != 60 {
		t.Errorf("post C score = %d, want 60", got)
	}
	if _, ok := cache.rows[[2]int64{queryID, postB}]; ok {
		t.Errorf("post B should have been filtered out by threshold")
	}
	if cache.bumped[queryID] != 1 {
		t.Errorf("expected last_match_added_at bumped once, got %d", cache.bumped[queryID])
	}
}

// TestRematchQueryClearsBeforeRebuilding mirrors scenario 2: a query
// re-match must not retain a stale row once the LLM's verdict changes.
func TestRematchQueryClearsBeforeRebuilding(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	const queryID, postA = 1, 2
	s.add(domain.Post{ID: queryID, Template: domain.TemplateQuery})
	s.add(domain.Post{ID: postA, Template: domain.TemplatePost})

	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{
		queryID: {{1, 0}},
		postA:   {{1, 0}},
	}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	cache.rows[[2]int64{queryID, postA}] = 70

	j := fakeJudge{rankScores: map[int64]int{postA: 10}}
	m := New(s, idx, embed, j, cache)

	if err := m.RematchQuery(ctx, queryID); err != nil {
		t.Fatalf("RematchQuery: %v", err)
	}
	if _, ok := cache.rows[[2]int64{queryID, postA}]; ok {
		t.Errorf("stale match should have been cleared, score now below threshold")
	}
}

// TestRematchQueryIncludesArbitraryNonQueryTemplates ensures E1's candidate
// pool is every non-query post, not just the "post"/"profile" tags.
func TestRematchQueryIncludesArbitraryNonQueryTemplates(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	const queryID, event = 1, 2
	s.add(domain.Post{ID: queryID, Template: domain.TemplateQuery, Title: "Mediterranean travel food"})
	s.add(domain.Post{ID: event, Template: "event", Title: "beach bonfire in Barcelona"})

	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{
		queryID: {{1, 0}},
		event:   {{1, 0}},
	}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	j := fakeJudge{rankScores: map[int64]int{event: 80}}

	m := New(s, idx, embed, j, cache)
	if err := m.RematchQuery(ctx, queryID); err != nil {
		t.Fatalf("RematchQuery: %v", err)
	}
	if got := cache.rows[[2]int64{queryID, event}]; got != 80 {
		t.Errorf("post under an arbitrary non-query template should still be a candidate, got %d", got)
	}
}

// TestRematchPostFansOutToQueries mirrors scenario 3.
func TestRematchPostFansOutToQueries(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	const q1, q2, postD = 1, 2, 3
	s.add(domain.Post{ID: q1, Template: domain.TemplateQuery, Title: "travel"})
	s.add(domain.Post{ID: q2, Template: domain.TemplateQuery, Title: "compilers"})
	s.add(domain.Post{ID: postD, Template: domain.TemplatePost, Title: "hiking in the Alps"})

	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{
		q1:    {{1, 0}},
		q2:    {{0, 1}},
		postD: {{0.9, 0.1}},
	}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	j := fakeJudge{evaluateScores: map[int64]int{q1: 65, q2: 5}}

	m := New(s, idx, embed, j, cache)
	if err := m.RematchPost(ctx, postD); err != nil {
		t.Fatalf("RematchPost: %v", err)
	}

	if got := cache.rows[[2]int64{q1, postD}]; got != 65 {
		t.Errorf("q1 score = %d, want 65", got)
	}
	if _, ok := cache.rows[[2]int64{q2, postD}]; ok {
		t.Errorf("q2 should be filtered by threshold")
	}
	if cache.bumped[q1] != 1 {
		t.Errorf("expected q1 bumped once, got %d", cache.bumped[q1])
	}
	if cache.bumped[q2] != 0 {
		t.Errorf("q2 should not be bumped")
	}
}

// TestRematchQueryFallsBackToDenseSimilarity mirrors scenario 5: when the
// judge is unavailable, a high-dense-similarity match is still cached and
// scaled to the 0-100 range, a low-similarity one is not.
func TestRematchQueryFallsBackToDenseSimilarity(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	const queryID, postP = 1, 2
	s.add(domain.Post{ID: queryID, Template: domain.TemplateQuery})
	s.add(domain.Post{ID: postP, Template: domain.TemplatePost})

	// Vectors engineered so cosine similarity is exactly 0.82.
	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{
		queryID: {{1, 0}},
		postP:   {{0.82, floatSqrt(1 - 0.82*0.82)}},
	}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	j := fakeJudge{unavailable: true}

	m := New(s, idx, embed, j, cache)
	if err := m.RematchQuery(ctx, queryID); err != nil {
		t.Fatalf("RematchQuery: %v", err)
	}

	got, ok := cache.rows[[2]int64{queryID, postP}]
	if !ok {
		t.Fatalf("expected fallback row to be cached")
	}
	if got < 80 || got > 83 {
		t.Errorf("fallback score = %d, want ~82", got)
	}
}

func TestRematchPostSkipsQueryTemplate(t *testing.T) {
	ctx := context.Background()

	s := newFakeStore()
	s.add(domain.Post{ID: 1, Template: domain.TemplateQuery})
	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{1: {{1, 0}}}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	m := New(s, idx, embed, fakeJudge{}, cache)

	if err := m.RematchPost(ctx, 1); err != nil {
		t.Fatalf("RematchPost: %v", err)
	}
	if len(cache.rows) != 0 {
		t.Errorf("a query-template post must never be treated as E2 input")
	}
}

func TestRematchQueryMissingIsNoOp(t *testing.T) {
	s := newFakeStore()
	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{}}
	idx := vectorindex.New(embed)
	m := New(s, idx, embed, fakeJudge{}, newFakeCache())

	if err := m.RematchQuery(context.Background(), 999); err != nil {
		t.Fatalf("expected nil error for missing query, got %v", err)
	}
}

func TestUpsertIfPostExistsSkipsDeletedPost(t *testing.T) {
	s := newFakeStore()
	embed := fakeEmbedStore{matrix: map[int64]embeddings.Matrix{}}
	idx := vectorindex.New(embed)
	cache := newFakeCache()
	m := New(s, idx, embed, fakeJudge{}, cache)

	ok, err := m.upsertIfPostExists(context.Background(), 1, 2, 90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected no write for a post that does not exist")
	}
	if len(cache.rows) != 0 {
		t.Errorf("cache should remain empty")
	}
	if !errors.Is(store.ErrNotFound, store.ErrNotFound) {
		t.Fatalf("sanity check on sentinel failed")
	}
}

func floatSqrt(v float32) float32 {
	// small local helper to avoid importing math in the test for one call
	x := float64(v)
	guess := x
	for i := 0; i < 20; i++ {
		guess = 0.5 * (guess + x/guess)
	}
	return float32(guess)
}
