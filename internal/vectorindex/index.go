// Package vectorindex assembles the in-memory fragment-embedding matrix
// used for candidate retrieval (C2). It is built fresh on demand per
// matcher invocation; for the repository's scale (O(10^3-10^4) posts x
// ~10 fragments) that is acceptable, and the LRU memoisation in
// Index gives the optional mod-count-invalidated cache the spec
// allows without changing externally visible behaviour.
package vectorindex

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fabfab/firefly-match/internal/embeddings"
)

// Entry identifies which post and fragment a row of a Snapshot's matrix
// belongs to.
type Entry struct {
	PostID       int64
	FragmentIdx  int
}

// Snapshot is an immutable view of every fragment embedding currently on
// disk: Matrix is the row-concatenation of all fragment vectors and
// Index[i] names the (post id, fragment index) that row i came from.
type Snapshot struct {
	Matrix [][]float32
	Index  []Entry
}

// Store is the subset of embeddings.Store a Snapshot needs to assemble
// itself.
type Store interface {
	ListPostIDs() ([]int64, error)
	Load(postID int64) (embeddings.Matrix, error)
}

// Index builds Snapshots from a Store, memoising the last snapshot built
// for a given modification count so repeated matcher invocations between
// writes don't re-read every file from disk.
type Index struct {
	store   Store
	cache   *lru.Cache[int64, Snapshot]
	version int64
}

// New constructs an Index backed by store.
func New(store Store) *Index {
	cache, _ := lru.New[int64, Snapshot](1) // only ever one live version
	return &Index{store: store, cache: cache}
}

// Invalidate bumps the index's version, forcing the next Snapshot call to
// rebuild from disk. Callers invoke this after any Put/Delete against the
// backing embeddings.Store.
func (idx *Index) Invalidate() {
	idx.version++
}

// Snapshot returns the current assembly of all fragment embeddings on
// disk, excluding any post ids in exclude.
func (idx *Index) Snapshot(exclude ...int64) (Snapshot, error) {
	if cached, ok := idx.cache.Get(idx.version); ok {
		return filterSnapshot(cached, exclude), nil
	}

	ids, err := idx.store.ListPostIDs()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list post ids: %w", err)
	}

	var snap Snapshot
	for _, id := range ids {
		matrix, err := idx.store.Load(id)
		if err != nil {
			return Snapshot{}, fmt.Errorf("load embeddings for post %d: %w", id, err)
		}
		for fragIdx, row := range matrix {
			snap.Matrix = append(snap.Matrix, row)
			snap.Index = append(snap.Index, Entry{PostID: id, FragmentIdx: fragIdx})
		}
	}

	idx.cache.Add(idx.version, snap)
	return filterSnapshot(snap, exclude), nil
}

func filterSnapshot(snap Snapshot, exclude []int64) Snapshot {
	if len(exclude) == 0 {
		return snap
	}
	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	out := Snapshot{}
	for i, entry := range snap.Index {
		if excluded[entry.PostID] {
			continue
		}
		out.Matrix = append(out.Matrix, snap.Matrix[i])
		out.Index = append(out.Index, entry)
	}
	return out
}

// Similarity returns a dense matrix M where M[i][j] is the cosine
// similarity between row i of a and row j of b. Rows are L2-normalised
// once up front and compared by inner product.
func Similarity(a, b [][]float32) [][]float32 {
	na := normalizeRows(a)
	nb := normalizeRows(b)

	out := make([][]float32, len(na))
	for i, rowA := range na {
		out[i] = make([]float32, len(nb))
		for j, rowB := range nb {
			out[i][j] = dot(rowA, rowB)
		}
	}
	return out
}

// MaxPerPost aggregates a similarity matrix over a Snapshot's fragment
// index, returning the maximum similarity for each distinct post id
// appearing in index (across all rows of the query side). Used for
// "top candidates for a query" recall (spec §4.2 MAX per post).
func MaxPerPost(sim [][]float32, index []Entry) map[int64]float32 {
	best := make(map[int64]float32)
	for _, row := range sim {
		for j, score := range row {
			if j >= len(index) {
				continue
			}
			postID := index[j].PostID
			if current, ok := best[postID]; !ok || score > current {
				best[postID] = score
			}
		}
	}
	return best
}

// MaxScalar returns the single highest value in a similarity matrix,
// used when the "base" side is itself one post (post-vs-one-query).
func MaxScalar(sim [][]float32) float32 {
	var max float32 = -2 // cosine similarity is always >= -1
	for _, row := range sim {
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	if max < -1 {
		return 0
	}
	return max
}

func normalizeRows(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = normalize(row)
	}
	return out
}

func normalize(row []float32) []float32 {
	var sumSquares float64
	for _, v := range row {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return row
	}
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
