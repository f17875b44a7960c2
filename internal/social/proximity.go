// Package social computes the invite-tree proximity tiebreaker used when
// listing recent users, supplementing spec.md per
// original_source/db.py's get_proximity.
package social

// Unrelated is returned when two users share no common ancestor, or when
// either chain is empty/unknown.
const Unrelated = 9999

// Proximity returns the invite-tree distance between two users given their
// ancestor chains (ordered self-to-root-inviter, chainA[0] == user A's own
// id). Distance is the sum of each chain's index to the first ancestor the
// two chains share; 0 means the same user; Unrelated means no common
// ancestor was found.
func Proximity(chainA, chainB []int64) int {
	if len(chainA) > 0 && len(chainB) > 0 && chainA[0] == chainB[0] {
		return 0
	}
	if len(chainA) == 0 || len(chainB) == 0 {
		return Unrelated
	}

	inB := make(map[int64]int, len(chainB))
	for i, id := range chainB {
		inB[id] = i
	}

	for i, ancestor := range chainA {
		if j, ok := inB[ancestor]; ok {
			return i + j
		}
	}
	return Unrelated
}
