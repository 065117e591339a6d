// Package segment implements the deterministic (seed, propertyValue) ->
// bucket mapping used by segmentation conditions.
//
// The algorithm is a frozen design decision (spec.md §9: "a design
// decision, not a library call"), not a library-selection question: it
// must never change, because changing it silently reshuffles every
// segmentation override in the system. FNV-1a 64-bit from the standard
// library's hash/fnv is used because it is exactly the kind of fixed,
// documented, dependency-free 64-bit hash the spec asks for — no
// library anywhere in the example pack packages a segmentation/bucketing
// primitive more specifically than this.
package segment

import (
	"encoding/json"
	"hash/fnv"
)

// Bucket computes a deterministic bucket in [0, 100) for propertyValue
// under seed. It hashes seed + "\x00" + the canonical JSON encoding of
// propertyValue with FNV-1a 64-bit and reduces the result mod 100.
//
// This function must never change behavior for a given input: doing so
// would reshuffle every segmentation override already in production.
// Golden vectors in segment_test.go pin the current mapping.
func Bucket(seed string, propertyValue any) (int, error) {
	canon, err := json.Marshal(propertyValue)
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte{0})
	h.Write(canon)

	return int(h.Sum64() % 100), nil
}
