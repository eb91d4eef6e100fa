package pipeline

import (
	"sync"
	"time"

	"github.com/medialens/arena-collector/internal/arena"
)

// Link is a retroactive duplicate pointer for an already-observed record.
// The index returns links when a newly observed record turns out to be the
// earlier original, so downstream consumers can repoint prior records.
type Link struct {
	ID            string
	DuplicateOf   string
	NearDuplicate bool
}

type entry struct {
	id          string
	contentHash string
	simHash     uint64
	collectedAt time.Time
}

// Index is the in-run deduplication index. Linkage is order-independent:
// whichever record of a duplicate set has the earliest collected-at (ties
// broken by id) ends up the original, regardless of arrival order.
type Index struct {
	mu        sync.Mutex
	threshold int
	byHash    map[string][]int
	entries   []entry
}

// NewIndex constructs an Index with the given Hamming-distance threshold for
// near-duplicate linkage.
func NewIndex(threshold int) *Index {
	if threshold < 0 {
		threshold = 0
	}
	return &Index{
		threshold: threshold,
		byHash:    make(map[string][]int),
	}
}

// Observe registers rec with the index, stamping DuplicateOf and
// NearDuplicate on it when it duplicates something already seen. The
// returned links repoint earlier records when rec predates them.
func (ix *Index) Observe(rec *arena.UniversalRecord) []Link {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var links []Link

	group := ix.byHash[rec.ContentHash]
	if len(group) > 0 {
		orig := ix.earliest(group)
		if earlier(rec.CollectedAt, rec.ID, orig.collectedAt, orig.id) {
			// rec predates everything seen with this hash; repoint the group.
			for _, i := range group {
				links = append(links, Link{ID: ix.entries[i].id, DuplicateOf: rec.ID})
			}
		} else {
			rec.DuplicateOf = orig.id
		}
	} else if near, ok := ix.nearest(rec); ok {
		if earlier(rec.CollectedAt, rec.ID, near.collectedAt, near.id) {
			links = append(links, Link{ID: near.id, DuplicateOf: rec.ID, NearDuplicate: true})
		} else {
			rec.DuplicateOf = near.id
			rec.NearDuplicate = true
		}
	}

	idx := len(ix.entries)
	ix.entries = append(ix.entries, entry{
		id:          rec.ID,
		contentHash: rec.ContentHash,
		simHash:     rec.SimHash,
		collectedAt: rec.CollectedAt,
	})
	ix.byHash[rec.ContentHash] = append(group, idx)
	return links
}

// Len reports the number of observed records.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

func (ix *Index) earliest(group []int) entry {
	best := ix.entries[group[0]]
	for _, i := range group[1:] {
		e := ix.entries[i]
		if earlier(e.collectedAt, e.id, best.collectedAt, best.id) {
			best = e
		}
	}
	return best
}

// nearest finds the earliest entry within the Hamming threshold that is not
// an exact duplicate.
func (ix *Index) nearest(rec *arena.UniversalRecord) (entry, bool) {
	var best entry
	found := false
	for _, e := range ix.entries {
		if e.contentHash == rec.ContentHash {
			continue
		}
		if hammingDistance(e.simHash, rec.SimHash) > ix.threshold {
			continue
		}
		if !found || earlier(e.collectedAt, e.id, best.collectedAt, best.id) {
			best = e
			found = true
		}
	}
	return best, found
}

func earlier(aAt time.Time, aID string, bAt time.Time, bID string) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return aID < bID
}
