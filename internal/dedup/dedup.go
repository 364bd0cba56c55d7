// Package dedup drops records that were already returned, either earlier in
// the same fetch or by an earlier fetch on the same instance.
package dedup

import (
	"strings"
	"sync"

	"github.com/JakeFAU/analytics-ingest/internal/hash/sha256"
	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

// Hasher digests a record's canonical encoding.
type Hasher interface {
	HashJSON(v any) (string, error)
}

// Deduplicator keeps content hashes for its whole lifetime. Identity keys are
// scoped to a single Filter call.
type Deduplicator struct {
	hasher Hasher

	mu     sync.Mutex
	hashes map[string]struct{}
}

// New returns an empty Deduplicator. A nil hasher uses SHA-256.
func New(hasher Hasher) *Deduplicator {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Deduplicator{hasher: hasher, hashes: make(map[string]struct{})}
}

// IdentityKey joins the record date with the named dimension values.
func IdentityKey(r ingest.MetricRecord, fields []string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, r.Date)
	for _, f := range fields {
		parts = append(parts, r.Dimensions[f])
	}
	return strings.Join(parts, "|")
}

// Filter returns the records whose content hash and identity key are both
// unseen, and the number dropped. Records that cannot be hashed are kept.
func (d *Deduplicator) Filter(records []ingest.MetricRecord, identityFields []string) ([]ingest.MetricRecord, int) {
	identities := make(map[string]struct{}, len(records))
	kept := make([]ingest.MetricRecord, 0, len(records))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		id := IdentityKey(r, identityFields)
		if _, dup := identities[id]; dup {
			continue
		}
		sum, err := d.hasher.HashJSON(r)
		if err == nil {
			if _, dup := d.hashes[sum]; dup {
				continue
			}
			d.hashes[sum] = struct{}{}
		}
		identities[id] = struct{}{}
		kept = append(kept, r)
	}
	return kept, len(records) - len(kept)
}

// Seen reports how many content hashes are retained.
func (d *Deduplicator) Seen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

// Reset forgets every retained content hash.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.hashes = make(map[string]struct{})
	d.mu.Unlock()
}
