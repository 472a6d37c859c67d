// Package dedup filters freshly scraped candidate records against the digest
// keys already stored for a position and against each other.
package dedup

import (
	"github.com/sells-group/portal-connector/internal/model"
)

// Result is the outcome of filtering one batch.
type Result struct {
	Kept         []model.Candidate
	SeenSkipped  int // already stored for the position
	BatchSkipped int // repeated key inside the batch; first occurrence wins
	Contactless  int // records with neither usable phone nor email
}

// Skipped returns the total number of dropped records.
func (r Result) Skipped() int {
	return r.SeenSkipped + r.BatchSkipped
}

// Filter builds candidates for positionID from raw and drops every record
// whose key is in seen or was already kept earlier in raw. seen is not
// modified. Input order is preserved.
func Filter(positionID string, raw []model.RawCandidate, seen model.DigestSet, k model.Keyer, sourceURL string) Result {
	res := Result{Kept: make([]model.Candidate, 0, len(raw))}
	batch := make(model.DigestSet, len(raw))
	empty := k.Key("", "")

	for _, r := range raw {
		c := model.NewCandidate(positionID, r, k, sourceURL)
		key := c.Digest()
		if key == empty {
			res.Contactless++
		}
		switch {
		case seen.Has(key):
			res.SeenSkipped++
		case batch.Has(key):
			res.BatchSkipped++
		default:
			batch.Add(key)
			res.Kept = append(res.Kept, c)
		}
	}
	return res
}
