package model

import (
	"sort"
	"time"
)

// RawCandidate is one record decoded from a finished browsing task.
// Every field is optional.
type RawCandidate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Keyer derives the deduplication digest key for a contact.
type Keyer interface {
	Key(phone, email string) string
}

// Candidate is a person stored under a position. The digest key is derived
// from the contact fields and cannot be set directly.
type Candidate struct {
	ID         string    `json:"id,omitempty"`
	PositionID string    `json:"position_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone"`
	SourceURL  string    `json:"source_url"`
	CreatedAt  time.Time `json:"created_at,omitempty"`

	digest string
}

// NewCandidate builds a Candidate from a raw record, computing its digest key.
func NewCandidate(positionID string, raw RawCandidate, k Keyer, sourceURL string) Candidate {
	c := Candidate{
		PositionID: positionID,
		FirstName:  raw.FirstName,
		LastName:   raw.LastName,
		Email:      raw.Email,
		SourceURL:  sourceURL,
	}
	c.SetContact(raw.Phone, raw.Email, k)
	return c
}

// SetContact replaces phone and email and recomputes the digest key.
func (c *Candidate) SetContact(phone, email string, k Keyer) {
	c.Phone = phone
	c.Email = email
	c.digest = k.Key(phone, email)
}

// Digest returns the deduplication key (hex SHA-256).
func (c Candidate) Digest() string {
	return c.digest
}

// DigestSet is a set of digest keys already stored for a position.
type DigestSet map[string]struct{}

// NewDigestSet builds a set from keys.
func NewDigestSet(keys ...string) DigestSet {
	s := make(DigestSet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Has reports whether key is in the set.
func (s DigestSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key.
func (s DigestSet) Add(key string) {
	s[key] = struct{}{}
}

// Keys returns the members in sorted order.
func (s DigestSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
