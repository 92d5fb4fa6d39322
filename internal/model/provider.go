// Package model holds the shared types for provider health, extraction quality
// and routing decisions.
package model

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// ProviderID identifies an external extraction provider.
type ProviderID string

// Validation errors. Callers match them with errors.Is.
var (
	ErrUnknownProvider       = eris.New("unknown provider")
	ErrNoProviders           = eris.New("no providers tracked")
	ErrInvalidLatency        = eris.New("latency must be non-negative")
	ErrInvalidConfidence     = eris.New("confidence must be within [0, 1]")
	ErrMissingFailureReasons = eris.New("failed validation requires at least one failure reason")
	ErrNoExtractions         = eris.New("provider has no recorded extractions")
	ErrWindowTooSmall        = eris.New("evaluation window below minimum")
)

// ProviderSet is the fixed set of providers a tracker accepts.
type ProviderSet struct {
	ids []ProviderID
}

// NewProviderSet builds a set from ids, dropping blanks and duplicates. The
// resulting order is lexical.
func NewProviderSet(ids ...ProviderID) ProviderSet {
	out := make([]ProviderID, 0, len(ids))
	for _, id := range ids {
		id = ProviderID(strings.TrimSpace(string(id)))
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return ProviderSet{ids: out}
}

// Contains reports whether id is a known provider.
func (s ProviderSet) Contains(id ProviderID) bool {
	_, ok := slices.BinarySearch(s.ids, id)
	return ok
}

// IDs returns the providers in lexical order.
func (s ProviderSet) IDs() []ProviderID {
	return slices.Clone(s.ids)
}

// Len returns the number of known providers.
func (s ProviderSet) Len() int {
	return len(s.ids)
}

// Validate returns ErrUnknownProvider when id is not part of the set.
func (s ProviderSet) Validate(id ProviderID) error {
	if !s.Contains(id) {
		return eris.Wrapf(ErrUnknownProvider, "provider %q", id)
	}
	return nil
}
