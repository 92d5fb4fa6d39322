package model

import "math/bits"

// FieldName is one of the fixed output fields an extraction produces.
type FieldName string

const (
	FieldPerson  FieldName = "person"
	FieldStartup FieldName = "startup"
	FieldPartner FieldName = "partner"
	FieldDetails FieldName = "details"
	FieldDate    FieldName = "date"
)

// Fields lists every extraction field in canonical order.
var Fields = [...]FieldName{FieldPerson, FieldStartup, FieldPartner, FieldDetails, FieldDate}

// NumFields is the size of the fixed field set.
const NumFields = len(Fields)

// FieldIndex returns the canonical position of f, or -1.
func FieldIndex(f FieldName) int {
	for i, name := range Fields {
		if name == f {
			return i
		}
	}
	return -1
}

// FieldSet is a bitmask of populated fields.
type FieldSet uint8

// With returns s with f marked as populated.
func (s FieldSet) With(f FieldName) FieldSet {
	i := FieldIndex(f)
	if i < 0 {
		return s
	}
	return s | 1<<uint(i)
}

// Has reports whether f is populated.
func (s FieldSet) Has(f FieldName) bool {
	i := FieldIndex(f)
	return i >= 0 && s&(1<<uint(i)) != 0
}

// Count returns the number of populated fields.
func (s FieldSet) Count() int {
	return bits.OnesCount8(uint8(s) & (1<<NumFields - 1))
}

// FieldScores carries one confidence value per extraction field.
type FieldScores struct {
	Person  float64 `json:"person"`
	Startup float64 `json:"startup"`
	Partner float64 `json:"partner"`
	Details float64 `json:"details"`
	Date    float64 `json:"date"`
}

// Get returns the score for f. Unknown fields score zero.
func (s FieldScores) Get(f FieldName) float64 {
	switch f {
	case FieldPerson:
		return s.Person
	case FieldStartup:
		return s.Startup
	case FieldPartner:
		return s.Partner
	case FieldDetails:
		return s.Details
	case FieldDate:
		return s.Date
	}
	return 0
}

// Values returns the scores in canonical field order.
func (s FieldScores) Values() [NumFields]float64 {
	return [NumFields]float64{s.Person, s.Startup, s.Partner, s.Details, s.Date}
}

// Valid reports whether every score lies within [0, 1].
func (s FieldScores) Valid() bool {
	for _, v := range s.Values() {
		if !validConfidence(v) {
			return false
		}
	}
	return true
}

// ExtractedFields is the fixed-shape payload a provider returns. A nil field
// was not found in the source document.
type ExtractedFields struct {
	Person  *string `json:"person"`
	Startup *string `json:"startup"`
	Partner *string `json:"partner"`
	Details *string `json:"details"`
	Date    *string `json:"date"`
}

// Populated returns the set of non-null fields.
func (e ExtractedFields) Populated() FieldSet {
	var s FieldSet
	for i, v := range [NumFields]*string{e.Person, e.Startup, e.Partner, e.Details, e.Date} {
		if v != nil {
			s |= 1 << uint(i)
		}
	}
	return s
}

func validConfidence(v float64) bool {
	return v >= 0 && v <= 1
}
