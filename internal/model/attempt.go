package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Outcome is what the extraction call site reports for one successful
// provider call. Fields is forwarded to the caller untouched.
type Outcome struct {
	Fields            ExtractedFields `json:"fields"`
	OverallConfidence float64         `json:"overall_confidence"`
	FieldConfidence   FieldScores     `json:"field_confidence"`
	ValidationPassed  bool            `json:"validation_passed"`
	FailureReasons    []string        `json:"failure_reasons,omitempty"`
	Latency           time.Duration   `json:"latency"`
	Usage             TokenUsage      `json:"usage"`
}

// TokenUsage is the token count a provider reported for one call. A zero
// value means the provider reported none.
type TokenUsage struct {
	Input  int  `json:"input_tokens"`
	Output int  `json:"output_tokens"`
	Batch  bool `json:"batch,omitempty"`
}

// Reported reports whether any tokens were counted.
func (u TokenUsage) Reported() bool {
	return u.Input > 0 || u.Output > 0
}

// Extraction converts the outcome into the record the quality tracker absorbs.
func (o Outcome) Extraction() Extraction {
	return Extraction{
		FieldConfidence:   o.FieldConfidence,
		Populated:         o.Fields.Populated(),
		OverallConfidence: o.OverallConfidence,
		ValidationPassed:  o.ValidationPassed,
		FailureReasons:    o.FailureReasons,
	}
}

// Validate reports whether the outcome is well-formed.
func (o Outcome) Validate() error {
	if o.Latency < 0 {
		return ErrInvalidLatency
	}
	if o.Usage.Input < 0 || o.Usage.Output < 0 {
		return eris.Errorf("negative token usage %d/%d", o.Usage.Input, o.Usage.Output)
	}
	return o.Extraction().Validate()
}

// Extraction is a single extraction result as seen by the quality tracker.
type Extraction struct {
	FieldConfidence   FieldScores
	Populated         FieldSet
	OverallConfidence float64
	ValidationPassed  bool
	FailureReasons    []string
}

// Validate enforces the input contract of quality recording.
func (e Extraction) Validate() error {
	if !validConfidence(e.OverallConfidence) {
		return eris.Wrapf(ErrInvalidConfidence, "overall confidence %v", e.OverallConfidence)
	}
	if !e.FieldConfidence.Valid() {
		return eris.Wrap(ErrInvalidConfidence, "field confidence")
	}
	if !e.ValidationPassed && len(e.FailureReasons) == 0 {
		return ErrMissingFailureReasons
	}
	return nil
}
