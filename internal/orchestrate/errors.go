package orchestrate

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-router/internal/model"
)

var (
	// ErrAllProvidersFailed means every candidate provider was skipped or
	// failed.
	ErrAllProvidersFailed = eris.New("all providers failed")
	// ErrNoQualifiedProvider means no provider met the quality thresholds
	// and fallback is disabled.
	ErrNoQualifiedProvider = eris.New("no provider meets the quality thresholds")
)

// ProviderFailure is why one provider did not produce the result.
type ProviderFailure struct {
	Provider model.ProviderID `json:"provider"`
	Reason   string           `json:"reason"`
}

// AggregateError reports the individual failure of every provider considered
// for a unit of work. It matches its Kind with errors.Is.
type AggregateError struct {
	Kind     error
	Failures []ProviderFailure
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	b.WriteString("orchestrate: ")
	b.WriteString(e.Kind.Error())
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(string(f.Provider))
		b.WriteString(": ")
		b.WriteString(f.Reason)
	}
	return b.String()
}

func (e *AggregateError) Unwrap() error {
	return e.Kind
}

func failuresOf(attempts []Attempt) []ProviderFailure {
	out := make([]ProviderFailure, 0, len(attempts))
	for _, a := range attempts {
		if a.Status == StatusSuccess {
			continue
		}
		out = append(out, ProviderFailure{Provider: a.Provider, Reason: a.Reason})
	}
	return out
}
