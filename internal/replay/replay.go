// Package replay routes recorded provider responses through the orchestrator.
// It is used to evaluate strategies offline and to warm tracker state from
// captured traffic.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/orchestrate"
	"github.com/sells-group/extract-router/internal/resilience"
)

// Response is one recorded provider answer. Exactly one of Outcome or Error
// is expected; a response with neither is replayed as a malformed answer.
type Response struct {
	Outcome   *model.Outcome `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Status    int            `json:"status,omitempty"`
	LatencyMs float64        `json:"latency_ms,omitempty"`
}

// Case is one recorded unit of work.
type Case struct {
	ID        string                        `json:"id"`
	Document  string                        `json:"document"`
	Responses map[model.ProviderID]Response `json:"responses"`
}

// ErrNoResponse is returned for a provider without a recorded response.
var ErrNoResponse = eris.New("no recorded response")

// ReadCases decodes a stream of JSON cases. Cases without an id get a
// generated one.
func ReadCases(r io.Reader) ([]Case, error) {
	dec := json.NewDecoder(r)
	var cases []Case
	for {
		var c Case
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "replay: decode case %d", len(cases)+1)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		cases = append(cases, c)
	}
	return cases, nil
}

// Extractor answers provider calls from recorded cases.
type Extractor struct {
	cases map[string]Case
}

// NewExtractor indexes cases by id.
func NewExtractor(cases []Case) *Extractor {
	idx := make(map[string]Case, len(cases))
	for _, c := range cases {
		idx[c.ID] = c
	}
	return &Extractor{cases: idx}
}

// Attempt implements orchestrate.Extractor.
func (e *Extractor) Attempt(ctx context.Context, provider model.ProviderID, req orchestrate.Request) (model.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return model.Outcome{}, err
	}
	resp, ok := e.cases[req.ID].Responses[provider]
	if !ok {
		return model.Outcome{}, eris.Wrapf(ErrNoResponse, "request %s provider %s", req.ID, provider)
	}
	latency := time.Duration(resp.LatencyMs * float64(time.Millisecond))

	if resp.Error != "" || resp.Status >= 400 {
		msg := resp.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.Status)
		}
		err := eris.New(msg)
		if resilience.IsTransientHTTPStatus(resp.Status) {
			return model.Outcome{}, resilience.NewTransientError(err, resp.Status)
		}
		return model.Outcome{}, err
	}
	if resp.Outcome == nil {
		return model.Outcome{}, eris.Errorf("request %s provider %s: empty response", req.ID, provider)
	}

	out := *resp.Outcome
	if out.Latency == 0 {
		out.Latency = latency
	}
	return out, nil
}

// Result is the replayed fate of one case.
type Result struct {
	RequestID string
	Result    *orchestrate.Result
	Err       error
}

// Summary counts replay results.
type Summary struct {
	Cases  int
	Routed int
	Failed int
	// Wins counts the cases served by each provider.
	Wins map[model.ProviderID]int
}

// Run replays every case in order. A case the orchestrator cannot serve is
// reported in its Result; Run only stops early when ctx is done.
func Run(ctx context.Context, orch *orchestrate.Orchestrator, cases []Case) ([]Result, Summary, error) {
	log := zap.L().With(zap.String("component", "replay"))
	sum := Summary{Wins: make(map[model.ProviderID]int)}
	out := make([]Result, 0, len(cases))

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return out, sum, eris.Wrap(err, "replay: interrupted")
		}
		res, err := orch.Extract(ctx, orchestrate.Request{ID: c.ID, Document: c.Document})
		sum.Cases++
		if err != nil {
			sum.Failed++
			log.Debug("replay: case not served", zap.String("request_id", c.ID), zap.Error(err))
		} else {
			sum.Routed++
			sum.Wins[res.Provider]++
		}
		out = append(out, Result{RequestID: c.ID, Result: res, Err: err})
	}
	return out, sum, nil
}
