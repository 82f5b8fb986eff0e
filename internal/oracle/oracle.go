// Package oracle hosts the language-model collaborators: the planner that
// drafts a plan from an utterance, the per-intent field extractor, the
// reference resolver and the clarification question generator. Every oracle
// output is untrusted and is schema-validated before the engine touches it.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/resolve"
	"github.com/basket/agenda/internal/session"
)

// ErrUnavailable marks an oracle that cannot serve: missing credentials,
// empty response, or structured output that failed validation after retries.
// The engine degrades it to a clarification response, never a crash.
var ErrUnavailable = errors.New("oracle unavailable")

// PlanRequest is the planner oracle input.
type PlanRequest struct {
	Utterance   string              `json:"utterance"`
	Now         time.Time           `json:"now"`
	Timezone    string              `json:"timezone"`
	Preferences session.Preferences `json:"preferences"`
}

// Planner drafts a raw plan from one utterance.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (plan.PlannerOutput, error)
}

// ExtractRequest is the extractor oracle input for one step.
type ExtractRequest struct {
	Utterance string            `json:"utterance"`
	Now       time.Time         `json:"now"`
	Timezone  string            `json:"timezone"`
	Language  string            `json:"language,omitempty"`
	Intent    plan.Intent       `json:"intent"`
	Hint      string            `json:"hint,omitempty"`
	Snapshot  *resolve.Snapshot `json:"snapshot,omitempty"`
}

// ExtractResult is the extractor oracle output: a raw argument bag for the
// slot validator plus the extraction confidence.
type ExtractResult struct {
	Args       map[string]json.RawMessage `json:"args"`
	Confidence float64                    `json:"confidence"`
}

// Extractor fills one step's argument bag, called once per step per
// dependency level.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// Questioner phrases one clarification question from the accumulated issues.
type Questioner interface {
	Question(ctx context.Context, utterance string, issues plan.Issues) (string, error)
}

// Suite bundles every oracle the engine consumes. The resolver contract is
// defined next to its caller.
type Suite struct {
	Planner    Planner
	Extractor  Extractor
	Resolver   resolve.Oracle
	Questioner Questioner
}
