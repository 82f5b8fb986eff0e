package plan

import "fmt"

// IssueKind classifies a validation problem.
type IssueKind string

const (
	IssueMissingSlot        IssueKind = "missing_slot"
	IssueAmbiguousReference IssueKind = "ambiguous_reference"
	IssueNotFound           IssueKind = "not_found"
	IssueInvalidValue       IssueKind = "invalid_value"
)

// Candidate is a lightweight item summary offered for disambiguation.
type Candidate struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Start string `json:"start,omitempty"`
}

// MaxIssueCandidates caps how many candidates ride along on one issue.
const MaxIssueCandidates = 5

// ValidationIssue is a structured validation problem blocking execution of
// one step. Issues are accumulated, never thrown.
type ValidationIssue struct {
	StepID     string      `json:"step_id"`
	Kind       IssueKind   `json:"kind"`
	Slot       string      `json:"slot,omitempty"`
	Detail     string      `json:"detail"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

func (v ValidationIssue) String() string {
	if v.Slot != "" {
		return fmt.Sprintf("%s[%s] %s: %s", v.StepID, v.Slot, v.Kind, v.Detail)
	}
	return fmt.Sprintf("%s %s: %s", v.StepID, v.Kind, v.Detail)
}

// Issues is an accumulated issue list.
type Issues []ValidationIssue

// ForStep returns the issues owned by the given step.
func (is Issues) ForStep(stepID string) Issues {
	var out Issues
	for _, iss := range is {
		if iss.StepID == stepID {
			out = append(out, iss)
		}
	}
	return out
}

// StepIDs returns the set of step ids with at least one issue, in first-seen
// order.
func (is Issues) StepIDs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, iss := range is {
		if !seen[iss.StepID] {
			seen[iss.StepID] = true
			out = append(out, iss.StepID)
		}
	}
	return out
}

// ClampCandidates trims every issue's candidate list to MaxIssueCandidates.
func (is Issues) ClampCandidates() Issues {
	for i := range is {
		if len(is[i].Candidates) > MaxIssueCandidates {
			is[i].Candidates = is[i].Candidates[:MaxIssueCandidates]
		}
	}
	return is
}
