package oracle

import (
	"fmt"
	"strings"

	"github.com/basket/agenda/internal/plan"
)

// FormatQuestion builds the deterministic clarification question from the
// accumulated issues. Used directly in degraded mode and as the fallback when
// question generation fails.
func FormatQuestion(issues plan.Issues) string {
	if len(issues) == 0 {
		return "Could you tell me more about what you would like to do?"
	}
	var b strings.Builder
	for i, iss := range issues {
		if i > 0 {
			b.WriteString("\n")
		}
		switch iss.Kind {
		case plan.IssueMissingSlot:
			b.WriteString(missingSlotQuestion(iss))
		case plan.IssueAmbiguousReference:
			b.WriteString("Which one do you mean?")
		case plan.IssueNotFound:
			b.WriteString("I could not find that item.")
		default:
			b.WriteString(fmt.Sprintf("I could not use one of the values: %s.", iss.Detail))
		}
		if len(iss.Candidates) > 0 {
			b.WriteString("\n")
			b.WriteString(formatCandidates(iss.Candidates))
		}
	}
	return b.String()
}

func missingSlotQuestion(iss plan.ValidationIssue) string {
	switch iss.Slot {
	case "title":
		return "What should it be called?"
	case "start", "start_date", "time":
		return "When should it be?"
	case "event_id", "task_id", "items":
		return "Which item do you mean?"
	case "query_window":
		return "Which date range should I look at?"
	}
	return fmt.Sprintf("I still need a value for %s.", iss.Slot)
}

func formatCandidates(cands []plan.Candidate) string {
	var b strings.Builder
	for i, c := range cands {
		if i > 0 {
			b.WriteString("\n")
		}
		if c.Start != "" {
			b.WriteString(fmt.Sprintf("%d. %s (%s)", i+1, c.Title, c.Start))
		} else {
			b.WriteString(fmt.Sprintf("%d. %s", i+1, c.Title))
		}
	}
	return b.String()
}
