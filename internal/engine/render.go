package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/schedule"
)

// RenderText turns a TurnResponse into a plain-text reply. Channels and the
// REPL share it so every surface phrases outcomes the same way.
func RenderText(resp TurnResponse) string {
	switch resp.Status {
	case StatusClarification:
		if resp.Question != "" {
			return resp.Question
		}
		return "Could you tell me more about what you would like to do?"
	case StatusPlanned:
		return fmt.Sprintf("Planned %d step(s); nothing was executed (dry run).", len(resp.Plan.Steps))
	case StatusFailed:
		return renderFailure(resp.Results)
	default:
		return renderResults(resp.Results)
	}
}

func renderFailure(results []schedule.StepResult) string {
	var b strings.Builder
	b.WriteString("I could not finish that.")
	for _, r := range results {
		if !r.OK && r.Error != "" {
			fmt.Fprintf(&b, " Step %s failed: %s.", r.StepID, r.Error)
			break
		}
	}
	return b.String()
}

func renderResults(results []schedule.StepResult) string {
	if len(results) == 0 {
		return "Done."
	}
	var parts []string
	for _, r := range results {
		if !r.OK {
			parts = append(parts, fmt.Sprintf("step %s failed (%s)", r.StepID, r.Error))
			continue
		}
		if r.Intent == plan.IntentSummarize {
			parts = append(parts, renderSummary(r.Data))
			continue
		}
		if s := renderMutation(r); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "Done."
	}
	return strings.Join(parts, "\n")
}

func renderMutation(r schedule.StepResult) string {
	n := payloadCount(r.Data)
	switch r.Intent {
	case plan.IntentCreateEvent:
		return countLine(n, "event", "created")
	case plan.IntentUpdateEvent:
		return countLine(n, "event", "updated")
	case plan.IntentCancelEvent:
		return countLine(n, "event", "cancelled")
	case plan.IntentCreateTask:
		return countLine(n, "task", "created")
	case plan.IntentUpdateTask:
		return countLine(n, "task", "updated")
	case plan.IntentCancelTask:
		return countLine(n, "task", "cancelled")
	}
	return ""
}

func countLine(n int, noun, verb string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s %s.", noun, verb)
	}
	return fmt.Sprintf("%d %ss %s.", n, noun, verb)
}

// payloadCount counts items in a step result payload, which is either a
// single object or an array of objects.
func payloadCount(data json.RawMessage) int {
	if len(data) == 0 {
		return 0
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		return len(arr)
	}
	return 1
}

func renderSummary(data json.RawMessage) string {
	var sum schedule.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return "Here is your agenda."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Agenda %s to %s:", sum.Window.StartDate, sum.Window.EndDate)
	if len(sum.Events) == 0 && len(sum.Tasks) == 0 {
		b.WriteString("\nNothing scheduled.")
		return b.String()
	}
	for _, ev := range sum.Events {
		fmt.Fprintf(&b, "\n- %s  %s", ev.Start.String(), ev.Title)
		if ev.Location != "" {
			fmt.Fprintf(&b, " (%s)", ev.Location)
		}
	}
	for _, task := range sum.Tasks {
		b.WriteString("\n- ")
		if task.Due != nil {
			fmt.Fprintf(&b, "%s  ", task.Due.String())
		}
		fmt.Fprintf(&b, "%s [%s]", task.Title, task.Status)
	}
	return b.String()
}
