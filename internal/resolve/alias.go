package resolve

import (
	"strings"

	"github.com/basket/agenda/internal/plan"
	"github.com/basket/agenda/internal/store"
)

// aliasTable maps the reference tokens an oracle or user may produce back to
// real identifiers. It is built fresh per context window: every visible item
// gets a 1-based ordinal id distinct from its real identifier, and the bare
// suffix of a real identifier is added when it is unambiguous across the
// candidate set.
type aliasTable struct {
	byAlias map[string]plan.Candidate
	ordered []plan.Candidate
}

func newAliasTable(candidates []plan.Candidate) *aliasTable {
	t := &aliasTable{
		byAlias: make(map[string]plan.Candidate, len(candidates)*3),
		ordered: candidates,
	}
	for i, c := range candidates {
		t.byAlias[ordinal(i+1)] = c
		t.byAlias[strings.ToLower(c.ID)] = c
	}
	suffixes := make(map[string]int)
	for _, c := range candidates {
		if s := idSuffix(c.ID); s != "" {
			suffixes[s]++
		}
	}
	for _, c := range candidates {
		s := idSuffix(c.ID)
		if s == "" || suffixes[s] != 1 {
			continue
		}
		// Ordinals and full ids always win over a suffix.
		if _, taken := t.byAlias[s]; !taken {
			t.byAlias[s] = c
		}
	}
	return t
}

// lookup resolves one token. The token may be an ordinal, a full real id, or
// an unambiguous id suffix. Matching is case-insensitive.
func (t *aliasTable) lookup(token string) (plan.Candidate, bool) {
	c, ok := t.byAlias[strings.ToLower(strings.TrimSpace(token))]
	return c, ok
}

// byTitle returns all candidates whose title matches exactly,
// case-insensitively.
func (t *aliasTable) byTitle(title string) []plan.Candidate {
	want := strings.ToLower(strings.TrimSpace(title))
	var out []plan.Candidate
	for _, c := range t.ordered {
		if strings.ToLower(c.Title) == want {
			out = append(out, c)
		}
	}
	return out
}

func ordinal(n int) string {
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// idSuffix extracts the trailing segment of a real id after the last
// separator, lowercased. "evt-20260212-007" yields "007".
func idSuffix(id string) string {
	idx := strings.LastIndexAny(id, "-_:/")
	if idx < 0 || idx == len(id)-1 {
		return ""
	}
	return strings.ToLower(id[idx+1:])
}

func eventCandidates(events []store.Event) []plan.Candidate {
	out := make([]plan.Candidate, 0, len(events))
	for _, ev := range events {
		out = append(out, plan.Candidate{ID: ev.ID, Title: ev.Title, Start: ev.Start.String()})
	}
	return out
}

func taskCandidates(tasks []store.Task) []plan.Candidate {
	out := make([]plan.Candidate, 0, len(tasks))
	for _, task := range tasks {
		c := plan.Candidate{ID: task.ID, Title: task.Title}
		if task.Due != nil {
			c.Start = task.Due.String()
		}
		out = append(out, c)
	}
	return out
}
