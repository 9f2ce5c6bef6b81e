package reconcile

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/asset-reconcile/internal/model"
)

type claim struct {
	planned   model.PlannedRecord
	candidate model.MatchCandidate
}

// claims accumulates planned records matched so far. Only the orchestrating
// goroutine touches it, between stages.
type claims struct {
	byPlanned map[string]claim
}

func newClaims() *claims {
	return &claims{byPlanned: make(map[string]claim)}
}

// add records a claim. A second claim for the same planned record means a
// stage saw a record an earlier stage already took.
func (c *claims) add(p model.PlannedRecord, candidate model.MatchCandidate) error {
	if prev, ok := c.byPlanned[p.ID]; ok {
		return eris.Errorf("reconcile: planned %s claimed by %s after %s", p.ID, candidate.Strategy, prev.candidate.Strategy)
	}
	c.byPlanned[p.ID] = claim{planned: p, candidate: candidate}
	return nil
}

func (c *claims) len() int {
	return len(c.byPlanned)
}

// ordered returns claims sorted by strategy precedence, then planned ID.
func (c *claims) ordered() []claim {
	rank := make(map[model.MatchType]int, len(model.Precedence))
	for i, t := range model.Precedence {
		rank[t] = i
	}
	out := make([]claim, 0, len(c.byPlanned))
	for _, cl := range c.byPlanned {
		out = append(out, cl)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank[out[i].candidate.Strategy], rank[out[j].candidate.Strategy]
		if ri != rj {
			return ri < rj
		}
		return out[i].planned.ID < out[j].planned.ID
	})
	return out
}
