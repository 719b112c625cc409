package ledger

import (
	"strings"

	"github.com/eargollo/mediaflow/internal/lifecycle"
)

// claimableWhere renders the policy's claim gates as a WHERE predicate
// over the files table, one disjunct per status with an edge into
// processing.
func claimableWhere(p lifecycle.Policy) (string, []any) {
	var (
		terms []string
		args  []any
	)
	for _, s := range lifecycle.Sources(lifecycle.Processing) {
		g := p.ClaimGate(s)
		if g == (lifecycle.Gate{}) {
			continue
		}
		term := `status = ?`
		args = append(args, string(s))
		if !g.Open {
			if g.Retryable {
				term += ` AND retryable = 1`
			}
			term += ` AND error_count < ?`
			args = append(args, g.MaxErrors)
		}
		terms = append(terms, `(`+term+`)`)
	}
	if len(terms) == 0 {
		return `0`, nil
	}
	return `(` + strings.Join(terms, ` OR `) + `)`, args
}

// statusIn renders `status IN (?, ...)` for statuses.
func statusIn(statuses []lifecycle.Status) (string, []any) {
	if len(statuses) == 0 {
		return `0`, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return `status IN (?` + strings.Repeat(`,?`, len(statuses)-1) + `)`, args
}
