package store

import (
	"strconv"
	"strings"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// query numbers positional arguments as they are added. Conditions are
// written with ? placeholders and rewritten to $n.
type query struct {
	conds []string
	args  []any
}

// arg appends v and returns its placeholder.
func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *query) add(cond string, args ...any) {
	var b strings.Builder
	i := 0
	for _, r := range cond {
		if r == '?' && i < len(args) {
			b.WriteString(q.arg(args[i]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	q.conds = append(q.conds, b.String())
}

// in adds "col = ANY(...)". An empty list adds nothing.
func (q *query) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	q.add(col+" = ANY(?)", vals)
}

// scope translates a tenancy scope into a row predicate.
func (q *query) scope(s tenancy.Scope) {
	if s.AllTenants {
		return
	}
	tenant := "tenant_id = ?"
	args := []any{s.TenantID}
	if !s.AllOrgs {
		tenant = "(tenant_id = ? AND (org_id = '' OR org_id = ?))"
		args = append(args, s.OrgID)
	}
	if s.ExcludePublic {
		q.add(tenant, args...)
		return
	}
	// Public memory is visible under every scope.
	q.add("(tenant_id = '' OR "+tenant+")", args...)
}

// page adds the keyset condition of p and returns the ORDER BY clause: id
// order when paging, order otherwise.
func (q *query) page(p *memory.Page, order string) string {
	if p == nil {
		return order
	}
	if p.AfterID != "" {
		q.add("id > ?", p.AfterID)
	}
	return "id"
}

func (q *query) where() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// strs keeps NOT NULL array columns from receiving NULL.
func strs(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
