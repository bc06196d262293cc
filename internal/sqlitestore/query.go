package sqlitestore

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nidhogg/memory-substrate/internal/memory"
	"github.com/nidhogg/memory-substrate/internal/tenancy"
)

// where collects AND-ed conditions with their positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// in adds "col IN (...)". An empty list adds nothing.
func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	w.add(col+" IN ("+marks+")", args...)
}

// scope translates a tenancy scope into a row predicate.
func (w *where) scope(s tenancy.Scope) {
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
		w.add(tenant, args...)
		return
	}
	// Public memory is visible under every scope.
	w.add("(tenant_id = '' OR "+tenant+")", args...)
}

// page adds the keyset condition of p and returns the ORDER BY clause: id
// order when paging, order otherwise.
func (w *where) page(p *memory.Page, order string) string {
	if p == nil {
		return order
	}
	if p.AfterID != "" {
		w.add("id > ?", p.AfterID)
	}
	return "id"
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

type scanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

// encodeVector stores a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

// stringsJSON encodes a string list, never as null.
func stringsJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s string) []string {
	var out []string
	if s == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// labelPath is the JSON path of a label key.
func labelPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
