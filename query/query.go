// Package query loads graph-traversal SQL templates and generates
// cache-defeating variations of them. Each variation substitutes a
// distinct threshold into the template's predicate so that neither
// backend can serve a repeated iteration from its result or plan cache.
package query

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Placeholder is the token in a template that receives the varied
// threshold value.
const Placeholder = "{threshold}"

// Spec is an immutable query template tagged with the backend whose SQL
// dialect directory it was loaded from.
type Spec struct {
	Name     string
	Backend  string
	Template string
}

// VariedQuery is a fully-substituted SQL string for one iteration.
type VariedQuery struct {
	Text  string
	Index int
}

// KnownQueries returns the list of supported query names.
func KnownQueries() []string {
	return []string{"1_hop", "2_hop", "k_hop", "shortest_path"}
}

// Load reads the template for the named query from
// sqlDir/<backend>/<name>.sql, strips comments, and verifies the
// threshold placeholder is present. A missing file or a template
// without the placeholder is a configuration error.
func Load(sqlDir, backend, name string) (Spec, error) {
	path := filepath.Join(sqlDir, backend, name+".sql")

	raw, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read query template %s: %w", path, err)
	}

	tmpl := Clean(string(raw))
	if tmpl == "" {
		return Spec{}, fmt.Errorf(
			"query template %s is empty after comment stripping", path,
		)
	}

	if !strings.Contains(tmpl, Placeholder) {
		return Spec{}, fmt.Errorf(
			"query template %s has no %s placeholder", path, Placeholder,
		)
	}

	return Spec{Name: name, Backend: backend, Template: tmpl}, nil
}

// Clean strips SQL line comments and blank lines, joins the remaining
// lines with single spaces, and drops a trailing semicolon. The result
// is a single-line statement safe to embed in the GPU engine's
// invocation wrapper.
func Clean(raw string) string {
	var kept []string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		kept = append(kept, line)
	}

	joined := strings.Join(kept, " ")

	return strings.TrimSuffix(strings.TrimSpace(joined), ";")
}

// Variator produces strictly increasing thresholds across every query
// it generates. The sequence counter is shared across sessions so that
// no two queries in a whole sweep are textually identical, not just
// within one session.
type Variator struct {
	base int64
	step int64
	seq  int64
}

// NewVariator creates a Variator whose nth generated threshold is
// base + n*step. Step must be positive for the uniqueness guarantee
// to hold.
func NewVariator(base, step int64) (*Variator, error) {
	if step <= 0 {
		return nil, fmt.Errorf("threshold step must be positive, got %d", step)
	}

	return &Variator{base: base, step: step}, nil
}

// Vary substitutes the next threshold in the sequence into spec and
// returns the resulting query tagged with the session-local iteration
// index.
func (v *Variator) Vary(spec Spec, index int) VariedQuery {
	threshold := v.base + v.seq*v.step
	v.seq++

	text := strings.ReplaceAll(
		spec.Template, Placeholder, strconv.FormatInt(threshold, 10),
	)

	return VariedQuery{Text: text, Index: index}
}
