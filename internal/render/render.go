// Package render expands template placeholders in specification strings
// using pongo2. Expansion is lenient: row attributes may legitimately be
// sparse, so an absent variable renders empty. The strict `vars.`
// namespace of the document itself is handled before parsing, in package
// spec.
package render

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// Error reports a template that failed to parse or that referenced an
// undefined variable in strict mode.
type Error struct {
	Template string
	Missing  string
	Err      error
}

func (e *Error) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("template %q references undefined variable %q", e.Template, e.Missing)
	}
	return fmt.Sprintf("template %q: %v", e.Template, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	cacheMu sync.RWMutex
	cache   = map[string]*pongo2.Template{}

	// Matches the leading identifier of each {{ ... }} placeholder.
	placeholderRe = regexp.MustCompile(`\{\{-?\s*([A-Za-z_][A-Za-z0-9_]*)`)
)

func compiled(s string) (*pongo2.Template, error) {
	cacheMu.RLock()
	tpl, ok := cache[s]
	cacheMu.RUnlock()
	if ok {
		return tpl, nil
	}
	tpl, err := pongo2.FromString(s)
	if err != nil {
		return nil, &Error{Template: s, Err: err}
	}
	cacheMu.Lock()
	cache[s] = tpl
	cacheMu.Unlock()
	return tpl, nil
}

// Parseable reports whether s is a syntactically valid template.
func Parseable(s string) bool {
	_, err := compiled(s)
	return err == nil
}

// Vars returns the top-level variable names referenced by the template's
// placeholders, in order of first appearance.
func Vars(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if name := m[1]; !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Render expands s with the given bindings. Undefined variables render as
// the empty string.
func Render(s string, ctx map[string]any) (string, error) {
	tpl, err := compiled(s)
	if err != nil {
		return "", err
	}
	out, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", &Error{Template: s, Err: err}
	}
	return out, nil
}

// Context builds a pongo2-compatible binding map from string variables.
func Context(vars map[string]string) map[string]any {
	ctx := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		ctx[k] = v
	}
	ctx["vars"] = vars
	return ctx
}
