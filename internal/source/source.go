// Package source ingests user rows from the sources declared in a
// specification: delimited files, JSON/YAML documents, XLSX workbooks and
// LDAP directories. Every source yields a uniform sequence of rows
// (string-keyed maps of string or []string values) that the specification
// compiler merges into the desired user set.
package source

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chansync-io/chansync-ce/internal/filter"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/render"
)

// Row is one ingested user record. Values are string or []string.
type Row map[string]any

// Sort policies for glob patterns matching more than one file.
const (
	SortNewest = "newest" // lexicographically last match
	SortOldest = "oldest" // lexicographically first match
	SortExact  = "exact"  // pattern must match exactly one file
)

// Config describes one user source from the specification document.
type Config struct {
	File     string         `yaml:"file"`
	Contents string         `yaml:"contents"`
	Type     string         `yaml:"type"`
	Sort     string         `yaml:"sort"`
	Key      string         `yaml:"key"`
	Fields   map[string]any `yaml:"fields"`
	Filter   string         `yaml:"filter"`
	LDAP     *LDAPConfig    `yaml:"ldap"`
}

// Error reports a failure to load or post-process a user source.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("user source %q: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (c *Config) name() string {
	if c.File != "" {
		return c.File
	}
	if c.LDAP != nil {
		return c.LDAP.URL
	}
	return "<inline>"
}

func (c *Config) fail(err error) error {
	return &Error{Source: c.name(), Err: err}
}

// ResolveFile expands the (already template-rendered) glob pattern to a
// single concrete path according to the sort policy.
func ResolveFile(pattern, sortPolicy string) (string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("bad file pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("file pattern %q matched no files", pattern)
	}
	sort.Strings(matches)
	switch sortPolicy {
	case SortOldest:
		return matches[0], nil
	case SortExact:
		if len(matches) > 1 {
			return "", fmt.Errorf("file pattern %q matched %d files, expected exactly one", pattern, len(matches))
		}
		return matches[0], nil
	case SortNewest, "":
		return matches[len(matches)-1], nil
	}
	return "", fmt.Errorf("unknown sort policy %q", sortPolicy)
}

// Load ingests the source and returns its post-processed rows: parsed,
// with the declared field mappings rendered per row and the per-source
// filter applied.
func (c *Config) Load(vars map[string]string) ([]Row, error) {
	rows, err := c.rawRows()
	if err != nil {
		return nil, c.fail(err)
	}
	rows, err = c.expandFields(rows, vars)
	if err != nil {
		return nil, c.fail(err)
	}
	if c.Filter != "" {
		rows, err = c.filterRows(rows)
		if err != nil {
			return nil, c.fail(err)
		}
	}
	return rows, nil
}

func (c *Config) rawRows() ([]Row, error) {
	if c.Type == "ldap" {
		if c.LDAP == nil {
			return nil, fmt.Errorf("ldap source requires an ldap section")
		}
		return c.LDAP.Search()
	}

	var data []byte
	switch {
	case c.Contents != "":
		data = []byte(c.Contents)
	case c.File != "":
		path, err := ResolveFile(c.File, c.Sort)
		if err != nil {
			return nil, err
		}
		if c.Type == "xlsx" {
			return loadXLSX(path)
		}
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("source has neither file nor contents")
	}

	switch c.Type {
	case "csv":
		return loadCSV(strings.NewReader(string(data)))
	case "json":
		return loadJSON(data)
	case "yaml":
		return loadYAML(data)
	case "xlsx":
		return nil, fmt.Errorf("xlsx sources must be loaded from a file")
	}
	return nil, fmt.Errorf("unknown source type %q", c.Type)
}

// expandFields renders the declared field mappings for each row. A string
// mapping renders to a scalar, a list mapping renders each element.
// Row-level rendering is lenient: absent attributes render empty.
func (c *Config) expandFields(rows []Row, vars map[string]string) ([]Row, error) {
	if len(c.Fields) == 0 {
		return rows, nil
	}
	for _, row := range rows {
		ctx := rowContext(row, vars)
		for name, mapping := range c.Fields {
			switch m := mapping.(type) {
			case string:
				v, err := render.Render(m, ctx)
				if err != nil {
					return nil, err
				}
				row[name] = v
			case []any:
				var list []string
				for _, elem := range m {
					s, ok := elem.(string)
					if !ok {
						return nil, fmt.Errorf("field %q: list values must be strings", name)
					}
					v, err := render.Render(s, ctx)
					if err != nil {
						return nil, err
					}
					list = append(list, v)
				}
				row[name] = list
			case []string:
				var list []string
				for _, s := range m {
					v, err := render.Render(s, ctx)
					if err != nil {
						return nil, err
					}
					list = append(list, v)
				}
				row[name] = list
			default:
				return nil, fmt.Errorf("field %q: unsupported mapping type %T", name, mapping)
			}
		}
	}
	return rows, nil
}

func (c *Config) filterRows(rows []Row) ([]Row, error) {
	expr, err := filter.Parse(c.Filter)
	if err != nil {
		return nil, err
	}
	var kept []Row
	for _, row := range rows {
		u := model.NewUser("")
		u.Attrs = map[string]any(row)
		if expr.Match(u) {
			kept = append(kept, row)
		}
	}
	return kept, nil
}

// RenderKey renders the configured key template for a row. Falls back to
// the first attribute that looks like an email when no key is configured.
func (c *Config) RenderKey(row Row, vars map[string]string) (string, error) {
	if c.Key != "" {
		key, err := render.Render(c.Key, rowContext(row, vars))
		if err != nil {
			return "", c.fail(err)
		}
		return strings.TrimSpace(key), nil
	}
	if v, ok := row[model.AttrEmail].(string); ok && v != "" {
		return v, nil
	}
	for _, name := range sortedRowKeys(row) {
		if s, ok := row[name].(string); ok && strings.Contains(s, "@") {
			return s, nil
		}
	}
	return "", c.fail(fmt.Errorf("cannot derive identity key for row (no key template, no email-like field)"))
}

func rowContext(row Row, vars map[string]string) map[string]any {
	ctx := render.Context(vars)
	for k, v := range row {
		ctx[k] = v
	}
	return ctx
}

func sortedRowKeys(row Row) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func loadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[strings.TrimSpace(name)] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func loadJSON(data []byte) ([]Row, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return normalizeRows(raw)
}

func loadYAML(data []byte) ([]Row, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return normalizeRows(raw)
}

// normalizeRows coerces decoded values to the string / []string shapes the
// rest of the pipeline expects.
func normalizeRows(raw []map[string]any) ([]Row, error) {
	rows := make([]Row, 0, len(raw))
	for _, m := range raw {
		row := make(Row, len(m))
		for k, v := range m {
			switch t := v.(type) {
			case string:
				row[k] = t
			case []any:
				list := make([]string, 0, len(t))
				for _, elem := range t {
					list = append(list, fmt.Sprint(elem))
				}
				row[k] = list
			case []string:
				row[k] = t
			case nil:
				// skip
			default:
				row[k] = fmt.Sprint(t)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
