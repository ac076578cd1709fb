// Package spec parses the declarative desired-state document, expands its
// variable templates, validates its structure, and compiles it into the
// materialized model the reconciliation engine consumes.
//
// Processing order matters: variable placeholders (the `vars.` namespace)
// are expanded first, then the document is validated against a JSON
// schema, then semantic checks run (unique names, parseable filters).
// Bare placeholders like {{ email }} are left intact for per-row
// rendering during source ingestion and group/channel fan-out.
package spec

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/chansync-io/chansync-ce/internal/filter"
	"github.com/chansync-io/chansync-ce/internal/render"
	"github.com/chansync-io/chansync-ce/internal/source"
)

//go:embed schema.json
var schemaJSON []byte

// TemplateError is returned when a document template references an
// undefined variable or fails to parse.
type TemplateError = render.Error

// FormatError reports a structurally invalid specification document.
type FormatError struct {
	Section string
	Name    string
	Msg     string
}

func (e *FormatError) Error() string {
	switch {
	case e.Section != "" && e.Name != "":
		return fmt.Sprintf("invalid specification: %s %q: %s", e.Section, e.Name, e.Msg)
	case e.Section != "":
		return fmt.Sprintf("invalid specification: section %s: %s", e.Section, e.Msg)
	}
	return "invalid specification: " + e.Msg
}

// StringList unmarshals a YAML scalar or sequence into a []string, so
// `groups: managers` and `groups: [managers, staff]` both work.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = []string{s}
		return nil
	case yaml.SequenceNode:
		var s []string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = s
		return nil
	}
	return fmt.Errorf("expected string or list of strings")
}

// GroupConfig is one group declaration. Name may be a per-user template,
// fanning out into multiple concrete groups.
type GroupConfig struct {
	Name   string `yaml:"name"`
	Filter string `yaml:"filter"`
}

// ChannelConfig is one channel declaration. Membership derives from the
// referenced group globs, a direct filter, or both applied in sequence.
type ChannelConfig struct {
	Name        string     `yaml:"name"`
	Private     bool       `yaml:"private"`
	Permissions string     `yaml:"permissions"`
	Groups      StringList `yaml:"groups"`
	Filter      string     `yaml:"filter"`
}

// SettingsConfig is the policy bag of the document.
type SettingsConfig struct {
	Workspace                string `yaml:"workspace"`
	Token                    string `yaml:"token"`
	BotDomain                string `yaml:"bot_domain"`
	KeepCustomizedName       *bool  `yaml:"keep_customized_name"`
	KeepCustomizedPhotos     *bool  `yaml:"keep_customized_photos"`
	ExtendGroupMemberships   bool   `yaml:"extend_group_memberships"`
	ExtendChannelMemberships bool   `yaml:"extend_channel_memberships"`
	MergeReplaceLists        bool   `yaml:"merge_replace_lists"`
	SyncGroups               bool   `yaml:"sync_groups"`
	AlternateEmailsOutput    string `yaml:"alternate_emails_output"`
}

// Document is the parsed, variable-expanded, validated specification.
type Document struct {
	Vars     map[string]string `yaml:"vars"`
	Users    []*source.Config  `yaml:"users"`
	Settings SettingsConfig    `yaml:"settings"`
	Groups   []GroupConfig     `yaml:"groups"`
	Channels []ChannelConfig   `yaml:"channels"`
}

// varRe matches document-level placeholders: {{ vars.name }}.
var varRe = regexp.MustCompile(`\{\{\s*vars\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// expandVars replaces {{ vars.* }} placeholders in s. Referencing an
// undefined variable is a TemplateError.
func expandVars(s string, vars map[string]string) (string, error) {
	var missing string
	out := varRe.ReplaceAllStringFunc(s, func(m string) string {
		name := varRe.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &render.Error{Template: s, Missing: missing}
	}
	return out, nil
}

// expandTree walks a decoded YAML tree and expands every string value.
func expandTree(node any, vars map[string]string) (any, error) {
	switch t := node.(type) {
	case string:
		return expandVars(t, vars)
	case map[string]any:
		for k, v := range t {
			ev, err := expandTree(v, vars)
			if err != nil {
				return nil, err
			}
			t[k] = ev
		}
		return t, nil
	case []any:
		for i, v := range t {
			ev, err := expandTree(v, vars)
			if err != nil {
				return nil, err
			}
			t[i] = ev
		}
		return t, nil
	}
	return node, nil
}

// ParseFile loads and parses a specification document from disk.
func ParseFile(path string, extraVars map[string]string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}
	return Parse(data, extraVars)
}

// Parse parses a specification document. extraVars override the
// document's own vars section (the CLI --var flags land here).
func Parse(contents []byte, extraVars map[string]string) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, &FormatError{Msg: err.Error()}
	}
	if raw == nil {
		return nil, &FormatError{Msg: "document is empty"}
	}

	vars := stringMap(raw["vars"])
	for k, v := range extraVars {
		vars[k] = v
	}

	expanded, err := expandTree(raw, vars)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(expanded); err != nil {
		return nil, err
	}

	// Re-encode so the typed document shares one decoding path with the
	// schema-checked tree.
	buf, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, &FormatError{Msg: err.Error()}
	}
	doc := &Document{}
	if err := yaml.Unmarshal(buf, doc); err != nil {
		return nil, &FormatError{Msg: err.Error()}
	}
	doc.Vars = vars

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	if m, ok := v.(map[string]any); ok {
		for k, val := range m {
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func validateSchema(doc any) error {
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return &FormatError{Msg: err.Error()}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonDoc),
	)
	if err != nil {
		return &FormatError{Msg: err.Error()}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return &FormatError{Section: first.Field(), Msg: first.Description()}
	}
	return nil
}

// validate runs the semantic checks the schema cannot express: unique
// names, source shape, parseable templates and filter expressions.
func (d *Document) validate() error {
	for i, src := range d.Users {
		name := fmt.Sprintf("#%d", i+1)
		if src.File != "" {
			name = src.File
		}
		if src.File == "" && src.Contents == "" && src.Type != "ldap" {
			return &FormatError{Section: "users", Name: name, Msg: "source needs either file or contents"}
		}
		if src.Type == "ldap" && src.LDAP == nil {
			return &FormatError{Section: "users", Name: name, Msg: "ldap source needs an ldap section"}
		}
		if src.Key != "" && !render.Parseable(src.Key) {
			return &FormatError{Section: "users", Name: name, Msg: fmt.Sprintf("key template %q does not parse", src.Key)}
		}
		if src.Filter != "" {
			if err := filter.Check(src.Filter, "source "+name); err != nil {
				return err
			}
		}
	}

	seenGroups := map[string]bool{}
	for _, g := range d.Groups {
		if !render.Parseable(g.Name) {
			return &FormatError{Section: "groups", Name: g.Name, Msg: "name template does not parse"}
		}
		if seenGroups[g.Name] {
			return &FormatError{Section: "groups", Name: g.Name, Msg: "duplicate group name"}
		}
		seenGroups[g.Name] = true
		if g.Filter != "" {
			if err := filter.Check(g.Filter, "group "+g.Name); err != nil {
				return err
			}
		}
	}

	seenChannels := map[string]bool{}
	for _, c := range d.Channels {
		if !render.Parseable(c.Name) {
			return &FormatError{Section: "channels", Name: c.Name, Msg: "name template does not parse"}
		}
		if seenChannels[c.Name] {
			return &FormatError{Section: "channels", Name: c.Name, Msg: "duplicate channel name"}
		}
		seenChannels[c.Name] = true
		if c.Filter != "" {
			if err := filter.Check(c.Filter, "channel "+c.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
