package model

import (
	"sort"
	"strings"
)

// Attribute names with dedicated handling during reconciliation.
const (
	AttrEmail           = "email"
	AttrUserName        = "userName"
	AttrGivenName       = "givenName"
	AttrFamilyName      = "familyName"
	AttrDisplayName     = "displayName"
	AttrType            = "type"
	AttrImageURL        = "image_url"
	AttrAlternateEmails = "alternate_emails"
)

// User is one desired workspace member, materialized from the user sources
// of a specification. Attribute values are either strings or string lists
// (list-typed fields union across sources under the default merge policy).
type User struct {
	// Key is the stable identity of the user, normally the primary email.
	Key string

	// Attrs holds every field loaded from the sources. Values are string
	// or []string; anything else is normalized away during ingestion.
	Attrs map[string]any

	// Active reports whether the account should be active in the
	// workspace. Desired users are always active; the flag exists so the
	// remote snapshot can share the type.
	Active bool

	// RemoteID is the directory-assigned identifier, unknown until the
	// user has been provisioned remotely.
	RemoteID string
}

// NewUser returns an active user with an initialized attribute map.
func NewUser(key string) *User {
	return &User{
		Key:    key,
		Attrs:  make(map[string]any),
		Active: true,
	}
}

// Attr returns the named attribute as a string. List-valued attributes
// return their first element. The second return reports presence.
func (u *User) Attr(name string) (string, bool) {
	if u == nil || u.Attrs == nil {
		return "", false
	}
	v, ok := u.Attrs[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []string:
		if len(t) == 0 {
			return "", false
		}
		return t[0], true
	}
	return "", false
}

// AttrList returns the named attribute as a list. Scalar values become a
// one-element list; absent attributes return nil.
func (u *User) AttrList(name string) []string {
	if u == nil || u.Attrs == nil {
		return nil
	}
	switch t := u.Attrs[name].(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}

// SetAttr stores a scalar or list attribute value.
func (u *User) SetAttr(name string, value any) {
	if u.Attrs == nil {
		u.Attrs = make(map[string]any)
	}
	u.Attrs[name] = value
}

// Email returns the user's primary email, falling back to the identity key
// when no explicit email attribute was loaded.
func (u *User) Email() string {
	if v, ok := u.Attr(AttrEmail); ok && v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(u.Key)
}

// Emails returns the primary email followed by any alternate emails,
// deduplicated and lowercased.
func (u *User) Emails() []string {
	seen := map[string]bool{}
	var out []string
	add := func(e string) {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}
	add(u.Email())
	for _, e := range u.AttrList(AttrAlternateEmails) {
		add(e)
	}
	return out
}

// Types returns the user's tag/type set used by filter expressions.
func (u *User) Types() []string {
	return u.AttrList(AttrType)
}

// UserName returns the workspace handle, derived from the email local part
// when not set explicitly.
func (u *User) UserName() string {
	if v, ok := u.Attr(AttrUserName); ok && v != "" {
		return v
	}
	email := u.Email()
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// ProfileFields returns the scalar attributes that map onto remote profile
// fields, excluding identity and list-typed bookkeeping attributes.
func (u *User) ProfileFields() map[string]string {
	out := make(map[string]string)
	for name, v := range u.Attrs {
		switch name {
		case AttrEmail, AttrAlternateEmails, AttrType, AttrImageURL:
			continue
		}
		if s, ok := v.(string); ok {
			out[name] = s
		}
	}
	return out
}

// SortedKeys returns the keys of a user map in deterministic order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
