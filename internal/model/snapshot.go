package model

import "strings"

// ImageKind classifies a remote profile image.
type ImageKind string

const (
	ImageUnknown     ImageKind = "unknown"
	ImageNone        ImageKind = "none"
	ImageAnonymous   ImageKind = "anonymous"
	ImageProvisioned ImageKind = "provisioned"
	ImageCustomized  ImageKind = "customized"
)

// RemoteUser is one directory record as observed at the start of a run.
type RemoteUser struct {
	ID          string
	Email       string
	Emails      []string
	UserName    string
	DisplayName string
	GivenName   string
	FamilyName  string
	Active      bool
	Bot         bool
	ImageURL    string
	ImageKind   ImageKind
	// Fields holds custom profile fields by label.
	Fields map[string]string
}

// Field returns the remote value of a profile attribute by its canonical
// attribute name.
func (r *RemoteUser) Field(name string) string {
	switch name {
	case AttrUserName:
		return r.UserName
	case AttrDisplayName:
		return r.DisplayName
	case AttrGivenName:
		return r.GivenName
	case AttrFamilyName:
		return r.FamilyName
	}
	if r.Fields != nil {
		return r.Fields[name]
	}
	return ""
}

// RemoteChannel is one conversation as observed at the start of a run.
type RemoteChannel struct {
	ID        string
	Name      string
	Private   bool
	Archived  bool
	MemberIDs []string
}

// Snapshot is the read-only mirror of the remote workspace used for
// diffing. It is discarded after the run.
type Snapshot struct {
	usersByID    map[string]*RemoteUser
	usersByEmail map[string]*RemoteUser
	channels     map[string]*RemoteChannel
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		usersByID:    make(map[string]*RemoteUser),
		usersByEmail: make(map[string]*RemoteUser),
		channels:     make(map[string]*RemoteChannel),
	}
}

// AddUser indexes a remote user by ID and by every known email.
func (s *Snapshot) AddUser(u *RemoteUser) {
	if u == nil || u.ID == "" {
		return
	}
	s.usersByID[u.ID] = u
	if u.Email != "" {
		s.usersByEmail[strings.ToLower(u.Email)] = u
	}
	for _, e := range u.Emails {
		e = strings.ToLower(e)
		if _, taken := s.usersByEmail[e]; !taken {
			s.usersByEmail[e] = u
		}
	}
}

// AddChannel indexes a remote channel by name.
func (s *Snapshot) AddChannel(c *RemoteChannel) {
	if c == nil || c.Name == "" {
		return
	}
	s.channels[c.Name] = c
}

// UserByEmail looks a remote user up by any of its emails.
func (s *Snapshot) UserByEmail(email string) (*RemoteUser, bool) {
	u, ok := s.usersByEmail[strings.ToLower(email)]
	return u, ok
}

// UserByID looks a remote user up by directory ID.
func (s *Snapshot) UserByID(id string) (*RemoteUser, bool) {
	u, ok := s.usersByID[id]
	return u, ok
}

// Channel looks a remote channel up by name.
func (s *Snapshot) Channel(name string) (*RemoteChannel, bool) {
	c, ok := s.channels[name]
	return c, ok
}

// UserEmails returns the primary emails of all remote users, sorted.
func (s *Snapshot) UserEmails() []string {
	seen := map[string]bool{}
	m := make(map[string]struct{})
	for _, u := range s.usersByID {
		e := strings.ToLower(u.Email)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		m[e] = struct{}{}
	}
	return SortedKeys(m)
}

// ChannelNames returns the names of all remote channels, sorted.
func (s *Snapshot) ChannelNames() []string {
	return SortedKeys(s.channels)
}

// UserCount reports how many distinct remote users were observed.
func (s *Snapshot) UserCount() int { return len(s.usersByID) }
