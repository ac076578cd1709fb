package model

import "sort"

// Group is an internal aggregation of users computed from a filter
// expression. Membership is always derived, never edited directly.
type Group struct {
	Name string
	// Filter is the source expression the group was computed from, kept
	// for reporting.
	Filter string
	// MemberKeys is the sorted set of user identity keys matching the
	// group's filter at materialization time.
	MemberKeys []string
}

// Channel is a desired conversation, with membership derived from the
// union of one or more groups or from a direct filter.
type Channel struct {
	Name    string
	Private bool
	// PostingPolicy restricts who may post ("" means everyone, "admin"
	// restricts posting to workspace admins).
	PostingPolicy string
	// Groups holds the glob patterns naming the groups whose members
	// union into this channel.
	Groups []string
	Filter string
	// MemberKeys is the sorted derived member set.
	MemberKeys []string
}

// Settings is the policy bag of a specification.
type Settings struct {
	KeepCustomizedName       bool
	KeepCustomizedPhotos     bool
	ExtendGroupMemberships   bool
	ExtendChannelMemberships bool
	MergeReplaceLists        bool
	SyncGroups               bool
	Workspace                string
	Token                    string
	BotDomain                string
	AlternateEmailsOutput    string
}

// Specification is the fully materialized desired state: concrete users,
// groups and channels after template expansion, source ingestion and
// filter evaluation.
type Specification struct {
	Users    map[string]*User
	Groups   map[string]*Group
	Channels map[string]*Channel
	Settings Settings
	Vars     map[string]string
}

// UserKeys returns the identity keys of all desired users in sorted order.
func (s *Specification) UserKeys() []string {
	return SortedKeys(s.Users)
}

// GroupNames returns all group names in sorted order.
func (s *Specification) GroupNames() []string {
	return SortedKeys(s.Groups)
}

// ChannelNames returns all channel names in sorted order.
func (s *Specification) ChannelNames() []string {
	return SortedKeys(s.Channels)
}

// SortMembers normalizes every derived member list to sorted order so
// downstream plans are deterministic.
func (s *Specification) SortMembers() {
	for _, g := range s.Groups {
		sort.Strings(g.MemberKeys)
	}
	for _, c := range s.Channels {
		sort.Strings(c.MemberKeys)
	}
}
