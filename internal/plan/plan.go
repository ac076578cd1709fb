// Package plan computes the ordered operation sequence that converges
// the remote workspace onto a desired specification. Planning never
// touches the network; it only compares the desired model against the
// snapshot and emits operations in a deterministic order, so repeated
// runs against unchanged state produce byte-identical plans.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/model"
)

// Kind identifies one class of atomic remote mutation.
type Kind string

const (
	CreateUser          Kind = "CreateUser"
	UpdateUserField     Kind = "UpdateUserField"
	ActivateUser        Kind = "ActivateUser"
	DeactivateUser      Kind = "DeactivateUser"
	SetUserPhoto        Kind = "SetUserPhoto"
	SyncGroup           Kind = "SyncGroup"
	CreateChannel       Kind = "CreateChannel"
	SetChannelPolicy    Kind = "SetChannelPolicy"
	AddChannelMember    Kind = "AddChannelMember"
	RemoveChannelMember Kind = "RemoveChannelMember"
)

// Operation is one atomic remote mutation. It carries enough data to be
// executed, logged, and previewed in dry-run mode without side effects.
type Operation struct {
	ID      string
	Kind    Kind
	User    string // user identity key (email), when user-scoped
	Field   string // UpdateUserField: canonical attribute name
	Value   string // UpdateUserField / SetUserPhoto: target value
	Group   string // SyncGroup
	Channel string // channel-scoped operations
	Private bool   // CreateChannel
	Policy  string // SetChannelPolicy
	Members []string
}

func (op Operation) String() string {
	switch op.Kind {
	case CreateUser, ActivateUser, DeactivateUser:
		return fmt.Sprintf("%s(%s)", op.Kind, op.User)
	case UpdateUserField:
		return fmt.Sprintf("%s(%s, %s=%q)", op.Kind, op.User, op.Field, op.Value)
	case SetUserPhoto:
		return fmt.Sprintf("%s(%s)", op.Kind, op.User)
	case SyncGroup:
		return fmt.Sprintf("%s(%s, %d members)", op.Kind, op.Group, len(op.Members))
	case CreateChannel:
		visibility := "public"
		if op.Private {
			visibility = "private"
		}
		return fmt.Sprintf("%s(%s, %s)", op.Kind, op.Channel, visibility)
	case SetChannelPolicy:
		return fmt.Sprintf("%s(%s, %q)", op.Kind, op.Channel, op.Policy)
	case AddChannelMember, RemoveChannelMember:
		return fmt.Sprintf("%s(%s, %s)", op.Kind, op.Channel, op.User)
	}
	return string(op.Kind)
}

// UnknownGroupError is a channel referencing a group the specification
// never declares. Fatal: it aborts planning before any remote call.
type UnknownGroupError struct {
	Channel string
	Group   string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("channel %q references unknown group %q", e.Channel, e.Group)
}

// ProfileConflictError records a desired field update suppressed by a
// keep-customized policy. Non-fatal: conflicts are reported alongside
// the plan, not as a planning failure.
type ProfileConflictError struct {
	User   string
	Field  string
	Remote string
}

func (e *ProfileConflictError) Error() string {
	return fmt.Sprintf("field %s of %s was customized remotely, not overwriting", e.Field, e.User)
}

// Fingerprints answers whether a remote value is one this tool wrote on
// an earlier run. A nil store degrades to the non-empty heuristic.
type Fingerprints interface {
	Matches(userKey, field, value string) (bool, error)
}

// Plan is the ordered operation sequence for one reconciliation run.
type Plan struct {
	Operations []Operation
	// Conflicts lists updates suppressed by keep-customized policies.
	Conflicts []*ProfileConflictError
}

// Empty reports whether the plan contains no operations.
func (p *Plan) Empty() bool { return len(p.Operations) == 0 }

// Summary returns a one-operation-per-line rendering for dry runs.
func (p *Plan) Summary() string {
	if p.Empty() {
		return "nothing to do"
	}
	lines := make([]string, 0, len(p.Operations))
	for _, op := range p.Operations {
		lines = append(lines, op.String())
	}
	return strings.Join(lines, "\n")
}

// Builder configures planning. The zero value plans with the non-empty
// customization heuristic and no fingerprint store.
type Builder struct {
	Fingerprints Fingerprints
}

// nameFields are the profile fields covered by keep_customized_name.
var nameFields = map[string]bool{
	model.AttrDisplayName: true,
	model.AttrGivenName:   true,
	model.AttrFamilyName:  true,
}

// Build diffs the desired specification against the remote snapshot and
// emits the full operation plan: users first, then groups, then
// channels, each phase in sorted identity-key order.
func (b *Builder) Build(desired *model.Specification, snap *model.Snapshot) (*Plan, error) {
	if err := checkGroupRefs(desired); err != nil {
		return nil, err
	}

	p := &Plan{}
	b.planUsers(p, desired, snap)
	b.planGroups(p, desired)
	b.planChannels(p, desired, snap)

	for _, op := range p.Operations {
		metrics.OperationsPlanned.WithLabelValues(string(op.Kind)).Inc()
	}
	return p, nil
}

// checkGroupRefs verifies every literal group reference resolves. Glob
// patterns are allowed to match nothing.
func checkGroupRefs(desired *model.Specification) error {
	for _, name := range desired.ChannelNames() {
		ch := desired.Channels[name]
		for _, ref := range ch.Groups {
			if strings.ContainsAny(ref, "*?[") {
				continue
			}
			if _, ok := desired.Groups[ref]; !ok {
				return &UnknownGroupError{Channel: ch.Name, Group: ref}
			}
		}
	}
	return nil
}

// emit assigns the operation its ID and appends it. IDs are v5 UUIDs
// derived from the plan position and the operation payload, so identical
// inputs yield byte-identical plans.
func (b *Builder) emit(p *Plan, op Operation) {
	op.ID = uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%d %s", len(p.Operations), op)).String()
	p.Operations = append(p.Operations, op)
}

func (b *Builder) planUsers(p *Plan, desired *model.Specification, snap *model.Snapshot) {
	settings := desired.Settings

	// Remote IDs claimed by a desired user, via any of its emails. Only
	// unclaimed remote users are candidates for deactivation.
	claimed := map[string]bool{}

	for _, key := range desired.UserKeys() {
		user := desired.Users[key]
		remote := lookup(snap, user)
		if remote == nil {
			b.emit(p, Operation{Kind: CreateUser, User: user.Key})
			continue
		}
		claimed[remote.ID] = true

		if !remote.Active {
			b.emit(p, Operation{Kind: ActivateUser, User: user.Key})
		}

		fields := user.ProfileFields()
		for _, name := range model.SortedKeys(fields) {
			value := fields[name]
			current := remote.Field(name)
			if value == current {
				continue
			}
			if nameFields[name] && settings.KeepCustomizedName && b.customized(user.Key, name, current) {
				p.Conflicts = append(p.Conflicts, &ProfileConflictError{
					User: user.Key, Field: name, Remote: current,
				})
				continue
			}
			b.emit(p, Operation{Kind: UpdateUserField, User: user.Key, Field: name, Value: value})
		}

		if photo, ok := user.Attr(model.AttrImageURL); ok && photo != "" {
			b.planPhoto(p, user, remote, photo, settings)
		}
	}

	for _, email := range snap.UserEmails() {
		remote, ok := snap.UserByEmail(email)
		if !ok || claimed[remote.ID] || !remote.Active || remote.Bot {
			continue
		}
		if settings.BotDomain != "" && strings.HasSuffix(email, "@"+settings.BotDomain) {
			continue
		}
		b.emit(p, Operation{Kind: DeactivateUser, User: email})
	}
}

// lookup matches a desired user to a remote record by any known email.
func lookup(snap *model.Snapshot, user *model.User) *model.RemoteUser {
	for _, email := range user.Emails() {
		if remote, ok := snap.UserByEmail(email); ok {
			return remote
		}
	}
	return nil
}

// customized reports whether the remote value looks like a manual edit.
// A fingerprint hit means this tool wrote the value, so overwriting it
// is safe; without a store, any non-empty remote value is protected.
func (b *Builder) customized(userKey, field, remoteValue string) bool {
	if remoteValue == "" {
		return false
	}
	if b.Fingerprints != nil {
		if ours, err := b.Fingerprints.Matches(userKey, field, remoteValue); err == nil && ours {
			return false
		}
	}
	return true
}

func (b *Builder) planPhoto(p *Plan, user *model.User, remote *model.RemoteUser, photo string, settings model.Settings) {
	if photo == remote.ImageURL {
		return
	}
	switch remote.ImageKind {
	case model.ImageNone, model.ImageAnonymous:
		// Placeholders are always safe to replace.
	case model.ImageProvisioned:
		// We set this one on an earlier run.
	default:
		if settings.KeepCustomizedPhotos && b.customized(user.Key, model.AttrImageURL, remote.ImageURL) {
			p.Conflicts = append(p.Conflicts, &ProfileConflictError{
				User: user.Key, Field: model.AttrImageURL, Remote: remote.ImageURL,
			})
			return
		}
	}
	b.emit(p, Operation{Kind: SetUserPhoto, User: user.Key, Value: photo})
}

// planGroups pushes the derived group membership to the write-only
// remote grouping primitive. There is nothing to diff: groups are never
// read back, so each group is synced wholesale when enabled.
func (b *Builder) planGroups(p *Plan, desired *model.Specification) {
	if !desired.Settings.SyncGroups {
		return
	}
	for _, name := range desired.GroupNames() {
		g := desired.Groups[name]
		b.emit(p, Operation{
			Kind:    SyncGroup,
			Group:   g.Name,
			Members: append([]string(nil), g.MemberKeys...),
		})
	}
}

func (b *Builder) planChannels(p *Plan, desired *model.Specification, snap *model.Snapshot) {
	settings := desired.Settings

	for _, name := range desired.ChannelNames() {
		ch := desired.Channels[name]
		remote, exists := snap.Channel(name)
		if exists && remote.Archived {
			// Archived channels cannot be mutated.
			continue
		}

		if !exists {
			b.emit(p, Operation{Kind: CreateChannel, Channel: ch.Name, Private: ch.Private})
			if ch.PostingPolicy != "" {
				b.emit(p, Operation{Kind: SetChannelPolicy, Channel: ch.Name, Policy: ch.PostingPolicy})
			}
		}

		current := map[string]bool{}
		if exists {
			for _, id := range remote.MemberIDs {
				if u, ok := snap.UserByID(id); ok {
					current[strings.ToLower(u.Email)] = true
				}
			}
		}

		desiredSet := map[string]bool{}
		for _, key := range ch.MemberKeys {
			email := key
			if u, ok := desired.Users[key]; ok {
				email = u.Email()
			}
			desiredSet[email] = true
			if !current[email] {
				b.emit(p, Operation{Kind: AddChannelMember, Channel: ch.Name, User: key})
			}
		}

		if settings.ExtendChannelMemberships || !exists {
			continue
		}
		var removals []string
		for _, id := range remote.MemberIDs {
			u, ok := snap.UserByID(id)
			if !ok || u.Bot {
				continue
			}
			email := strings.ToLower(u.Email)
			if settings.BotDomain != "" && strings.HasSuffix(email, "@"+settings.BotDomain) {
				continue
			}
			if !desiredSet[email] {
				removals = append(removals, email)
			}
		}
		sort.Strings(removals)
		for _, email := range removals {
			b.emit(p, Operation{Kind: RemoveChannelMember, Channel: ch.Name, User: email})
		}
	}
}
