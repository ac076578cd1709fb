// Package apply executes a reconciliation plan strictly sequentially,
// one remote call per operation. A failed operation aborts the rest of
// the plan; the report always states how many operations succeeded and
// which one was in flight, so a rerun can safely pick up the remainder.
package apply

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/chansync-io/chansync-ce/internal/metrics"
	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/plan"
	"github.com/chansync-io/chansync-ce/internal/scim"
)

// Directory is the write surface of the user directory API.
type Directory interface {
	CreateUser(ctx context.Context, u *model.User) (string, error)
	SetActive(ctx context.Context, id string, active bool) error
	UpdateField(ctx context.Context, id, field, value string) error
	SetPhoto(ctx context.Context, id, imageURL string) error
	ListGroups(ctx context.Context) (map[string]*scim.Group, error)
	CreateGroup(ctx context.Context, name string) (string, error)
	PatchGroupMembers(ctx context.Context, id string, keep, remove []string) error
}

// Messaging is the write surface of the messaging API.
type Messaging interface {
	CreateChannel(ctx context.Context, name string, private bool) (string, error)
	Invite(ctx context.Context, channelID, userID string) error
	Kick(ctx context.Context, channelID, userID string) error
	SetPostingPolicy(ctx context.Context, channelID, policy string) error
}

// Fingerprints records values written to remote profile fields.
type Fingerprints interface {
	Put(userKey, field, value string) error
	Forget(userKey string) error
}

// Report describes how far a run got.
type Report struct {
	// Applied is the number of operations that completed successfully.
	Applied int
	// InFlight is the operation that failed, nil after a full run.
	InFlight *plan.Operation
}

// Runner executes plans against a directory and a messaging adapter.
type Runner struct {
	Directory    Directory
	Messaging    Messaging
	Fingerprints Fingerprints // optional
}

// run-scoped resolution state
type session struct {
	userIDs    map[string]string      // lowercased email -> directory ID
	channelIDs map[string]string      // channel name -> channel ID
	groups     map[string]*scim.Group // by name, lazily fetched
}

// Run applies the plan in order. Cancellation is honored at operation
// boundaries, never mid-call. The returned report is valid even when
// err is non-nil.
func (r *Runner) Run(ctx context.Context, desired *model.Specification, snap *model.Snapshot, p *plan.Plan) (*Report, error) {
	sess := &session{
		userIDs:    map[string]string{},
		channelIDs: map[string]string{},
	}
	for _, email := range snap.UserEmails() {
		if u, ok := snap.UserByEmail(email); ok {
			for _, e := range append([]string{email}, u.Emails...) {
				sess.userIDs[e] = u.ID
			}
		}
	}
	for _, name := range snap.ChannelNames() {
		if ch, ok := snap.Channel(name); ok {
			sess.channelIDs[name] = ch.ID
		}
	}

	report := &Report{}
	for i := range p.Operations {
		op := &p.Operations[i]
		if err := ctx.Err(); err != nil {
			report.InFlight = op
			return report, fmt.Errorf("aborted before %s: %w", op, err)
		}
		log.Printf("applying %s", op)
		if err := r.execute(ctx, sess, desired, op); err != nil {
			metrics.OperationsFailed.WithLabelValues(string(op.Kind)).Inc()
			report.InFlight = op
			return report, fmt.Errorf("%s failed after %d applied operations: %w", op, report.Applied, err)
		}
		metrics.OperationsApplied.WithLabelValues(string(op.Kind)).Inc()
		report.Applied++
	}
	return report, nil
}

func (r *Runner) execute(ctx context.Context, sess *session, desired *model.Specification, op *plan.Operation) error {
	switch op.Kind {
	case plan.CreateUser:
		user, ok := desired.Users[op.User]
		if !ok {
			return fmt.Errorf("no desired user %q", op.User)
		}
		id, err := r.Directory.CreateUser(ctx, user)
		if err != nil {
			return err
		}
		for _, e := range user.Emails() {
			sess.userIDs[e] = id
		}
		return nil

	case plan.ActivateUser:
		id, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		return r.Directory.SetActive(ctx, id, true)

	case plan.DeactivateUser:
		id, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		if err := r.Directory.SetActive(ctx, id, false); err != nil {
			return err
		}
		// Stale fingerprints would shadow manual edits if the account is
		// ever reprovisioned.
		r.forget(op.User)
		return nil

	case plan.UpdateUserField:
		id, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		if err := r.Directory.UpdateField(ctx, id, op.Field, op.Value); err != nil {
			return err
		}
		r.fingerprint(op.User, op.Field, op.Value)
		return nil

	case plan.SetUserPhoto:
		id, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		if err := r.Directory.SetPhoto(ctx, id, op.Value); err != nil {
			return err
		}
		r.fingerprint(op.User, model.AttrImageURL, op.Value)
		return nil

	case plan.SyncGroup:
		return r.syncGroup(ctx, sess, desired, op)

	case plan.CreateChannel:
		id, err := r.Messaging.CreateChannel(ctx, op.Channel, op.Private)
		if err != nil {
			return err
		}
		sess.channelIDs[op.Channel] = id
		return nil

	case plan.SetChannelPolicy:
		id, ok := sess.channelIDs[op.Channel]
		if !ok {
			return fmt.Errorf("no known channel %q", op.Channel)
		}
		return r.Messaging.SetPostingPolicy(ctx, id, op.Policy)

	case plan.AddChannelMember:
		channelID, ok := sess.channelIDs[op.Channel]
		if !ok {
			return fmt.Errorf("no known channel %q", op.Channel)
		}
		userID, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		return r.Messaging.Invite(ctx, channelID, userID)

	case plan.RemoveChannelMember:
		channelID, ok := sess.channelIDs[op.Channel]
		if !ok {
			return fmt.Errorf("no known channel %q", op.Channel)
		}
		userID, err := sess.userID(desired, op.User)
		if err != nil {
			return err
		}
		return r.Messaging.Kick(ctx, channelID, userID)
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// syncGroup pushes the full desired membership of one group, creating
// the group first when the directory does not know it yet. Sync is exact
// by default: remote members outside the desired set are deleted unless
// extend_group_memberships keeps them.
func (r *Runner) syncGroup(ctx context.Context, sess *session, desired *model.Specification, op *plan.Operation) error {
	if sess.groups == nil {
		groups, err := r.Directory.ListGroups(ctx)
		if err != nil {
			return err
		}
		sess.groups = groups
	}
	g, ok := sess.groups[op.Group]
	if !ok {
		created, err := r.Directory.CreateGroup(ctx, op.Group)
		if err != nil {
			return err
		}
		g = &scim.Group{ID: created, Name: op.Group}
		sess.groups[op.Group] = g
	}

	keep := make([]string, 0, len(op.Members))
	keepSet := make(map[string]bool, len(op.Members))
	for _, key := range op.Members {
		memberID, err := sess.userID(desired, key)
		if err != nil {
			return err
		}
		keep = append(keep, memberID)
		keepSet[memberID] = true
	}

	var remove []string
	if !desired.Settings.ExtendGroupMemberships {
		for _, id := range g.MemberIDs {
			if !keepSet[id] {
				remove = append(remove, id)
			}
		}
		sort.Strings(remove)
	}
	return r.Directory.PatchGroupMembers(ctx, g.ID, keep, remove)
}

func (r *Runner) forget(userKey string) {
	if r.Fingerprints == nil {
		return
	}
	if err := r.Fingerprints.Forget(userKey); err != nil {
		log.Printf("forget fingerprints for %s: %v", userKey, err)
	}
}

func (r *Runner) fingerprint(userKey, field, value string) {
	if r.Fingerprints == nil {
		return
	}
	if err := r.Fingerprints.Put(userKey, field, value); err != nil {
		log.Printf("record fingerprint for %s.%s: %v", userKey, field, err)
	}
}

// userID resolves a user identity key (or bare email) to its directory
// ID, consulting every email the desired user is known under.
func (s *session) userID(desired *model.Specification, key string) (string, error) {
	if u, ok := desired.Users[key]; ok {
		for _, e := range u.Emails() {
			if id, ok := s.userIDs[e]; ok {
				return id, nil
			}
		}
	}
	if id, ok := s.userIDs[key]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no directory ID known for %q", key)
}
