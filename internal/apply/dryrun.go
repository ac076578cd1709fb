package apply

import (
	"context"
	"fmt"

	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/scim"
)

// Recorder satisfies both adapter interfaces without side effects. It
// records every call it would have made, so a dry run exercises the
// exact execution path of a live run.
type Recorder struct {
	Calls []string
	seq   int
}

func (r *Recorder) record(format string, args ...any) {
	r.Calls = append(r.Calls, fmt.Sprintf(format, args...))
}

// fakeID hands out stable placeholder IDs so later operations in the
// same dry run can still resolve the entities earlier ones created.
func (r *Recorder) fakeID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s-dryrun-%d", prefix, r.seq)
}

func (r *Recorder) CreateUser(_ context.Context, u *model.User) (string, error) {
	r.record("create user %s", u.Key)
	return r.fakeID("user"), nil
}

func (r *Recorder) SetActive(_ context.Context, id string, active bool) error {
	if active {
		r.record("activate user %s", id)
	} else {
		r.record("deactivate user %s", id)
	}
	return nil
}

func (r *Recorder) UpdateField(_ context.Context, id, field, value string) error {
	r.record("update user %s field %s to %q", id, field, value)
	return nil
}

func (r *Recorder) SetPhoto(_ context.Context, id, imageURL string) error {
	r.record("set photo of user %s", id)
	return nil
}

func (r *Recorder) ListGroups(context.Context) (map[string]*scim.Group, error) {
	return map[string]*scim.Group{}, nil
}

func (r *Recorder) CreateGroup(_ context.Context, name string) (string, error) {
	r.record("create group %s", name)
	return r.fakeID("group"), nil
}

func (r *Recorder) PatchGroupMembers(_ context.Context, id string, keep, remove []string) error {
	r.record("set group %s membership to %d users, removing %d", id, len(keep), len(remove))
	return nil
}

func (r *Recorder) CreateChannel(_ context.Context, name string, private bool) (string, error) {
	r.record("create channel #%s", name)
	return r.fakeID("channel"), nil
}

func (r *Recorder) Invite(_ context.Context, channelID, userID string) error {
	r.record("invite %s to %s", userID, channelID)
	return nil
}

func (r *Recorder) Kick(_ context.Context, channelID, userID string) error {
	r.record("remove %s from %s", userID, channelID)
	return nil
}

func (r *Recorder) SetPostingPolicy(_ context.Context, channelID, policy string) error {
	r.record("set posting policy of %s to %q", channelID, policy)
	return nil
}
