package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chansync-io/chansync-ce/internal/model"
)

func desiredUser(key string, attrs map[string]any) *model.User {
	u := model.NewUser(key)
	for k, v := range attrs {
		u.SetAttr(k, v)
	}
	return u
}

func kinds(p *Plan) []Kind {
	out := make([]Kind, len(p.Operations))
	for i, op := range p.Operations {
		out[i] = op.Kind
	}
	return out
}

func TestBuildEndToEnd(t *testing.T) {
	// Two users, one manager; one channel fed by the managers group;
	// empty workspace.
	u1 := desiredUser("u1@x.com", map[string]any{"type": []string{"manager"}})
	u2 := desiredUser("u2@x.com", map[string]any{})
	desired := &model.Specification{
		Users: map[string]*model.User{"u1@x.com": u1, "u2@x.com": u2},
		Groups: map[string]*model.Group{
			"managers": {Name: "managers", Filter: "type contains manager", MemberKeys: []string{"u1@x.com"}},
		},
		Channels: map[string]*model.Channel{
			"managers-only": {Name: "managers-only", Groups: []string{"managers"}, MemberKeys: []string{"u1@x.com"}},
		},
	}

	b := &Builder{}
	p, err := b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)

	require.Equal(t, []Kind{CreateUser, CreateUser, CreateChannel, AddChannelMember}, kinds(p))
	assert.Equal(t, "u1@x.com", p.Operations[0].User)
	assert.Equal(t, "u2@x.com", p.Operations[1].User)
	assert.Equal(t, "managers-only", p.Operations[2].Channel)
	assert.Equal(t, "u1@x.com", p.Operations[3].User)
	assert.Empty(t, p.Conflicts)
}

func TestBuildDeterministic(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{
			"b@x.com": desiredUser("b@x.com", nil),
			"a@x.com": desiredUser("a@x.com", nil),
			"c@x.com": desiredUser("c@x.com", nil),
		},
		Channels: map[string]*model.Channel{
			"general": {Name: "general", MemberKeys: []string{"a@x.com", "b@x.com", "c@x.com"}},
		},
	}

	b := &Builder{}
	first, err := b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
	second, err := b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
	// Byte-identical, operation IDs included.
	assert.Equal(t, first.Operations, second.Operations)
	for _, op := range first.Operations {
		assert.NotEmpty(t, op.ID)
	}
}

func TestBuildConvergedIsEmpty(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{
			"a@x.com": desiredUser("a@x.com", map[string]any{model.AttrGivenName: "Ada"}),
		},
		Channels: map[string]*model.Channel{
			"general": {Name: "general", MemberKeys: []string{"a@x.com"}},
		},
	}

	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true, GivenName: "Ada"})
	snap.AddChannel(&model.RemoteChannel{ID: "C1", Name: "general", MemberIDs: []string{"U1"}})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.True(t, p.Empty(), "converged state must produce an empty plan, got:\n%s", p.Summary())
}

func TestDeactivateNeverDelete(t *testing.T) {
	desired := &model.Specification{Users: map[string]*model.User{}}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "gone@x.com", Active: true})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	require.Equal(t, []Kind{DeactivateUser}, kinds(p))
	assert.Equal(t, "gone@x.com", p.Operations[0].User)
}

func TestDeactivateSkipsBotsAndInactive(t *testing.T) {
	desired := &model.Specification{
		Users:    map[string]*model.User{},
		Settings: model.Settings{BotDomain: "bots.x.com"},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "helper@bots.x.com", Active: true})
	snap.AddUser(&model.RemoteUser{ID: "U2", Email: "robot@x.com", Active: true, Bot: true})
	snap.AddUser(&model.RemoteUser{ID: "U3", Email: "already@x.com", Active: false})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.True(t, p.Empty())
}

func TestAlternateEmailMatch(t *testing.T) {
	u := desiredUser("new@x.com", map[string]any{
		model.AttrAlternateEmails: []string{"old@x.com"},
	})
	desired := &model.Specification{Users: map[string]*model.User{"new@x.com": u}}

	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "old@x.com", Active: true})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	for _, op := range p.Operations {
		assert.NotEqual(t, CreateUser, op.Kind, "renamed account must not be re-created")
		assert.NotEqual(t, DeactivateUser, op.Kind, "renamed account must not be deactivated")
	}
}

func TestActivateInactiveDesiredUser(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": desiredUser("a@x.com", nil)},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: false})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.Equal(t, []Kind{ActivateUser}, kinds(p))
}

func TestKeepCustomizedName(t *testing.T) {
	u := desiredUser("a@x.com", map[string]any{model.AttrDisplayName: "Ada L."})
	desired := &model.Specification{
		Users:    map[string]*model.User{"a@x.com": u},
		Settings: model.Settings{KeepCustomizedName: true},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true, DisplayName: "ada the great"})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.True(t, p.Empty())
	require.Len(t, p.Conflicts, 1)
	assert.Equal(t, model.AttrDisplayName, p.Conflicts[0].Field)

	// An empty remote value is not a customization.
	snap2 := model.NewSnapshot()
	snap2.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true})
	p, err = b.Build(desired, snap2)
	require.NoError(t, err)
	assert.Equal(t, []Kind{UpdateUserField}, kinds(p))
}

type fakeFingerprints struct {
	values map[string]string // userKey+field -> value we wrote
}

func (f *fakeFingerprints) Matches(userKey, field, value string) (bool, error) {
	return f.values[userKey+"\x00"+field] == value, nil
}

func TestFingerprintAllowsOverwrite(t *testing.T) {
	u := desiredUser("a@x.com", map[string]any{model.AttrDisplayName: "Ada L."})
	desired := &model.Specification{
		Users:    map[string]*model.User{"a@x.com": u},
		Settings: model.Settings{KeepCustomizedName: true},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true, DisplayName: "Ada"})

	// The remote value is one we wrote ourselves, so the policy does
	// not protect it.
	b := &Builder{Fingerprints: &fakeFingerprints{values: map[string]string{
		"a@x.com\x00" + model.AttrDisplayName: "Ada",
	}}}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.Equal(t, []Kind{UpdateUserField}, kinds(p))
	assert.Empty(t, p.Conflicts)
}

func TestExtendOnlyChannelMemberships(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": desiredUser("a@x.com", nil)},
		Channels: map[string]*model.Channel{
			"general": {Name: "general", MemberKeys: []string{"a@x.com"}},
		},
		Settings: model.Settings{ExtendChannelMemberships: true},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true})
	snap.AddUser(&model.RemoteUser{ID: "U2", Email: "b@x.com", Active: true})
	snap.AddChannel(&model.RemoteChannel{ID: "C1", Name: "general", MemberIDs: []string{"U1", "U2"}})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	for _, op := range p.Operations {
		assert.NotEqual(t, RemoveChannelMember, op.Kind)
	}

	// Without the policy the extra member is removed.
	desired.Settings.ExtendChannelMemberships = false
	// b@x.com is still remotely active and undesired, so ignore the
	// user phase and look only at channel operations.
	p, err = b.Build(desired, snap)
	require.NoError(t, err)
	var removed []string
	for _, op := range p.Operations {
		if op.Kind == RemoveChannelMember {
			removed = append(removed, op.User)
		}
	}
	assert.Equal(t, []string{"b@x.com"}, removed)
}

func TestChannelCreatePolicyAndPrivacy(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{},
		Channels: map[string]*model.Channel{
			"announcements": {Name: "announcements", Private: true, PostingPolicy: "admin"},
		},
	}

	b := &Builder{}
	p, err := b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
	require.Equal(t, []Kind{CreateChannel, SetChannelPolicy}, kinds(p))
	assert.True(t, p.Operations[0].Private)
	assert.Equal(t, "admin", p.Operations[1].Policy)
}

func TestArchivedChannelUntouched(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": desiredUser("a@x.com", nil)},
		Channels: map[string]*model.Channel{
			"old": {Name: "old", MemberKeys: []string{"a@x.com"}},
		},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true})
	snap.AddChannel(&model.RemoteChannel{ID: "C1", Name: "old", Archived: true})

	b := &Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	assert.True(t, p.Empty())
}

func TestUnknownGroupRef(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{},
		Channels: map[string]*model.Channel{
			"c": {Name: "c", Groups: []string{"phantom"}},
		},
	}

	b := &Builder{}
	_, err := b.Build(desired, model.NewSnapshot())
	require.Error(t, err)
	var uge *UnknownGroupError
	require.ErrorAs(t, err, &uge)
	assert.Equal(t, "phantom", uge.Group)

	// Glob references are allowed to match nothing.
	desired.Channels["c"].Groups = []string{"phantom-*"}
	_, err = b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
}

func TestSyncGroupsGated(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{},
		Groups: map[string]*model.Group{
			"managers": {Name: "managers", MemberKeys: []string{"a@x.com"}},
		},
	}

	b := &Builder{}
	p, err := b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
	assert.True(t, p.Empty())

	desired.Settings.SyncGroups = true
	p, err = b.Build(desired, model.NewSnapshot())
	require.NoError(t, err)
	require.Equal(t, []Kind{SyncGroup}, kinds(p))
	assert.Equal(t, []string{"a@x.com"}, p.Operations[0].Members)
}

func TestPhotoPolicy(t *testing.T) {
	newDesired := func(settings model.Settings) *model.Specification {
		u := desiredUser("a@x.com", map[string]any{model.AttrImageURL: "https://pics.x.com/ada.jpg"})
		return &model.Specification{
			Users:    map[string]*model.User{"a@x.com": u},
			Settings: settings,
		}
	}
	remote := func(kind model.ImageKind) *model.Snapshot {
		snap := model.NewSnapshot()
		snap.AddUser(&model.RemoteUser{
			ID: "U1", Email: "a@x.com", Active: true,
			ImageURL: "https://pics.x.com/other.jpg", ImageKind: kind,
		})
		return snap
	}
	b := &Builder{}

	// Placeholder avatars are replaced even under the keep policy.
	p, err := b.Build(newDesired(model.Settings{KeepCustomizedPhotos: true}), remote(model.ImageAnonymous))
	require.NoError(t, err)
	assert.Equal(t, []Kind{SetUserPhoto}, kinds(p))

	// Customized avatars survive under the keep policy.
	p, err = b.Build(newDesired(model.Settings{KeepCustomizedPhotos: true}), remote(model.ImageCustomized))
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.Len(t, p.Conflicts, 1)

	// Without the policy the photo is overwritten.
	p, err = b.Build(newDesired(model.Settings{}), remote(model.ImageCustomized))
	require.NoError(t, err)
	assert.Equal(t, []Kind{SetUserPhoto}, kinds(p))
}
