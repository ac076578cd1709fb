package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chansync-io/chansync-ce/internal/model"
)

type fakeDirectory struct {
	users []*model.RemoteUser
	err   error
}

func (f *fakeDirectory) ListUsers(context.Context) ([]*model.RemoteUser, error) {
	return f.users, f.err
}

type fakeMessaging struct {
	channels   []*model.RemoteChannel
	members    map[string][]string
	membersErr error
	memberReqs []string
}

func (f *fakeMessaging) ListChannels(context.Context) ([]*model.RemoteChannel, error) {
	return f.channels, nil
}

func (f *fakeMessaging) Members(_ context.Context, channelID string) ([]string, error) {
	f.memberReqs = append(f.memberReqs, channelID)
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[channelID], nil
}

type fakeClassifier struct {
	kind model.ImageKind
	err  error
	urls []string
}

func (f *fakeClassifier) Classify(_ context.Context, imageURL string) (model.ImageKind, error) {
	f.urls = append(f.urls, imageURL)
	return f.kind, f.err
}

func TestFetchSnapshot(t *testing.T) {
	dir := &fakeDirectory{users: []*model.RemoteUser{
		{ID: "U1", Email: "Ada@Example.com", Active: true, ImageKind: model.ImageNone},
		{ID: "U2", Email: "bot@internal", Bot: true, ImageKind: model.ImageNone},
	}}
	msg := &fakeMessaging{
		channels: []*model.RemoteChannel{
			{ID: "C1", Name: "general"},
			{ID: "C2", Name: "attic", Archived: true},
		},
		members: map[string][]string{"C1": {"U1"}},
	}

	snap, err := NewResolver(dir, msg).Fetch(context.Background())
	require.NoError(t, err)

	u, ok := snap.UserByEmail("ada@example.com")
	require.True(t, ok)
	assert.Equal(t, "U1", u.ID)

	ch, ok := snap.Channel("general")
	require.True(t, ok)
	assert.Equal(t, []string{"U1"}, ch.MemberIDs)

	// Archived channels are recorded but their members are never fetched.
	attic, ok := snap.Channel("attic")
	require.True(t, ok)
	assert.Empty(t, attic.MemberIDs)
	assert.Equal(t, []string{"C1"}, msg.memberReqs)
}

func TestFetchAbortsOnUserError(t *testing.T) {
	boom := errors.New("directory down")
	dir := &fakeDirectory{err: boom}
	msg := &fakeMessaging{}

	snap, err := NewResolver(dir, msg).Fetch(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Nil(t, snap)
}

func TestFetchAbortsOnMemberError(t *testing.T) {
	boom := errors.New("membership fetch failed")
	dir := &fakeDirectory{}
	msg := &fakeMessaging{
		channels:   []*model.RemoteChannel{{ID: "C1", Name: "general"}},
		membersErr: boom,
	}

	snap, err := NewResolver(dir, msg).Fetch(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Nil(t, snap)
	assert.Contains(t, err.Error(), "general")
}

func TestFetchClassifiesUndeterminedAvatars(t *testing.T) {
	dir := &fakeDirectory{users: []*model.RemoteUser{
		{ID: "U1", Email: "a@x.com", ImageKind: model.ImageUnknown, ImageURL: "https://img/a"},
		{ID: "U2", Email: "b@x.com", ImageKind: model.ImageCustomized, ImageURL: "https://img/b"},
	}}
	msg := &fakeMessaging{}
	cls := &fakeClassifier{kind: model.ImageAnonymous}

	snap, err := NewResolver(dir, msg).WithAvatarClassifier(cls).Fetch(context.Background())
	require.NoError(t, err)

	// Only the undetermined avatar is classified.
	assert.Equal(t, []string{"https://img/a"}, cls.urls)
	u, _ := snap.UserByEmail("a@x.com")
	assert.Equal(t, model.ImageAnonymous, u.ImageKind)
	u, _ = snap.UserByEmail("b@x.com")
	assert.Equal(t, model.ImageCustomized, u.ImageKind)
}

func TestFetchClassifierFailureKeepsAvatar(t *testing.T) {
	dir := &fakeDirectory{users: []*model.RemoteUser{
		{ID: "U1", Email: "a@x.com", ImageKind: model.ImageUnknown, ImageURL: "https://img/a"},
	}}
	msg := &fakeMessaging{}
	cls := &fakeClassifier{err: errors.New("timeout")}

	snap, err := NewResolver(dir, msg).WithAvatarClassifier(cls).Fetch(context.Background())
	require.NoError(t, err)

	u, _ := snap.UserByEmail("a@x.com")
	assert.Equal(t, model.ImageCustomized, u.ImageKind)
}
