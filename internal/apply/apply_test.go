package apply

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chansync-io/chansync-ce/internal/model"
	"github.com/chansync-io/chansync-ce/internal/plan"
	"github.com/chansync-io/chansync-ce/internal/remote"
	"github.com/chansync-io/chansync-ce/internal/scim"
)

// fakeRemote implements both adapter interfaces and records calls.
type fakeRemote struct {
	calls   []string
	groups  map[string]*scim.Group
	nextID  int
	failOn  string // call prefix that fails
	failErr error
}

func (f *fakeRemote) call(format string, args ...any) error {
	s := fmt.Sprintf(format, args...)
	f.calls = append(f.calls, s)
	if f.failOn != "" && len(s) >= len(f.failOn) && s[:len(f.failOn)] == f.failOn {
		return f.failErr
	}
	return nil
}

func (f *fakeRemote) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeRemote) CreateUser(_ context.Context, u *model.User) (string, error) {
	if err := f.call("CreateUser %s", u.Key); err != nil {
		return "", err
	}
	return f.id("U"), nil
}

func (f *fakeRemote) SetActive(_ context.Context, id string, active bool) error {
	return f.call("SetActive %s %v", id, active)
}

func (f *fakeRemote) UpdateField(_ context.Context, id, field, value string) error {
	return f.call("UpdateField %s %s %s", id, field, value)
}

func (f *fakeRemote) SetPhoto(_ context.Context, id, imageURL string) error {
	return f.call("SetPhoto %s", id)
}

func (f *fakeRemote) ListGroups(context.Context) (map[string]*scim.Group, error) {
	f.calls = append(f.calls, "ListGroups")
	if f.groups == nil {
		return map[string]*scim.Group{}, nil
	}
	return f.groups, nil
}

func (f *fakeRemote) CreateGroup(_ context.Context, name string) (string, error) {
	if err := f.call("CreateGroup %s", name); err != nil {
		return "", err
	}
	return f.id("G"), nil
}

func (f *fakeRemote) PatchGroupMembers(_ context.Context, id string, keep, remove []string) error {
	return f.call("PatchGroupMembers %s keep=%v remove=%v", id, keep, remove)
}

func (f *fakeRemote) CreateChannel(_ context.Context, name string, private bool) (string, error) {
	if err := f.call("CreateChannel %s", name); err != nil {
		return "", err
	}
	return f.id("C"), nil
}

func (f *fakeRemote) Invite(_ context.Context, channelID, userID string) error {
	return f.call("Invite %s %s", channelID, userID)
}

func (f *fakeRemote) Kick(_ context.Context, channelID, userID string) error {
	return f.call("Kick %s %s", channelID, userID)
}

func (f *fakeRemote) SetPostingPolicy(_ context.Context, channelID, policy string) error {
	return f.call("SetPostingPolicy %s %s", channelID, policy)
}

func managerScenario() (*model.Specification, *model.Snapshot, *plan.Plan) {
	u1 := model.NewUser("u1@x.com")
	u1.SetAttr(model.AttrType, []string{"manager"})
	u2 := model.NewUser("u2@x.com")
	desired := &model.Specification{
		Users: map[string]*model.User{"u1@x.com": u1, "u2@x.com": u2},
		Channels: map[string]*model.Channel{
			"managers-only": {Name: "managers-only", MemberKeys: []string{"u1@x.com"}},
		},
	}
	snap := model.NewSnapshot()
	b := &plan.Builder{}
	p, _ := b.Build(desired, snap)
	return desired, snap, p
}

func TestRunAppliesInOrder(t *testing.T) {
	desired, snap, p := managerScenario()
	fake := &fakeRemote{}
	runner := &Runner{Directory: fake, Messaging: fake}

	report, err := runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, len(p.Operations), report.Applied)
	assert.Nil(t, report.InFlight)
	assert.Equal(t, []string{
		"CreateUser u1@x.com",
		"CreateUser u2@x.com",
		"CreateChannel managers-only",
		"Invite C3 U1",
	}, fake.calls)
}

func TestRunAbortsOnFailure(t *testing.T) {
	desired, snap, p := managerScenario()
	fake := &fakeRemote{
		failOn:  "CreateChannel",
		failErr: &remote.RateLimitExceededError{API: "messaging", Attempts: 5},
	}
	runner := &Runner{Directory: fake, Messaging: fake}

	report, err := runner.Run(context.Background(), desired, snap, p)
	require.Error(t, err)
	var exceeded *remote.RateLimitExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 2, report.Applied)
	require.NotNil(t, report.InFlight)
	assert.Equal(t, plan.CreateChannel, report.InFlight.Kind)
	// Nothing past the failed operation runs.
	assert.Len(t, fake.calls, 3)
}

func TestRunHonorsCancellation(t *testing.T) {
	desired, snap, p := managerScenario()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeRemote{}
	runner := &Runner{Directory: fake, Messaging: fake}

	report, err := runner.Run(ctx, desired, snap, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, report.Applied)
	assert.Empty(t, fake.calls)
}

func TestRunResolvesExistingIDs(t *testing.T) {
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": model.NewUser("a@x.com")},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U7", Email: "a@x.com", Active: false})
	b := &plan.Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)

	fake := &fakeRemote{}
	runner := &Runner{Directory: fake, Messaging: fake}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"SetActive U7 true"}, fake.calls)
}

func TestRunSyncGroupCreatesMissingGroup(t *testing.T) {
	u := model.NewUser("a@x.com")
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": u},
		Groups: map[string]*model.Group{
			"managers": {Name: "managers", MemberKeys: []string{"a@x.com"}},
		},
		Settings: model.Settings{SyncGroups: true},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true})
	b := &plan.Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)

	fake := &fakeRemote{}
	runner := &Runner{Directory: fake, Messaging: fake}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListGroups",
		"CreateGroup managers",
		"PatchGroupMembers G1 keep=[U1] remove=[]",
	}, fake.calls)
}

func groupSyncScenario(extend bool) (*model.Specification, *model.Snapshot, *plan.Plan, error) {
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": model.NewUser("a@x.com")},
		Groups: map[string]*model.Group{
			"managers": {Name: "managers", MemberKeys: []string{"a@x.com"}},
		},
		Settings: model.Settings{SyncGroups: true, ExtendGroupMemberships: extend},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true})
	snap.AddUser(&model.RemoteUser{ID: "U2", Email: "b@x.com", Active: true, Bot: true})
	b := &plan.Builder{}
	p, err := b.Build(desired, snap)
	return desired, snap, p, err
}

func TestRunSyncGroupRemovesStaleMembers(t *testing.T) {
	desired, snap, p, err := groupSyncScenario(false)
	require.NoError(t, err)

	fake := &fakeRemote{groups: map[string]*scim.Group{
		"managers": {ID: "G9", Name: "managers", MemberIDs: []string{"U1", "U2"}},
	}}
	runner := &Runner{Directory: fake, Messaging: fake}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListGroups",
		"PatchGroupMembers G9 keep=[U1] remove=[U2]",
	}, fake.calls)
}

func TestRunSyncGroupExtendOnlyKeepsStaleMembers(t *testing.T) {
	desired, snap, p, err := groupSyncScenario(true)
	require.NoError(t, err)

	fake := &fakeRemote{groups: map[string]*scim.Group{
		"managers": {ID: "G9", Name: "managers", MemberIDs: []string{"U1", "U2"}},
	}}
	runner := &Runner{Directory: fake, Messaging: fake}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ListGroups",
		"PatchGroupMembers G9 keep=[U1] remove=[]",
	}, fake.calls)
}

type recordingFingerprints struct {
	puts    []string
	forgets []string
}

func (r *recordingFingerprints) Put(userKey, field, value string) error {
	r.puts = append(r.puts, userKey+"/"+field)
	return nil
}

func (r *recordingFingerprints) Forget(userKey string) error {
	r.forgets = append(r.forgets, userKey)
	return nil
}

func TestRunRecordsFingerprints(t *testing.T) {
	u := model.NewUser("a@x.com")
	u.SetAttr(model.AttrGivenName, "Ada")
	desired := &model.Specification{
		Users: map[string]*model.User{"a@x.com": u},
	}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "a@x.com", Active: true, GivenName: "Adah"})
	b := &plan.Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)

	fake := &fakeRemote{}
	prints := &recordingFingerprints{}
	runner := &Runner{Directory: fake, Messaging: fake, Fingerprints: prints}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com/givenName"}, prints.puts)
}

func TestRunForgetsFingerprintsOnDeactivate(t *testing.T) {
	desired := &model.Specification{Users: map[string]*model.User{}}
	snap := model.NewSnapshot()
	snap.AddUser(&model.RemoteUser{ID: "U1", Email: "gone@x.com", Active: true})
	b := &plan.Builder{}
	p, err := b.Build(desired, snap)
	require.NoError(t, err)
	require.Len(t, p.Operations, 1)
	assert.Equal(t, plan.DeactivateUser, p.Operations[0].Kind)

	fake := &fakeRemote{}
	prints := &recordingFingerprints{}
	runner := &Runner{Directory: fake, Messaging: fake, Fingerprints: prints}
	_, err = runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"SetActive U1 false"}, fake.calls)
	assert.Equal(t, []string{"gone@x.com"}, prints.forgets)
}

func TestRecorderDryRun(t *testing.T) {
	desired, snap, p := managerScenario()
	rec := &Recorder{}
	runner := &Runner{Directory: rec, Messaging: rec}

	report, err := runner.Run(context.Background(), desired, snap, p)
	require.NoError(t, err)
	assert.Equal(t, len(p.Operations), report.Applied)
	assert.Len(t, rec.Calls, len(p.Operations))
}

func TestRunUnknownUserID(t *testing.T) {
	desired := &model.Specification{Users: map[string]*model.User{}}
	snap := model.NewSnapshot()
	p := &plan.Plan{Operations: []plan.Operation{
		{ID: "x", Kind: plan.DeactivateUser, User: "ghost@x.com"},
	}}

	fake := &fakeRemote{}
	runner := &Runner{Directory: fake, Messaging: fake}
	report, err := runner.Run(context.Background(), desired, snap, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost@x.com")
	assert.Equal(t, 0, report.Applied)
	require.NotNil(t, report.InFlight)
}
