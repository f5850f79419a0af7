package groups

import (
	"errors"
	"testing"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/test"
	"github.com/meow-io/go-mirror/profilekeys"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApplyRejectsWrongRevision(t *testing.T) {
	require := require.New(t)
	s := &State{Revision: 3}
	_, err := s.Apply(&Change{Revision: 5})
	require.True(errors.Is(err, ErrRevisionMismatch))
}

func TestApplyPendingAndRequesting(t *testing.T) {
	require := require.New(t)
	admin, invited, requester := ids.NewID(), ids.NewID(), ids.NewID()
	s := &State{Revision: 1, Members: []*Member{{ID: admin, Role: RoleAdministrator, ProfileKey: key(1)}}}

	s2, err := s.Apply(&Change{Editor: admin, Revision: 2, AddPendingMembers: []*PendingMember{{ID: invited, Role: RoleAdministrator, AddedBy: admin, Handle: []byte("handle")}}})
	require.Nil(err)
	require.NotNil(s2.PendingMember(invited))
	require.Nil(s.PendingMember(invited))

	builder := RemovePendingMember(invited)
	change, err := builder(s2)
	require.Nil(err)
	require.Equal([][]byte{[]byte("handle")}, change.DeletePendingMembers)
	change.Revision = 3
	s3, err := s2.Apply(change)
	require.Nil(err)
	require.Nil(s3.PendingMember(invited))

	s3b, err := s2.Apply(&Change{Editor: invited, Revision: 3, PromotePendingMembers: []ProfileKeyChange{{ID: invited, ProfileKey: key(2)}}})
	require.Nil(err)
	m := s3b.Member(invited)
	require.NotNil(m)
	require.Equal(RoleAdministrator, m.Role)
	require.Equal(uint32(3), m.JoinedAtRevision)
	require.Nil(s3b.PendingMember(invited))

	s4, err := s3.Apply(&Change{Editor: requester, Revision: 4, AddRequestingMembers: []*RequestingMember{{ID: requester, ProfileKey: key(3)}}})
	require.Nil(err)
	change, err = ApproveRequestingMember(requester)(s4)
	require.Nil(err)
	change.Revision = 5
	s5, err := s4.Apply(change)
	require.Nil(err)
	require.Equal(key(3), s5.Member(requester).ProfileKey)
	require.Nil(s5.RequestingMember(requester))
}

func TestChangeCandidatesAttributeJoinRequests(t *testing.T) {
	require := require.New(t)
	admin, requester := ids.NewID(), ids.NewID()
	change := &Change{
		Editor:               admin,
		AddRequestingMembers: []*RequestingMember{{ID: requester, ProfileKey: key(3)}},
		AddMembers:           []*Member{{ID: ids.NewID(), ProfileKey: key(4)}},
	}
	candidates := change.ProfileKeyCandidates()
	require.Len(candidates, 2)

	set := profilekeys.NewSet(zap.NewNop().Sugar())
	set.AddFromChange(change.Editor, candidates)
	_, ok := set.Authoritative(requester)
	require.False(ok)
	k, ok := set.Learned(requester)
	require.True(ok)
	require.Equal(key(3), k)

	self := &Change{Editor: requester, AddRequestingMembers: []*RequestingMember{{ID: requester, ProfileKey: key(5)}}}
	set = profilekeys.NewSet(zap.NewNop().Sugar())
	set.AddFromChange(self.Editor, self.ProfileKeyCandidates())
	k, ok = set.Authoritative(requester)
	require.True(ok)
	require.Equal(key(5), k)
}

func TestBuildersValidate(t *testing.T) {
	require := require.New(t)
	member, stranger := ids.NewID(), ids.NewID()
	s := &State{Revision: 1, Members: []*Member{{ID: member, Role: RoleDefault}}}

	_, err := AddMember(member, key(1))(s)
	require.Error(err)
	_, err = RemoveMember(stranger)(s)
	require.Error(err)
	_, err = ModifyRole(member, RoleDefault)(s)
	require.Error(err)
	change, err := ModifyRole(member, RoleAdministrator)(s)
	require.Nil(err)
	require.Equal([]RoleChange{{ID: member, Role: RoleAdministrator}}, change.ModifyRoles)
}

func TestStoreDistributionIDIsStable(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig()
	store, err := NewStore(test.NewTestDatabase(c))
	require.Nil(err)
	params, err := NewSecretParams(key(5))
	require.Nil(err)
	account := ids.NewID()

	_, err = store.DistributionID(account, params.ID)
	require.Error(err)

	require.Nil(store.db.Run("insert", func() error {
		_, err := store.UpsertNoLock(account, params, &State{Revision: 2})
		return err
	}))
	first, err := store.DistributionID(account, params.ID)
	require.Nil(err)
	second, err := store.DistributionID(account, params.ID)
	require.Nil(err)
	require.Equal(first, second)

	require.Nil(store.SetLastAvatarFetch(account, params.ID, 2))
	require.Nil(store.SetLastAvatarFetch(account, params.ID, 1))
	g, err := store.Group(account, params.ID)
	require.Nil(err)
	require.Equal(uint32(2), g.LastAvatarFetch)
	require.Equal(first, *g.DistributionID)
}

func TestSecretParamsDeterministic(t *testing.T) {
	require := require.New(t)
	a, err := NewSecretParams(key(1))
	require.Nil(err)
	b, err := NewSecretParams(key(1))
	require.Nil(err)
	c, err := NewSecretParams(key(2))
	require.Nil(err)
	require.Equal(a.ID, b.ID)
	require.NotEqual(a.ID, c.ID)
	_, err = NewSecretParams([]byte{1})
	require.Error(err)
}
