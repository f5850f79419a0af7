package profilekeys

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/test"
	"github.com/meow-io/go-mirror/jobs"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeyLength)
}

func newResolver(t *testing.T) (*Resolver, ids.ID) {
	c := config.NewConfig()
	store, err := NewStore(c, test.NewTestDatabase(c))
	require.Nil(t, err)
	self := ids.NewID()
	return store.Resolver(self), self
}

func TestSetAuthoritativeReplacesLearned(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice, bob := ids.NewID(), ids.NewID()

	set := r.NewSet()
	set.AddFromState([]Candidate{{ID: alice, Key: key(1)}})
	set.AddFromChange(bob, []Candidate{{ID: alice, Key: key(2)}})
	k, ok := set.Learned(alice)
	require.True(ok)
	require.Equal(key(2), k)

	set.AddFromChange(alice, []Candidate{{ID: alice, Key: key(3)}})
	_, ok = set.Learned(alice)
	require.False(ok)
	k, ok = set.Authoritative(alice)
	require.True(ok)
	require.Equal(key(3), k)

	set.AddFromState([]Candidate{{ID: alice, Key: key(4)}})
	_, ok = set.Learned(alice)
	require.False(ok)
	require.Equal(1, set.Len())
}

func TestJoinRequestByAnotherEditorStaysLearned(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	admin, requester := ids.NewID(), ids.NewID()

	seed := r.NewSet()
	seed.AddFromChange(requester, []Candidate{{ID: requester, Key: key(1)}})
	_, err := r.Merge(seed)
	require.Nil(err)

	set := r.NewSet()
	set.AddFromChange(admin, []Candidate{{ID: requester, Key: key(2)}})
	_, ok := set.Authoritative(requester)
	require.False(ok)
	k, ok := set.Learned(requester)
	require.True(ok)
	require.Equal(key(2), k)

	result, err := r.Merge(set)
	require.Nil(err)
	require.Empty(result.Changed)
	stored, err := r.ProfileKey(requester)
	require.Nil(err)
	require.Equal(key(1), stored)

	own := r.NewSet()
	own.AddFromChange(requester, []Candidate{{ID: requester, Key: key(3)}})
	_, ok = own.Authoritative(requester)
	require.True(ok)
}

func TestSetSkipsMalformedKeys(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice := ids.NewID()
	set := r.NewSet()
	set.AddFromChange(alice, []Candidate{{ID: alice, Key: nil}, {ID: alice, Key: []byte{1, 2}}})
	set.AddAuthoritative(alice, []byte{})
	require.Equal(0, set.Len())
}

func TestLearnedNeverOverwrites(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice := ids.NewID()

	set := r.NewSet()
	set.AddFromState([]Candidate{{ID: alice, Key: key(1)}})
	result, err := r.Merge(set)
	require.Nil(err)
	require.Equal([]ids.ID{alice}, result.Changed)

	set = r.NewSet()
	set.AddFromState([]Candidate{{ID: alice, Key: key(2)}})
	result, err = r.Merge(set)
	require.Nil(err)
	require.Len(result.Changed, 0)

	stored, err := r.ProfileKey(alice)
	require.Nil(err)
	require.Equal(key(1), stored)
}

func TestAuthoritativeOverwritesLearned(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice, bob := ids.NewID(), ids.NewID()

	set := r.NewSet()
	set.AddFromChange(bob, []Candidate{{ID: alice, Key: key(1)}})
	_, err := r.Merge(set)
	require.Nil(err)

	set = r.NewSet()
	set.AddFromChange(alice, []Candidate{{ID: alice, Key: key(2)}})
	result, err := r.Merge(set)
	require.Nil(err)
	require.Equal([]ids.ID{alice}, result.Changed)

	stored, err := r.ProfileKey(alice)
	require.Nil(err)
	require.Equal(key(2), stored)
}

func TestMergeIsIdempotent(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice, bob, carol := ids.NewID(), ids.NewID(), ids.NewID()

	set := r.NewSet()
	set.AddFromState([]Candidate{{ID: alice, Key: key(1)}, {ID: bob, Key: key(2)}})
	set.AddFromChange(carol, []Candidate{{ID: carol, Key: key(3)}})

	first, err := r.Merge(set)
	require.Nil(err)
	require.Len(first.Changed, 3)

	second, err := r.Merge(set)
	require.Nil(err)
	require.Len(second.Changed, 0)
	require.False(second.ResyncSelf)

	for id, want := range map[ids.ID][]byte{alice: key(1), bob: key(2), carol: key(3)} {
		stored, err := r.ProfileKey(id)
		require.Nil(err)
		require.Equal(want, stored)
	}
}

func TestSelfMismatchSchedulesResync(t *testing.T) {
	require := require.New(t)
	r, self := newResolver(t)
	require.Nil(r.SetOwnProfileKey(key(1)))

	set := r.NewSet()
	set.AddFromChange(self, []Candidate{{ID: self, Key: key(9)}})
	result, err := r.Merge(set)
	require.Nil(err)
	require.True(result.ResyncSelf)
	require.Len(result.Changed, 0)

	stored, err := r.ProfileKey(self)
	require.Nil(err)
	require.Equal(key(1), stored)

	js, err := result.Jobs(self)
	require.Nil(err)
	require.Len(js, 1)
	require.Equal(jobs.KindStorageSync, js[0].Kind)
}

func TestSelfMatchingKeyIsQuiet(t *testing.T) {
	require := require.New(t)
	r, self := newResolver(t)
	require.Nil(r.SetOwnProfileKey(key(1)))

	set := r.NewSet()
	set.AddFromChange(self, []Candidate{{ID: self, Key: key(1)}})
	result, err := r.Merge(set)
	require.Nil(err)
	require.False(result.ResyncSelf)
}

func TestMergeResultJobs(t *testing.T) {
	require := require.New(t)
	account := ids.NewID()
	alice, bob := ids.NewID(), ids.NewID()
	result := &MergeResult{Changed: []ids.ID{alice, bob}}
	js, err := result.Jobs(account)
	require.Nil(err)
	require.Len(js, 2)
	for i, j := range js {
		require.Equal(jobs.KindRefreshProfile, j.Kind)
		payload := &jobs.RefreshProfile{}
		require.Nil(j.Decode(payload))
		require.Equal(result.Changed[i], payload.Identity)
	}
}

func TestResendCapability(t *testing.T) {
	require := require.New(t)
	r, _ := newResolver(t)
	alice := ids.NewID()
	ctx := context.Background()

	capable, err := r.SupportsResendRequest(ctx, alice)
	require.Nil(err)
	require.False(capable)

	require.Nil(r.SetResendCapable(alice, true))
	capable, err = r.SupportsResendRequest(ctx, alice)
	require.Nil(err)
	require.True(capable)

	// learning a key keeps the capability
	set := r.NewSet()
	set.AddFromState([]Candidate{{ID: alice, Key: key(1)}})
	result, err := r.Merge(set)
	require.Nil(err)
	require.Equal([]ids.ID{alice}, result.Changed)
	capable, err = r.SupportsResendRequest(ctx, alice)
	require.Nil(err)
	require.True(capable)
}
