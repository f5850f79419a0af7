package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/jobs"
	"github.com/meow-io/go-mirror/profilekeys"
	"go.uber.org/zap"
)

// Credentials hands out the authorization token for a day.
type Credentials interface {
	Get(ctx context.Context, day clock.Day) ([]byte, error)
}

// Reconciler keeps one account's cached groups in line with the server. It holds no lock of its own: a lost
// race between two callers surfaces as a conflict on commit.
type Reconciler struct {
	accountID  ids.ID
	db         *db.Database
	store      *Store
	server     Server
	opener     ChangeOpener
	creds      Credentials
	clock      clock.Clock
	keys       *profilekeys.Resolver
	queue      jobs.Queue
	retryLimit int
	log        *zap.SugaredLogger
}

func NewReconciler(c *config.Config, d *db.Database, accountID ids.ID, store *Store, server Server, opener ChangeOpener, creds Credentials, clk clock.Clock, keys *profilekeys.Resolver, queue jobs.Queue) *Reconciler {
	return &Reconciler{
		accountID:  accountID,
		db:         d,
		store:      store,
		server:     server,
		opener:     opener,
		creds:      creds,
		clock:      clk,
		keys:       keys,
		queue:      queue,
		retryLimit: c.CommitRetryLimit,
		log:        c.Logger("groups/reconciler"),
	}
}

// Reconcile returns the cached group, refreshing it first when it is missing, older than knownRevision, or
// knownRevision is Latest. It returns nil, nil when the account is not a member.
func (r *Reconciler) Reconcile(ctx context.Context, params *SecretParams, knownRevision uint32) (*Group, error) {
	return r.reconcile(ctx, params, knownRevision, nil)
}

// ReconcileWithChange is Reconcile for a group message which carried a signed change. The change is only
// used for profile keys when it is exactly the next revision after the cache and the server agrees it is
// current; otherwise history is paged instead.
func (r *Reconciler) ReconcileWithChange(ctx context.Context, params *SecretParams, knownRevision uint32, signedChange []byte) (*Group, error) {
	var peerChange *Change
	if len(signedChange) != 0 {
		change, err := r.opener.OpenChange(params, signedChange)
		if err != nil {
			r.log.Warnf("ignoring unverifiable change for group %x: %v", params.ID[:], err)
		} else {
			peerChange = change
		}
	}
	return r.reconcile(ctx, params, knownRevision, peerChange)
}

func (r *Reconciler) reconcile(ctx context.Context, params *SecretParams, knownRevision uint32, peerChange *Change) (*Group, error) {
	cached, err := r.store.Group(r.accountID, params.ID)
	if err != nil {
		return nil, err
	}
	if cached != nil && knownRevision != Latest && cached.Revision >= knownRevision {
		if knownRevision < cached.Revision {
			// TODO(groups): an older announced revision never triggers a refresh, so keys it carried are not relearned
			r.log.Debugf("group %x announced at %d, cached at %d, not refreshing", params.ID[:], knownRevision, cached.Revision)
		}
		return cached, nil
	}
	return r.refresh(ctx, params, cached, peerChange)
}

// refresh fetches the current state and stores it along with every profile key learned on the way.
func (r *Reconciler) refresh(ctx context.Context, params *SecretParams, cached *Group, peerChange *Change) (*Group, error) {
	auth, err := r.creds.Get(ctx, r.clock.Today())
	if err != nil {
		return nil, fmt.Errorf("groups: error getting credential: %w", err)
	}
	state, err := r.server.GetGroup(ctx, params, auth)
	if errors.Is(err, ErrNotMember) {
		r.log.Infof("no longer a member of group %x", params.ID[:])
		if cached != nil {
			if err := r.db.Run("delete group", func() error {
				return r.store.DeleteNoLock(r.accountID, params.ID)
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("groups: error fetching group: %w", err)
	}

	set := r.keys.NewSet()
	set.AddFromState(state.ProfileKeyCandidates())

	var cachedRevision uint32
	if cached != nil {
		cachedRevision = cached.Revision
	}
	switch {
	case peerChange != nil && cached != nil && peerChange.Revision == cachedRevision+1 && peerChange.Revision == state.Revision:
		r.log.Debugf("using change at %d for group %x", peerChange.Revision, params.ID[:])
		set.AddFromChange(peerChange.Editor, peerChange.ProfileKeyCandidates())
	case cached == nil || state.Revision > cachedRevision:
		if peerChange != nil {
			r.log.Debugf("discarding change at %d for group %x, cached %d server %d", peerChange.Revision, params.ID[:], cachedRevision, state.Revision)
		}
		if err := r.page(ctx, params, auth, logsNeededFrom(r.accountID, cachedRevision, state), state.Revision, set); err != nil {
			return nil, err
		}
	}

	return r.save(params, cached, state, set)
}

// page feeds the history from fromRevision up to toRevision into set, one page at a time.
func (r *Reconciler) page(ctx context.Context, params *SecretParams, auth []byte, fromRevision, toRevision uint32, set *profilekeys.Set) error {
	if fromRevision >= toRevision {
		return nil
	}
	next := fromRevision
	for {
		r.log.Debugf("requesting history for group %x from %d", params.ID[:], next)
		p, err := r.server.GetGroupHistoryPage(ctx, params, next, true, auth)
		if err != nil {
			return fmt.Errorf("groups: error fetching history page: %w", err)
		}
		for _, entry := range p.Entries {
			entry.normalize(r.log)
			if entry.State != nil {
				set.AddFromState(entry.State.ProfileKeyCandidates())
			}
			if entry.Change != nil {
				set.AddFromChange(entry.Change.Editor, entry.Change.ProfileKeyCandidates())
			}
		}
		if !p.HasMore {
			return nil
		}
		if p.NextRevision <= next {
			return fmt.Errorf("groups: history page did not advance past %d", next)
		}
		next = p.NextRevision
	}
}

// logsNeededFrom is the later of the cached revision and the revision the account joined at.
func logsNeededFrom(self ids.ID, cachedRevision uint32, state *State) uint32 {
	from := cachedRevision
	if m := state.Member(self); m != nil && m.JoinedAtRevision > from {
		from = m.JoinedAtRevision
	}
	return from
}

// save upserts state, merges set and enqueues the follow-up jobs.
func (r *Reconciler) save(params *SecretParams, before *Group, state *State, set *profilekeys.Set) (*Group, error) {
	var stored *Group
	var result *profilekeys.MergeResult
	if err := r.db.Run("store group", func() error {
		var err error
		stored, err = r.store.UpsertNoLock(r.accountID, params, state)
		if err != nil {
			return err
		}
		if stored.Revision != state.Revision {
			r.log.Debugf("group %x kept cached revision %d over fetched %d", params.ID[:], stored.Revision, state.Revision)
		}
		result, err = r.keys.MergeNoLock(set)
		return err
	}); err != nil {
		return nil, err
	}

	toEnqueue, err := result.Jobs(r.accountID)
	if err != nil {
		return nil, err
	}
	avatar, err := r.avatarJob(before, stored)
	if err != nil {
		return nil, err
	}
	if avatar != nil {
		toEnqueue = append(toEnqueue, avatar)
	}
	if err := r.queue.Enqueue(context.Background(), toEnqueue...); err != nil {
		return nil, fmt.Errorf("groups: error enqueuing jobs: %w", err)
	}
	return stored, nil
}

func (r *Reconciler) avatarJob(before, after *Group) (*jobs.Job, error) {
	avatar := after.State.Avatar
	if avatar == "" || after.LastAvatarFetch >= after.Revision {
		return nil, nil
	}
	if before != nil && before.State.Avatar == avatar {
		return nil, nil
	}
	return jobs.NewKeyed(r.accountID, jobs.KindAvatarDownload, fmt.Sprintf("%x/%d", after.ID[:], after.Revision), &jobs.AvatarDownload{
		GroupID:  after.ID[:],
		Avatar:   avatar,
		Revision: after.Revision,
	})
}

// Commit applies the change produced by builder. A conflict refreshes the group and rebuilds the change
// against the new revision, at most retryLimit attempts in total.
func (r *Reconciler) Commit(ctx context.Context, params *SecretParams, builder ChangeBuilder) (*Group, error) {
	current, err := r.store.Group(r.accountID, params.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		if current, err = r.refresh(ctx, params, nil, nil); err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNotMember
		}
	}

	for attempt := 1; attempt <= r.retryLimit; attempt++ {
		change, err := builder(current.State)
		if err != nil {
			return nil, err
		}
		change.Editor = r.accountID
		change.Revision = current.Revision + 1

		auth, err := r.creds.Get(ctx, r.clock.Today())
		if err != nil {
			return nil, fmt.Errorf("groups: error getting credential: %w", err)
		}
		accepted, err := r.server.PatchGroup(ctx, params, change, auth)
		if errors.Is(err, ErrConflict) {
			r.log.Infof("conflict committing group %x at %d, attempt %d of %d", params.ID[:], change.Revision, attempt, r.retryLimit)
			refreshed, err := r.refresh(ctx, params, current, nil)
			if err != nil {
				return nil, err
			}
			if refreshed == nil {
				return nil, ErrNotMember
			}
			current = refreshed
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("groups: error patching group: %w", err)
		}
		if accepted.Revision != change.Revision {
			return nil, fmt.Errorf("%w: committed %d, server accepted %d", ErrRevisionMismatch, change.Revision, accepted.Revision)
		}

		next, err := current.State.Apply(accepted)
		if err != nil {
			return nil, err
		}
		set := r.keys.NewSet()
		set.AddFromChange(accepted.Editor, accepted.ProfileKeyCandidates())
		return r.save(params, current, next, set)
	}
	return nil, fmt.Errorf("%w: group %x after %d attempts", ErrCommitRetriesExhausted, params.ID[:], r.retryLimit)
}

// AvatarFetched records that the avatar at revision has been downloaded.
func (r *Reconciler) AvatarFetched(id GroupID, revision uint32) error {
	return r.store.SetLastAvatarFetch(r.accountID, id, revision)
}

// DistributionID returns the group's sender key distribution id.
func (r *Reconciler) DistributionID(id GroupID) (uuid.UUID, error) {
	return r.store.DistributionID(r.accountID, id)
}
