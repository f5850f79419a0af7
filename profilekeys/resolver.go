package profilekeys

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/jobs"
	"github.com/meow-io/go-mirror/migration"
	"go.uber.org/zap"
)

type profile struct {
	AccountID     []byte `db:"account_id"`
	Identity      []byte `db:"identity"`
	ProfileKey    []byte `db:"profile_key"`
	ResendCapable bool   `db:"resend_capable"`
}

// Store owns the profile table shared by every account.
type Store struct {
	config *config.Config
	db     *db.Database
}

func NewStore(c *config.Config, d *db.Database) (*Store, error) {
	if err := d.Migrate("_profiles", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _profiles (
						account_id BLOB NOT NULL,
						identity BLOB NOT NULL,
						profile_key BLOB,
						resend_capable INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (account_id, identity)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("profilekeys: error migrating: %w", err)
	}
	return &Store{config: c, db: d}, nil
}

// Resolver merges profile keys for one account. self is the account's own identity.
func (s *Store) Resolver(self ids.ID) *Resolver {
	return &Resolver{db: s.db, self: self, log: s.config.Logger("profilekeys")}
}

// PurgeNoLock deletes every profile of an account and must run inside a transaction.
func (s *Store) PurgeNoLock(accountID ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _profiles WHERE account_id = $1", accountID[:]); err != nil {
		return fmt.Errorf("profilekeys: error purging profiles: %w", err)
	}
	return nil
}

type Resolver struct {
	db   *db.Database
	self ids.ID
	log  *zap.SugaredLogger
}

type MergeResult struct {
	// Changed holds identities whose stored key was written, in lexicographical order.
	Changed []ids.ID
	// ResyncSelf is set when an authoritative key for the account itself differs from the stored one.
	ResyncSelf bool
}

// Jobs returns a profile refresh per changed identity and a storage sync if the account's own key diverged.
func (r *MergeResult) Jobs(accountID ids.ID) ([]*jobs.Job, error) {
	var out []*jobs.Job
	for _, id := range r.Changed {
		j, err := jobs.New(accountID, jobs.KindRefreshProfile, &jobs.RefreshProfile{Identity: id})
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if r.ResyncSelf {
		j, err := jobs.New(accountID, jobs.KindStorageSync, &jobs.StorageSync{Reason: "own profile key mismatch"})
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *Resolver) NewSet() *Set {
	return NewSet(r.log)
}

// Merge writes set in its own transaction.
func (r *Resolver) Merge(set *Set) (*MergeResult, error) {
	var result *MergeResult
	if err := r.db.Run("merge profile keys", func() error {
		var err error
		result, err = r.MergeNoLock(set)
		return err
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// MergeNoLock writes set inside the caller's transaction. Learned keys only fill empty slots. Authoritative
// keys overwrite, except for the account itself, where a differing key asks for a storage sync instead.
func (r *Resolver) MergeNoLock(set *Set) (*MergeResult, error) {
	result := &MergeResult{}
	for _, id := range sortedIDs(set.learned) {
		stored, err := r.profileKey(id)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			continue
		}
		if err := r.writeProfileKey(id, set.learned[id]); err != nil {
			return nil, err
		}
		result.Changed = append(result.Changed, id)
	}

	for _, id := range sortedIDs(set.authoritative) {
		key := set.authoritative[id]
		stored, err := r.profileKey(id)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(stored, key) {
			continue
		}
		if id == r.self {
			r.log.Infof("authoritative profile key for self differs from stored key, scheduling storage sync")
			result.ResyncSelf = true
			continue
		}
		if err := r.writeProfileKey(id, key); err != nil {
			return nil, err
		}
		result.Changed = append(result.Changed, id)
	}
	sortIDs(result.Changed)
	return result, nil
}

func (r *Resolver) ProfileKey(id ids.ID) ([]byte, error) {
	var key []byte
	err := r.db.RunReadOnly("get profile key", func() error {
		var err error
		key, err = r.profileKey(id)
		return err
	})
	return key, err
}

// SetOwnProfileKey records the account's own key, which only the account itself may change.
func (r *Resolver) SetOwnProfileKey(key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("profilekeys: expected key of length %d, got %d", KeyLength, len(key))
	}
	return r.db.Run("set own profile key", func() error {
		return r.writeProfileKey(r.self, key)
	})
}

func (r *Resolver) SetResendCapable(id ids.ID, capable bool) error {
	return r.db.Run("set resend capability", func() error {
		p := &profile{AccountID: r.self[:], Identity: id[:], ResendCapable: capable}
		if _, err := r.db.Tx.NamedExec("INSERT INTO _profiles (account_id, identity, resend_capable) VALUES (:account_id, :identity, :resend_capable) ON CONFLICT(account_id, identity) DO UPDATE SET resend_capable = excluded.resend_capable", p); err != nil {
			return fmt.Errorf("profilekeys: error setting capability: %w", err)
		}
		return nil
	})
}

// SupportsResendRequest reports whether the peer has advertised that it can answer resend requests.
func (r *Resolver) SupportsResendRequest(_ context.Context, id ids.ID) (bool, error) {
	var capable bool
	err := r.db.RunReadOnly("get resend capability", func() error {
		p, err := r.profile(id)
		if err != nil || p == nil {
			return err
		}
		capable = p.ResendCapable
		return nil
	})
	return capable, err
}

func (r *Resolver) profile(id ids.ID) (*profile, error) {
	p := &profile{}
	if err := r.db.Tx.Get(p, "SELECT * FROM _profiles WHERE account_id = $1 AND identity = $2", r.self[:], id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("profilekeys: error getting profile: %w", err)
	}
	return p, nil
}

func (r *Resolver) profileKey(id ids.ID) ([]byte, error) {
	p, err := r.profile(id)
	if err != nil || p == nil {
		return nil, err
	}
	return p.ProfileKey, nil
}

func (r *Resolver) writeProfileKey(id ids.ID, key []byte) error {
	p := &profile{AccountID: r.self[:], Identity: id[:], ProfileKey: key}
	if _, err := r.db.Tx.NamedExec("INSERT INTO _profiles (account_id, identity, profile_key) VALUES (:account_id, :identity, :profile_key) ON CONFLICT(account_id, identity) DO UPDATE SET profile_key = excluded.profile_key", p); err != nil {
		return fmt.Errorf("profilekeys: error writing profile key: %w", err)
	}
	return nil
}
