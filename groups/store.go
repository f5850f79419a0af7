package groups

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
)

// Group is the cached copy of one group for one account.
type Group struct {
	AccountID       ids.ID
	ID              GroupID
	MasterKey       [32]byte
	Revision        uint32
	State           *State
	DistributionID  *uuid.UUID
	LastAvatarFetch uint32
}

type group struct {
	AccountID       []byte  `db:"account_id"`
	GroupID         []byte  `db:"group_id"`
	MasterKey       []byte  `db:"master_key"`
	Revision        uint32  `db:"revision"`
	State           []byte  `db:"state"`
	DistributionID  *[]byte `db:"distribution_id"`
	LastAvatarFetch uint32  `db:"last_avatar_fetch"`
}

func (g *group) decode() (*Group, error) {
	state := &State{}
	if err := codec.Unmarshal(g.State, state); err != nil {
		return nil, fmt.Errorf("groups: error decoding state: %w", err)
	}
	out := &Group{
		AccountID:       ids.ID(g.AccountID),
		ID:              GroupID(g.GroupID),
		MasterKey:       [32]byte(g.MasterKey),
		Revision:        g.Revision,
		State:           state,
		LastAvatarFetch: g.LastAvatarFetch,
	}
	if g.DistributionID != nil {
		id, err := uuid.FromBytes(*g.DistributionID)
		if err != nil {
			return nil, fmt.Errorf("groups: error decoding distribution id: %w", err)
		}
		out.DistributionID = &id
	}
	return out, nil
}

// Store owns the group table shared by every account. Methods ending in NoLock run in the caller's
// transaction.
type Store struct {
	db *db.Database
}

func NewStore(d *db.Database) (*Store, error) {
	if err := d.Migrate("_groups", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _groups (
						account_id BLOB NOT NULL,
						group_id BLOB NOT NULL,
						master_key BLOB NOT NULL,
						revision INTEGER NOT NULL,
						state BLOB NOT NULL,
						distribution_id BLOB,
						last_avatar_fetch INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (account_id, group_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("groups: error migrating: %w", err)
	}
	return &Store{db: d}, nil
}

func (s *Store) Group(accountID ids.ID, id GroupID) (*Group, error) {
	var g *Group
	err := s.db.RunReadOnly("get group", func() error {
		var err error
		g, err = s.GroupNoLock(accountID, id)
		return err
	})
	return g, err
}

func (s *Store) Groups(accountID ids.ID) ([]*Group, error) {
	var out []*Group
	err := s.db.RunReadOnly("list groups", func() error {
		var rows []*group
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _groups WHERE account_id = $1 ORDER BY group_id", accountID[:]); err != nil {
			return fmt.Errorf("groups: error listing groups: %w", err)
		}
		for _, r := range rows {
			g, err := r.decode()
			if err != nil {
				return err
			}
			out = append(out, g)
		}
		return nil
	})
	return out, err
}

// GroupNoLock returns nil when no row exists.
func (s *Store) GroupNoLock(accountID ids.ID, id GroupID) (*Group, error) {
	g := &group{}
	if err := s.db.Tx.Get(g, "SELECT * FROM _groups WHERE account_id = $1 AND group_id = $2", accountID[:], id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("groups: error getting group: %w", err)
	}
	return g.decode()
}

// UpsertNoLock writes state unless the stored revision is newer. It returns the row as stored afterwards.
func (s *Store) UpsertNoLock(accountID ids.ID, params *SecretParams, state *State) (*Group, error) {
	b, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("groups: error encoding state: %w", err)
	}
	row := &group{
		AccountID: accountID[:],
		GroupID:   params.ID[:],
		MasterKey: params.MasterKey[:],
		Revision:  state.Revision,
		State:     b,
	}
	if _, err := s.db.Tx.NamedExec(`INSERT INTO _groups (account_id, group_id, master_key, revision, state) VALUES (:account_id, :group_id, :master_key, :revision, :state)
		ON CONFLICT(account_id, group_id) DO UPDATE SET revision = excluded.revision, state = excluded.state
		WHERE excluded.revision >= _groups.revision`, row); err != nil {
		return nil, fmt.Errorf("groups: error upserting group: %w", err)
	}
	return s.GroupNoLock(accountID, params.ID)
}

func (s *Store) DeleteNoLock(accountID ids.ID, id GroupID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _groups WHERE account_id = $1 AND group_id = $2", accountID[:], id[:]); err != nil {
		return fmt.Errorf("groups: error deleting group: %w", err)
	}
	return nil
}

func (s *Store) PurgeNoLock(accountID ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _groups WHERE account_id = $1", accountID[:]); err != nil {
		return fmt.Errorf("groups: error purging groups: %w", err)
	}
	return nil
}

// DistributionID returns the sender key distribution id for the group, creating one on first use.
func (s *Store) DistributionID(accountID ids.ID, id GroupID) (uuid.UUID, error) {
	var out uuid.UUID
	err := s.db.Run("get distribution id", func() error {
		g, err := s.GroupNoLock(accountID, id)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("groups: no group %x", id[:])
		}
		if g.DistributionID != nil {
			out = *g.DistributionID
			return nil
		}
		out = uuid.New()
		if _, err := s.db.Tx.Exec("UPDATE _groups SET distribution_id = $1 WHERE account_id = $2 AND group_id = $3", out[:], accountID[:], id[:]); err != nil {
			return fmt.Errorf("groups: error setting distribution id: %w", err)
		}
		return nil
	})
	return out, err
}

// SetLastAvatarFetch records the revision whose avatar was downloaded. It never moves backwards.
func (s *Store) SetLastAvatarFetch(accountID ids.ID, id GroupID, revision uint32) error {
	return s.db.Run("set last avatar fetch", func() error {
		if _, err := s.db.Tx.Exec("UPDATE _groups SET last_avatar_fetch = $1 WHERE account_id = $2 AND group_id = $3 AND last_avatar_fetch < $1", revision, accountID[:], id[:]); err != nil {
			return fmt.Errorf("groups: error setting last avatar fetch: %w", err)
		}
		return nil
	})
}
