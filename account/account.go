// This package records the accounts mirrored by the daemon. Registering or linking an account with the
// server happens elsewhere; this package keeps what the rest of the mirror needs to act as that account.
package account

import (
	crypto_rand "crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/crypto"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
)

// registration ids are 14 bit and never zero.
const maxRegistrationID = 16380

var ErrExists = errors.New("account: account already exists")

type Account struct {
	ID              ids.ID
	E164            string
	DeviceID        uint32
	RegistrationID  uint32
	IdentityPublic  []byte
	IdentityPrivate []byte
	MultiDevice     bool
}

// Phone returns the account's phone number, if it has one.
func (a *Account) Phone() (string, bool) {
	return a.E164, a.E164 != ""
}

type account struct {
	ID              []byte `db:"id"`
	E164            string `db:"e164"`
	DeviceID        uint32 `db:"device_id"`
	RegistrationID  uint32 `db:"registration_id"`
	IdentityPublic  []byte `db:"identity_public"`
	IdentityPrivate []byte `db:"identity_private"`
	MultiDevice     bool   `db:"multi_device"`
}

func (a *account) decode() (*Account, error) {
	id, err := ids.IDFromBytes(a.ID)
	if err != nil {
		return nil, fmt.Errorf("account: error decoding id: %w", err)
	}
	return &Account{
		ID:              id,
		E164:            a.E164,
		DeviceID:        a.DeviceID,
		RegistrationID:  a.RegistrationID,
		IdentityPublic:  a.IdentityPublic,
		IdentityPrivate: a.IdentityPrivate,
		MultiDevice:     a.MultiDevice,
	}, nil
}

type Store struct {
	db *db.Database
}

func NewStore(d *db.Database) (*Store, error) {
	if err := d.Migrate("_accounts", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _accounts (
						id BLOB PRIMARY KEY,
						e164 TEXT NOT NULL DEFAULT '',
						device_id INTEGER NOT NULL,
						registration_id INTEGER NOT NULL,
						identity_public BLOB NOT NULL,
						identity_private BLOB NOT NULL,
						multi_device INTEGER NOT NULL DEFAULT 0
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("account: error migrating: %w", err)
	}
	return &Store{db: d}, nil
}

// Create records an account the server already knows as id, generating its identity key pair and
// registration id.
func (s *Store) Create(id ids.ID, e164 string, deviceID uint32, multiDevice bool) (*Account, error) {
	public, private, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("account: error generating identity: %w", err)
	}
	registrationID, err := newRegistrationID()
	if err != nil {
		return nil, err
	}
	a := &Account{
		ID:              id,
		E164:            e164,
		DeviceID:        deviceID,
		RegistrationID:  registrationID,
		IdentityPublic:  public,
		IdentityPrivate: private,
		MultiDevice:     multiDevice,
	}
	err = s.db.Run("create account", func() error {
		var count int
		if err := s.db.Tx.Get(&count, "SELECT count(*) FROM _accounts WHERE id = $1", id[:]); err != nil {
			return fmt.Errorf("account: error checking account: %w", err)
		}
		if count != 0 {
			return ErrExists
		}
		if _, err := s.db.Tx.NamedExec(`INSERT INTO _accounts (id, e164, device_id, registration_id, identity_public, identity_private, multi_device)
			VALUES (:id, :e164, :device_id, :registration_id, :identity_public, :identity_private, :multi_device)`, &account{
			ID:              id[:],
			E164:            e164,
			DeviceID:        deviceID,
			RegistrationID:  registrationID,
			IdentityPublic:  public,
			IdentityPrivate: private,
			MultiDevice:     multiDevice,
		}); err != nil {
			return fmt.Errorf("account: error inserting account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns the account or nil.
func (s *Store) Get(id ids.ID) (*Account, error) {
	var out *Account
	err := s.db.RunReadOnly("get account", func() error {
		row := &account{}
		if err := s.db.Tx.Get(row, "SELECT * FROM _accounts WHERE id = $1", id[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("account: error getting account: %w", err)
		}
		var err error
		out, err = row.decode()
		return err
	})
	return out, err
}

func (s *Store) List() ([]*Account, error) {
	var out []*Account
	err := s.db.RunReadOnly("list accounts", func() error {
		var rows []*account
		if err := s.db.Tx.Select(&rows, "SELECT * FROM _accounts ORDER BY id"); err != nil {
			return fmt.Errorf("account: error listing accounts: %w", err)
		}
		for _, row := range rows {
			a, err := row.decode()
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

// DeleteNoLock removes the account row and must run inside a transaction.
func (s *Store) DeleteNoLock(id ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _accounts WHERE id = $1", id[:]); err != nil {
		return fmt.Errorf("account: error deleting account: %w", err)
	}
	return nil
}

func newRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := crypto_rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("account: error generating registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}
