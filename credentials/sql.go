package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
)

type credential struct {
	AccountID  []byte `db:"account_id"`
	Day        uint32 `db:"day"`
	Credential []byte `db:"credential"`
}

type SQLStore struct {
	db *db.Database
}

func NewSQLStore(d *db.Database) (*SQLStore, error) {
	if err := d.Migrate("_credentials", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _credentials (
						account_id BLOB NOT NULL,
						day INTEGER NOT NULL,
						credential BLOB NOT NULL,
						PRIMARY KEY (account_id, day)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("credentials: error migrating: %w", err)
	}
	return &SQLStore{db: d}, nil
}

func (s *SQLStore) Get(_ context.Context, accountID ids.ID, day clock.Day) ([]byte, bool, error) {
	var cred []byte
	var found bool
	err := s.db.RunReadOnly("get credential", func() error {
		c := &credential{}
		if err := s.db.Tx.Get(c, "SELECT * FROM _credentials WHERE account_id = $1 AND day = $2", accountID[:], uint32(day)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		cred, found = c.Credential, true
		return nil
	})
	return cred, found, err
}

func (s *SQLStore) Put(_ context.Context, accountID ids.ID, credentials map[clock.Day][]byte) error {
	return s.db.Run("put credentials", func() error {
		for day, cred := range credentials {
			c := &credential{AccountID: accountID[:], Day: uint32(day), Credential: cred}
			if _, err := s.db.Tx.NamedExec("INSERT INTO _credentials (account_id, day, credential) VALUES (:account_id, :day, :credential) ON CONFLICT(account_id, day) DO NOTHING", c); err != nil {
				return fmt.Errorf("credentials: error inserting credential: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Purge(_ context.Context, accountID ids.ID) error {
	return s.db.Run("purge credentials", func() error {
		_, err := s.db.Tx.Exec("DELETE FROM _credentials WHERE account_id = $1", accountID[:])
		return err
	})
}
