package db

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/migration"
	"go.uber.org/zap"
)

// migrator applies the migrations of one subsystem and records each applied version in
// _migrations_<name>. Each migration runs in its own transaction.
type migrator struct {
	db         *Database
	name       string
	tableName  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, name string, migrations []*migration.Migration, lock bool) (*migrator, error) {
	if name == "" {
		return nil, fmt.Errorf("migrator: name required")
	}
	return &migrator{
		db:         db,
		log:        c.Logger("db/migrator" + name),
		name:       name,
		tableName:  fmt.Sprintf("_migrations%s", name),
		migrations: migrations,
		lock:       lock,
	}, nil
}

func (m *migrator) migrate() error {
	var applied int
	if err := m.run(fmt.Sprintf("prepare %s migrator", m.name), func() error {
		if _, err := m.db.Tx.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INT8 NOT NULL PRIMARY KEY,
			version VARCHAR(255) NOT NULL
		)`, m.tableName)); err != nil {
			return err
		}
		if err := m.db.Tx.Get(&applied, fmt.Sprintf("SELECT count(*) FROM %s", m.tableName)); err != nil {
			return err
		}
		if applied > len(m.migrations) {
			return fmt.Errorf("migrator: %d migrations applied to %s but only %d defined", applied, m.name, len(m.migrations))
		}
		return nil
	}); err != nil {
		return err
	}

	for i := applied; i < len(m.migrations); i++ {
		if err := m.apply(i, m.migrations[i]); err != nil {
			return fmt.Errorf("migrator: error while running migrations: %w", err)
		}
	}
	return nil
}

func (m *migrator) apply(idx int, mig *migration.Migration) error {
	return m.run(mig.String(), func() error {
		m.log.Debugf("applying migration named '%s'...", mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing migration %s: %w", mig.Name, err)
		}
		if _, err := m.db.Tx.Exec(fmt.Sprintf("INSERT INTO %s (id, version) VALUES (?, ?)", m.tableName), idx, mig.String()); err != nil {
			return fmt.Errorf("error updating migration versions: %w", err)
		}
		m.log.Debugf("applied migration named '%s'", mig.Name)
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
