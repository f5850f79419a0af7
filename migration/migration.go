// Defines a single schema migration applied by the database migrator. Migrations are applied in order
// and recorded per subsystem, so a list may only ever be appended to.
package migration

import (
	"database/sql"
	"strings"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

// String is the version recorded in the migrations table.
func (m *Migration) String() string {
	return strings.ReplaceAll(m.Name, "'", "")
}
