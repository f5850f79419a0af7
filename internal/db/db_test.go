package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/migration"
	"github.com/stretchr/testify/require"
)

var key = make([]byte, 32)

func newOpenDatabase(t *testing.T) *Database {
	id := ids.NewID()
	path := fmt.Sprintf("%s/test-%x", t.TempDir(), id[:])
	d, err := NewDatabase(config.NewConfig(config.WithRootDir(t.TempDir())), path)
	require.Nil(t, err)
	require.True(t, d.New())
	require.Nil(t, d.Initialize(key))
	require.Nil(t, d.Open(key))
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func TestMigrateIsIncremental(t *testing.T) {
	require := require.New(t)
	d := newOpenDatabase(t)

	first := &migration.Migration{Name: "create", Func: func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
		return err
	}}
	second := &migration.Migration{Name: "seed", Func: func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO things (name) VALUES ('one')")
		return err
	}}
	require.Nil(d.Migrate("_things", []*migration.Migration{first}))
	require.Nil(d.Migrate("_things", []*migration.Migration{first, second}))
	require.Nil(d.Migrate("_things", []*migration.Migration{first, second}))

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(1, count)

	require.Error(d.Migrate("_things", []*migration.Migration{first}))
}

func TestRunRollsBack(t *testing.T) {
	require := require.New(t)
	d := newOpenDatabase(t)
	require.Nil(d.Migrate("_things", []*migration.Migration{{Name: "create", Func: func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE things (id INTEGER PRIMARY KEY)")
		return err
	}}}))

	boom := errors.New("boom")
	err := d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO things (id) VALUES (1)"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(err, boom)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM things")
	}))
	require.Equal(0, count)
}

func TestAfterCommitOnlyOnSuccess(t *testing.T) {
	require := require.New(t)
	d := newOpenDatabase(t)
	done := make(chan bool, 2)
	require.Nil(d.Run("ok", func() error {
		d.AfterCommit(func() { done <- true })
		return nil
	}))
	require.True(<-done)

	require.Error(d.Run("fail", func() error {
		d.AfterCommit(func() { done <- false })
		return errors.New("nope")
	}))
	require.Len(done, 0)
}

func TestOpenRequiresKeyLength(t *testing.T) {
	require := require.New(t)
	path := fmt.Sprintf("%s/short", t.TempDir())
	d, err := NewDatabase(config.NewConfig(config.WithRootDir(os.TempDir())), path)
	require.Nil(err)
	require.Error(d.Initialize([]byte{1}))
}
