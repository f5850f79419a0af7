package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
	"go.uber.org/zap"
)

type jobRow struct {
	ID        []byte `db:"id"`
	AccountID []byte `db:"account_id"`
	Kind      string `db:"kind"`
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// SQLQueue keeps jobs in the mirror database until the runner claims them.
type SQLQueue struct {
	db  *db.Database
	log *zap.SugaredLogger
}

func NewSQLQueue(c *config.Config, d *db.Database) (*SQLQueue, error) {
	if err := d.Migrate("_jobs", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _jobs (
						id BLOB PRIMARY KEY,
						account_id BLOB NOT NULL,
						kind TEXT NOT NULL,
						payload BLOB NOT NULL,
						created_at INTEGER NOT NULL
					);
					CREATE INDEX jobs_account_created on _jobs (account_id, created_at);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("jobs: error migrating: %w", err)
	}
	return &SQLQueue{db: d, log: c.Logger("jobs/sql")}, nil
}

func (q *SQLQueue) Enqueue(_ context.Context, jobs ...*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return q.db.Run(fmt.Sprintf("enqueue %d jobs", len(jobs)), func() error {
		for _, j := range jobs {
			row := &jobRow{
				ID:        j.ID[:],
				AccountID: j.AccountID[:],
				Kind:      string(j.Kind),
				Payload:   j.Payload,
				CreatedAt: j.CreatedAt.UnixMicro(),
			}
			if _, err := q.db.Tx.NamedExec("INSERT INTO _jobs (id, account_id, kind, payload, created_at) VALUES (:id, :account_id, :kind, :payload, :created_at) ON CONFLICT(id) DO NOTHING", row); err != nil {
				return fmt.Errorf("jobs: error inserting job: %w", err)
			}
			q.log.Debugf("enqueued %s job %s", j.Kind, j.ID)
		}
		return nil
	})
}

// Claim removes and returns up to limit of the oldest jobs for an account.
func (q *SQLQueue) Claim(_ context.Context, accountID ids.ID, limit int) ([]*Job, error) {
	var jobs []*Job
	err := q.db.Run("claim jobs", func() error {
		var rows []*jobRow
		if err := q.db.Tx.Select(&rows, "SELECT * FROM _jobs WHERE account_id = $1 ORDER BY created_at, id LIMIT $2", accountID[:], limit); err != nil {
			return fmt.Errorf("jobs: error selecting jobs: %w", err)
		}
		for _, r := range rows {
			if _, err := q.db.Tx.Exec("DELETE FROM _jobs WHERE id = $1", r.ID); err != nil {
				return fmt.Errorf("jobs: error deleting job: %w", err)
			}
			id, err := uuid.FromBytes(r.ID)
			if err != nil {
				return err
			}
			account, err := ids.IDFromBytes(r.AccountID)
			if err != nil {
				return err
			}
			jobs = append(jobs, &Job{ID: id, AccountID: account, Kind: Kind(r.Kind), Payload: r.Payload, CreatedAt: time.UnixMicro(r.CreatedAt)})
		}
		return nil
	})
	return jobs, err
}

func (q *SQLQueue) Purge(_ context.Context, accountID ids.ID) error {
	return q.db.Run("purge jobs", func() error {
		if _, err := q.db.Tx.Exec("DELETE FROM _jobs WHERE account_id = $1", accountID[:]); err != nil {
			return fmt.Errorf("jobs: error purging jobs: %w", err)
		}
		return nil
	})
}
