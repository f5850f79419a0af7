package main

import (
	"context"
	"errors"

	"github.com/meow-io/go-mirror/account"
	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/credentials"
	"github.com/meow-io/go-mirror/groups"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/ingest"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/transport/heya"
	heya_client "github.com/meow-io/heya/client"
)

var errOffline = errors.New("mirrord: no group or credential server is configured")

// offline stands in for the group and credential servers when the daemon runs without them. Reconciling
// and committing fail with errOffline while envelopes keep flowing from the mailbox.
type offline struct{}

func (offline) GetGroup(context.Context, *groups.SecretParams, []byte) (*groups.State, error) {
	return nil, errOffline
}

func (offline) GetGroupHistoryPage(context.Context, *groups.SecretParams, uint32, bool, []byte) (*groups.HistoryPage, error) {
	return nil, errOffline
}

func (offline) PatchGroup(context.Context, *groups.SecretParams, *groups.Change, []byte) (*groups.Change, error) {
	return nil, errOffline
}

func (offline) OpenChange(*groups.SecretParams, []byte) (*groups.Change, error) {
	return nil, errOffline
}

func (offline) GetCredentials(context.Context, ids.ID, clock.Day, clock.Day) (map[clock.Day][]byte, error) {
	return nil, errOffline
}

// services receives every account's envelopes through one heya connection.
type services struct {
	config    *config.Config
	client    *heya_client.Client
	mux       *heya.Mux
	mailboxes *heya.Mailboxes
}

func newServices(c *config.Config, client *heya_client.Client) *services {
	return &services{config: c, client: client, mux: heya.NewMux(c, client)}
}

func (s *services) Open(d *db.Database) error {
	mailboxes, err := heya.NewMailboxes(s.config, d)
	if err != nil {
		return err
	}
	s.mailboxes = mailboxes
	s.mux.Start()
	return nil
}

func (s *services) GroupServer(*account.Account) groups.Server { return offline{} }

func (s *services) ChangeOpener(*account.Account) groups.ChangeOpener { return offline{} }

func (s *services) CredentialServer(*account.Account) credentials.Server { return offline{} }

func (s *services) Transport(ctx context.Context, a *account.Account) (ingest.Transport, error) {
	mailbox, err := s.mailboxes.Open(ctx, s.client, a.ID)
	if err != nil {
		return nil, err
	}
	return heya.New(s.config, s.mailboxes, s.mux, mailbox)
}

func (s *services) Mailbox(accountID ids.ID) (*heya.Mailbox, error) {
	return s.mailboxes.Get(accountID)
}

func (s *services) PurgeNoLock(accountID ids.ID) error {
	return s.mailboxes.PurgeNoLock(accountID)
}

func (s *services) Shutdown() error {
	s.mux.Shutdown()
	s.client.Close()
	return nil
}
