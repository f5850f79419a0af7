// Package heya receives envelopes for an account from a heya mailbox server.
//
// Each account owns one mailbox: a send token issued by the server and a nacl key pair. Senders seal an
// envelope to the mailbox public key and push it under the send token. The server numbers pushed frames
// and keeps them until they are trimmed, which is what lets the receive side acknowledge only after the
// envelope is persisted locally.
package heya

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const (
	HeyaScheme  = "heya"
	DefaultPort = heya_client.DefaultPort

	tokenLifetime = time.Hour * 24 * 365
)

type ParsedURL struct {
	Host        string
	Port        int
	PublicBytes [32]byte
	SendToken   [32]byte
}

func (pu *ParsedURL) URL() string {
	return fmt.Sprintf("heya://%s:%d/%s/%s",
		pu.Host,
		pu.Port,
		base64.RawURLEncoding.EncodeToString(pu.PublicBytes[:]),
		base64.RawURLEncoding.EncodeToString(pu.SendToken[:]))
}

func ParseURL(u string) (*ParsedURL, error) {
	pu, err := url.Parse(u)
	if err != nil {
		return nil, err
	}
	if pu.Scheme != HeyaScheme {
		return nil, fmt.Errorf("heya: expected scheme %s, got %s", HeyaScheme, pu.Scheme)
	}

	parts := strings.Split(pu.Path, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("heya: expected two path segments, got %d", len(parts)-1)
	}
	publicKeyBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	sendTokenBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	if len(publicKeyBytes) != 32 {
		return nil, fmt.Errorf("heya: expected public key length 32, got %d", len(publicKeyBytes))
	}
	if len(sendTokenBytes) != 32 {
		return nil, fmt.Errorf("heya: expected send token length 32, got %d", len(sendTokenBytes))
	}

	parsed := &ParsedURL{Host: pu.Hostname(), Port: DefaultPort}
	copy(parsed.PublicBytes[:], publicKeyBytes)
	copy(parsed.SendToken[:], sendTokenBytes)
	if pu.Port() != "" {
		port, err := strconv.ParseUint(pu.Port(), 10, 16)
		if err != nil {
			return nil, err
		}
		parsed.Port = int(port)
	}
	return parsed, nil
}

// Mailbox is the receiving end of one account. NextSeq is the first frame that has not been persisted.
type Mailbox struct {
	AccountID      []byte `db:"account_id"`
	Host           string `db:"host"`
	Port           int    `db:"port"`
	SendToken      []byte `db:"send_token"`
	PrivateKeyNacl []byte `db:"private_key_nacl"`
	ExpiresAt      uint64 `db:"expires_at"`
	NextSeq        uint64 `db:"next_seq"`
}

func (m *Mailbox) publicKeyNacl() []byte {
	var privateKey [32]byte
	copy(privateKey[:], m.PrivateKeyNacl)
	return scalarmult.Base(&privateKey)[:]
}

// URL is what senders need to seal and push envelopes to this mailbox.
func (m *Mailbox) URL() string {
	pu := &ParsedURL{Host: m.Host, Port: m.Port}
	copy(pu.PublicBytes[:], m.publicKeyNacl())
	copy(pu.SendToken[:], m.SendToken)
	return pu.URL()
}

// guidPrefix names the mailbox in server guids assigned to envelopes that arrive without one.
func (m *Mailbox) guidPrefix() string {
	return fmt.Sprintf("heya/%x", m.SendToken[:8])
}

// TokenMaker issues send tokens.
type TokenMaker interface {
	MakeSendToken(ctx context.Context, startTime time.Time, endTime time.Time) ([]byte, error)
}

// Mailboxes owns the mailbox table shared by every account.
type Mailboxes struct {
	config *config.Config
	db     *db.Database
	log    *zap.SugaredLogger
}

func NewMailboxes(c *config.Config, d *db.Database) (*Mailboxes, error) {
	if err := d.Migrate("_transport_heya", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _heya_mailboxes (
						account_id BLOB PRIMARY KEY,
						host TEXT NOT NULL,
						port INTEGER NOT NULL,
						send_token BLOB NOT NULL,
						private_key_nacl BLOB NOT NULL,
						expires_at INTEGER NOT NULL,
						next_seq INTEGER NOT NULL DEFAULT 0
					);
					CREATE UNIQUE INDEX heya_mailboxes_send_token ON _heya_mailboxes (send_token);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("heya: error migrating: %w", err)
	}
	return &Mailboxes{config: c, db: d, log: c.Logger("transport/heya/mailboxes")}, nil
}

// Open returns the account's mailbox, asking the server for a send token the first time.
func (m *Mailboxes) Open(ctx context.Context, tokens TokenMaker, accountID ids.ID) (*Mailbox, error) {
	existing, err := m.Get(accountID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	startTime := time.Now()
	endTime := startTime.Add(tokenLifetime)
	token, err := tokens.MakeSendToken(ctx, startTime, endTime)
	if err != nil {
		return nil, fmt.Errorf("heya: error making send token: %w", err)
	}
	key := nacl.NewKey()
	mb := &Mailbox{
		AccountID:      accountID[:],
		Host:           m.config.HeyaHost,
		Port:           m.config.HeyaPort,
		SendToken:      token,
		PrivateKeyNacl: key[:],
		ExpiresAt:      uint64(endTime.Unix()),
	}
	if err := m.db.Run("insert heya mailbox", func() error {
		_, err := m.db.Tx.NamedExec(`INSERT INTO _heya_mailboxes (account_id, host, port, send_token, private_key_nacl, expires_at, next_seq)
			VALUES (:account_id, :host, :port, :send_token, :private_key_nacl, :expires_at, :next_seq)`, mb)
		return err
	}); err != nil {
		return nil, fmt.Errorf("heya: error inserting mailbox: %w", err)
	}
	m.log.Infof("opened mailbox for %s on %s:%d", accountID, mb.Host, mb.Port)
	return mb, nil
}

// Get returns the account's mailbox or nil.
func (m *Mailboxes) Get(accountID ids.ID) (*Mailbox, error) {
	var out *Mailbox
	err := m.db.RunReadOnly("get heya mailbox", func() error {
		mb := &Mailbox{}
		if err := m.db.Tx.Get(mb, "SELECT * FROM _heya_mailboxes WHERE account_id = $1", accountID[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("heya: error getting mailbox: %w", err)
		}
		out = mb
		return nil
	})
	return out, err
}

// advance moves the persisted cursor forward. It never moves backwards.
func (m *Mailboxes) advance(accountID ids.ID, nextSeq uint64) error {
	return m.db.Run("advance heya mailbox", func() error {
		if _, err := m.db.Tx.Exec("UPDATE _heya_mailboxes SET next_seq = $1 WHERE account_id = $2 AND next_seq < $1", nextSeq, accountID[:]); err != nil {
			return fmt.Errorf("heya: error advancing mailbox: %w", err)
		}
		return nil
	})
}

// PurgeNoLock deletes the account's mailbox and must run inside a transaction.
func (m *Mailboxes) PurgeNoLock(accountID ids.ID) error {
	if _, err := m.db.Tx.Exec("DELETE FROM _heya_mailboxes WHERE account_id = $1", accountID[:]); err != nil {
		return fmt.Errorf("heya: error purging mailbox: %w", err)
	}
	return nil
}
