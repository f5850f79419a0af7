package ingest

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
	"github.com/meow-io/go-mirror/protocol"
)

// State is how far a stored envelope got before the process last stopped.
type State uint8

const (
	StateReceived State = iota
	StateDecrypted
	StateDispatched
)

// fault codes persisted for envelopes which were dispatched as failures, so a replay hands the handler the
// same kind of error.
const (
	faultNone uint8 = iota
	faultNoSession
	faultInvalidKeyID
	faultInvalidMessage
	faultUntrustedIdentity
	faultOther
)

var faultKinds = map[uint8]error{
	faultNoSession:         protocol.ErrNoSession,
	faultInvalidKeyID:      protocol.ErrInvalidKeyID,
	faultInvalidMessage:    protocol.ErrInvalidMessage,
	faultUntrustedIdentity: protocol.ErrUntrustedIdentity,
}

// StoredEnvelope is one inbound envelope that has not been fully processed. Optional strings are stored as
// the empty string when absent. Integers are fixed width and timestamps are milliseconds.
type StoredEnvelope struct {
	ID              int64  `db:"id"`
	AccountID       []byte `db:"account_id"`
	Type            int32  `db:"type"`
	SourceUUID      string `db:"source_uuid"`
	SourceE164      string `db:"source_e164"`
	SourceDevice    uint32 `db:"source_device"`
	Timestamp       int64  `db:"timestamp"`
	Content         []byte `db:"content"`
	LegacyMessage   []byte `db:"legacy_message"`
	ServerReceived  int64  `db:"server_received"`
	ServerDelivered int64  `db:"server_delivered"`
	ServerGUID      string `db:"server_guid"`
	State           State  `db:"state"`
	Decrypted       []byte `db:"decrypted"`
	FaultCode       uint8  `db:"fault_code"`
	FaultText       string `db:"fault_text"`
}

func newStoredEnvelope(accountID ids.ID, env *protocol.Envelope) *StoredEnvelope {
	s := &StoredEnvelope{
		AccountID:       accountID[:],
		Type:            int32(env.Type),
		SourceE164:      env.SourceE164,
		SourceDevice:    env.SourceDevice,
		Timestamp:       int64(env.Timestamp),
		Content:         env.Content,
		LegacyMessage:   env.LegacyMessage,
		ServerReceived:  int64(env.ServerReceived),
		ServerDelivered: int64(env.ServerDelivered),
		ServerGUID:      env.ServerGUID,
	}
	if !env.Source.IsNil() {
		s.SourceUUID = env.Source.String()
	}
	return s
}

func (s *StoredEnvelope) Source() (ids.ID, bool) {
	if s.SourceUUID == "" {
		return ids.Nil, false
	}
	id, err := ids.Parse(s.SourceUUID)
	if err != nil {
		return ids.Nil, false
	}
	return id, true
}

func (s *StoredEnvelope) E164() (string, bool) {
	return s.SourceE164, s.SourceE164 != ""
}

func (s *StoredEnvelope) GUID() (string, bool) {
	return s.ServerGUID, s.ServerGUID != ""
}

// Envelope rebuilds the envelope exactly as it was received.
func (s *StoredEnvelope) Envelope() *protocol.Envelope {
	source, _ := s.Source()
	return &protocol.Envelope{
		Type:            protocol.EnvelopeType(s.Type),
		Source:          source,
		SourceE164:      s.SourceE164,
		SourceDevice:    s.SourceDevice,
		Timestamp:       uint64(s.Timestamp),
		Content:         s.Content,
		LegacyMessage:   s.LegacyMessage,
		ServerReceived:  uint64(s.ServerReceived),
		ServerDelivered: uint64(s.ServerDelivered),
		ServerGUID:      s.ServerGUID,
	}
}

// decrypted returns the content persisted when the envelope was decrypted, if any.
func (s *StoredEnvelope) decrypted() (*protocol.Content, error) {
	if len(s.Decrypted) == 0 {
		return nil, nil
	}
	content := &protocol.Content{}
	if err := codec.Unmarshal(s.Decrypted, content); err != nil {
		return nil, fmt.Errorf("ingest: error decoding stored content: %w", err)
	}
	return content, nil
}

// fault returns the error the envelope was dispatched with, if any.
func (s *StoredEnvelope) fault() error {
	if s.FaultCode == faultNone {
		return nil
	}
	if kind, ok := faultKinds[s.FaultCode]; ok {
		env := s.Envelope()
		return &protocol.DecryptionError{Kind: kind, Sender: env.Sender(), Timestamp: env.Timestamp, Type: env.Type, Ciphertext: env.Ciphertext()}
	}
	return fmt.Errorf("ingest: %s", s.FaultText)
}

func faultCode(err error) (uint8, string) {
	if err == nil {
		return faultNone, ""
	}
	for code, kind := range faultKinds {
		if errors.Is(err, kind) {
			return code, ""
		}
	}
	return faultOther, err.Error()
}

// EnvelopeStore owns the envelope table shared by every account.
type EnvelopeStore struct {
	db *db.Database
}

func NewEnvelopeStore(d *db.Database) (*EnvelopeStore, error) {
	if err := d.Migrate("_envelopes", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _envelopes (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						account_id BLOB NOT NULL,
						type INTEGER NOT NULL,
						source_uuid TEXT NOT NULL DEFAULT '',
						source_e164 TEXT NOT NULL DEFAULT '',
						source_device INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						content BLOB,
						legacy_message BLOB,
						server_received INTEGER NOT NULL,
						server_delivered INTEGER NOT NULL,
						server_guid TEXT NOT NULL DEFAULT '',
						state INTEGER NOT NULL DEFAULT 0,
						decrypted BLOB,
						fault_code INTEGER NOT NULL DEFAULT 0,
						fault_text TEXT NOT NULL DEFAULT ''
					);
					CREATE INDEX envelopes_account_id ON _envelopes (account_id, id);
					CREATE UNIQUE INDEX envelopes_guid ON _envelopes (account_id, server_guid) WHERE server_guid != '';
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("ingest: error migrating: %w", err)
	}
	return &EnvelopeStore{db: d}, nil
}

// Insert persists env for the account. An envelope redelivered with a server guid that is still stored
// returns the existing row.
func (s *EnvelopeStore) Insert(accountID ids.ID, env *protocol.Envelope) (*StoredEnvelope, error) {
	var out *StoredEnvelope
	err := s.db.Run("insert envelope", func() error {
		if env.ServerGUID != "" {
			existing, err := s.byGUIDNoLock(accountID, env.ServerGUID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}
		row := newStoredEnvelope(accountID, env)
		res, err := s.db.Tx.NamedExec(`INSERT INTO _envelopes (account_id, type, source_uuid, source_e164, source_device, timestamp, content, legacy_message, server_received, server_delivered, server_guid)
			VALUES (:account_id, :type, :source_uuid, :source_e164, :source_device, :timestamp, :content, :legacy_message, :server_received, :server_delivered, :server_guid)`, row)
		if err != nil {
			return fmt.Errorf("ingest: error inserting envelope: %w", err)
		}
		if row.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		out = row
		return nil
	})
	return out, err
}

func (s *EnvelopeStore) byGUIDNoLock(accountID ids.ID, guid string) (*StoredEnvelope, error) {
	row := &StoredEnvelope{}
	if err := s.db.Tx.Get(row, "SELECT * FROM _envelopes WHERE account_id = $1 AND server_guid = $2", accountID[:], guid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ingest: error getting envelope: %w", err)
	}
	return row, nil
}

// Oldest returns the first envelope still stored for the account, or nil.
func (s *EnvelopeStore) Oldest(accountID ids.ID) (*StoredEnvelope, error) {
	var out *StoredEnvelope
	err := s.db.RunReadOnly("oldest envelope", func() error {
		row := &StoredEnvelope{}
		if err := s.db.Tx.Get(row, "SELECT * FROM _envelopes WHERE account_id = $1 ORDER BY id LIMIT 1", accountID[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("ingest: error getting oldest envelope: %w", err)
		}
		out = row
		return nil
	})
	return out, err
}

func (s *EnvelopeStore) Count(accountID ids.ID) (int, error) {
	var count int
	err := s.db.RunReadOnly("count envelopes", func() error {
		return s.db.Tx.Get(&count, "SELECT count(*) FROM _envelopes WHERE account_id = $1", accountID[:])
	})
	return count, err
}

// MarkDecryptedNoLock records the decrypted content and must run in the transaction that advanced the
// session.
func (s *EnvelopeStore) MarkDecryptedNoLock(id int64, content []byte) error {
	if _, err := s.db.Tx.Exec("UPDATE _envelopes SET state = $1, decrypted = $2 WHERE id = $3", StateDecrypted, content, id); err != nil {
		return fmt.Errorf("ingest: error marking envelope decrypted: %w", err)
	}
	return nil
}

// MarkDispatched records that every side effect of the envelope was handed off, along with the error the
// handler is to receive.
func (s *EnvelopeStore) MarkDispatched(id int64, fault error) error {
	code, text := faultCode(fault)
	return s.db.Run("mark envelope dispatched", func() error {
		if _, err := s.db.Tx.Exec("UPDATE _envelopes SET state = $1, fault_code = $2, fault_text = $3 WHERE id = $4", StateDispatched, code, text, id); err != nil {
			return fmt.Errorf("ingest: error marking envelope dispatched: %w", err)
		}
		return nil
	})
}

func (s *EnvelopeStore) Delete(id int64) error {
	return s.db.Run("delete envelope", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _envelopes WHERE id = $1", id); err != nil {
			return fmt.Errorf("ingest: error deleting envelope: %w", err)
		}
		return nil
	})
}

// PurgeNoLock deletes every envelope of an account and must run inside a transaction.
func (s *EnvelopeStore) PurgeNoLock(accountID ids.ID) error {
	if _, err := s.db.Tx.Exec("DELETE FROM _envelopes WHERE account_id = $1", accountID[:]); err != nil {
		return fmt.Errorf("ingest: error purging envelopes: %w", err)
	}
	return nil
}
