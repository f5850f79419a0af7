package protocol

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/crypto"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/migration"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

const secretContext = "go-mirror 2024 prekey session secret"

type ratchetMessage struct {
	DH   []byte `cbor:"1,keyasint"`
	N    uint32 `cbor:"2,keyasint"`
	PN   uint32 `cbor:"3,keyasint"`
	Body []byte `cbor:"4,keyasint"`
}

type prekeyMessage struct {
	PreKeyID    uint32          `cbor:"1,keyasint"`
	Ephemeral   []byte          `cbor:"2,keyasint"`
	IdentityKey []byte          `cbor:"3,keyasint"`
	Message     *ratchetMessage `cbor:"4,keyasint"`
}

type sealedMessage struct {
	Ephemeral []byte `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint"`
}

type sealedInner struct {
	Sender Address      `cbor:"1,keyasint"`
	Type   EnvelopeType `cbor:"2,keyasint"`
	Body   []byte       `cbor:"3,keyasint"`
}

type session struct {
	ID               []byte  `db:"id"`
	AccountID        []byte  `db:"account_id"`
	Identity         []byte  `db:"identity"`
	Device           uint32  `db:"device"`
	PendingPreKeyID  *uint32 `db:"pending_prekey_id"`
	PendingEphemeral []byte  `db:"pending_ephemeral"`
}

type prekey struct {
	AccountID  []byte `db:"account_id"`
	ID         uint32 `db:"id"`
	PublicKey  []byte `db:"public_key"`
	PrivateKey []byte `db:"private_key"`
}

// Ratchets owns the session tables shared by every account.
type Ratchets struct {
	config *config.Config
	db     *db.Database
}

func NewRatchets(c *config.Config, d *db.Database) (*Ratchets, error) {
	if err := d.Migrate("_protocol", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(ratchetTables + `
					CREATE TABLE _protocol_sessions (
						id BLOB NOT NULL PRIMARY KEY,
						account_id BLOB NOT NULL,
						identity BLOB NOT NULL,
						device INTEGER NOT NULL,
						pending_prekey_id INTEGER,
						pending_ephemeral BLOB,
						UNIQUE (account_id, identity, device)
					);
					CREATE TABLE _protocol_identities (
						account_id BLOB NOT NULL,
						identity BLOB NOT NULL,
						identity_key BLOB NOT NULL,
						PRIMARY KEY (account_id, identity)
					);
					CREATE TABLE _protocol_prekeys (
						account_id BLOB NOT NULL,
						id INTEGER NOT NULL,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL,
						PRIMARY KEY (account_id, id)
					);
					CREATE TABLE _protocol_sender_keys (
						account_id BLOB NOT NULL,
						identity BLOB NOT NULL,
						device INTEGER NOT NULL,
						distribution_id BLOB NOT NULL,
						key BLOB NOT NULL,
						PRIMARY KEY (account_id, identity, device, distribution_id)
					);
					CREATE TABLE _protocol_seen (
						account_id BLOB NOT NULL,
						identity BLOB NOT NULL,
						device INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						PRIMARY KEY (account_id, identity, device, timestamp)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("protocol: error migrating: %w", err)
	}
	return &Ratchets{config: c, db: d}, nil
}

// Account returns the store of one account. identityPublic and identityPrivate are the account's curve25519
// identity key pair.
func (r *Ratchets) Account(accountID ids.ID, device uint32, identityPublic, identityPrivate []byte) *RatchetStore {
	return &RatchetStore{
		db:              r.db,
		accountID:       accountID,
		device:          device,
		identityPublic:  identityPublic,
		identityPrivate: identityPrivate,
		log:             r.config.Logger("protocol").With("account", accountID.String()),
	}
}

// PurgeNoLock deletes every session, identity, prekey and sender key of an account and must run inside a
// transaction.
func (r *Ratchets) PurgeNoLock(accountID ids.ID) error {
	for _, stmt := range []string{
		"DELETE FROM _ratchet_keys WHERE session_id IN (SELECT id FROM _protocol_sessions WHERE account_id = $1)",
		"DELETE FROM _ratchet_states WHERE id IN (SELECT id FROM _protocol_sessions WHERE account_id = $1)",
		"DELETE FROM _protocol_sessions WHERE account_id = $1",
		"DELETE FROM _protocol_identities WHERE account_id = $1",
		"DELETE FROM _protocol_prekeys WHERE account_id = $1",
		"DELETE FROM _protocol_sender_keys WHERE account_id = $1",
		"DELETE FROM _protocol_seen WHERE account_id = $1",
	} {
		if _, err := r.db.Tx.Exec(stmt, accountID[:]); err != nil {
			return fmt.Errorf("protocol: error purging account: %w", err)
		}
	}
	return nil
}

// RatchetStore is a double ratchet Store for one account. Sessions start from a one-time prekey, and the
// initiator keeps sending prekey messages until the first reply arrives.
type RatchetStore struct {
	db              *db.Database
	accountID       ids.ID
	device          uint32
	identityPublic  []byte
	identityPrivate []byte
	log             *zap.SugaredLogger
}

func (s *RatchetStore) Address() Address {
	return Address{Identity: s.accountID, Device: s.device}
}

func (s *RatchetStore) Decrypt(ctx context.Context, env *Envelope, commit func(*Content) error) (*Content, error) {
	var content *Content
	err := s.db.Run("decrypt envelope", func() error {
		c, err := s.decryptNoLock(env)
		if err != nil {
			return err
		}
		if commit != nil {
			if err := commit(c); err != nil {
				return err
			}
		}
		content = c
		return nil
	})
	if err != nil {
		var de *DecryptionError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, err
	}
	return content, nil
}

func (s *RatchetStore) decryptNoLock(env *Envelope) (*Content, error) {
	sender, typ, body := env.Sender(), env.Type, env.Ciphertext()
	fault := func(kind error) error {
		return &DecryptionError{Kind: kind, Sender: sender, Timestamp: env.Timestamp, Type: typ, Ciphertext: body}
	}

	if typ == TypeUnidentifiedSender {
		inner, err := s.unseal(body)
		if err != nil {
			s.log.Debugf("unable to unseal envelope at %d: %v", env.Timestamp, err)
			return nil, fault(ErrInvalidMessage)
		}
		sender, typ, body = inner.Sender, inner.Type, inner.Body
	}

	var seen int
	if err := s.db.Tx.Get(&seen, "SELECT count(*) FROM _protocol_seen WHERE account_id = $1 AND identity = $2 AND device = $3 AND timestamp = $4", s.accountID[:], sender.Identity[:], sender.Device, env.Timestamp); err != nil {
		return nil, fmt.Errorf("protocol: error checking for duplicate: %w", err)
	}
	if seen != 0 {
		return nil, fault(ErrDuplicateMessage)
	}

	var plaintext []byte
	var err error
	switch typ {
	case TypeCiphertext:
		plaintext, err = s.decryptCiphertext(sender, body)
	case TypePrekeyBundle:
		plaintext, err = s.decryptPrekey(sender, body)
	default:
		err = ErrInvalidMessage
	}
	if err != nil {
		for _, kind := range []error{ErrNoSession, ErrInvalidKeyID, ErrInvalidMessage, ErrUntrustedIdentity} {
			if errors.Is(err, kind) {
				s.log.Debugf("decryption fault from %s at %d: %v", sender, env.Timestamp, err)
				return nil, fault(kind)
			}
		}
		return nil, err
	}

	content := &Content{}
	if err := codec.Unmarshal(plaintext, content); err != nil {
		return nil, fault(ErrInvalidMessage)
	}
	content.Sender = sender
	content.Timestamp = env.Timestamp

	if _, err := s.db.Tx.Exec("INSERT INTO _protocol_seen (account_id, identity, device, timestamp) VALUES ($1, $2, $3, $4)", s.accountID[:], sender.Identity[:], sender.Device, env.Timestamp); err != nil {
		return nil, fmt.Errorf("protocol: error recording message: %w", err)
	}
	return content, nil
}

func (s *RatchetStore) decryptCiphertext(sender Address, body []byte) ([]byte, error) {
	sess, err := s.sessionNoLock(sender)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	msg := &ratchetMessage{}
	if err := codec.Unmarshal(body, msg); err != nil {
		return nil, ErrInvalidMessage
	}
	plaintext, err := s.ratchetDecrypt(sess.ID, msg)
	if err != nil {
		return nil, err
	}
	// the peer has answered, so it holds the session and prekey messages are no longer needed
	if sess.PendingPreKeyID != nil {
		if _, err := s.db.Tx.Exec("UPDATE _protocol_sessions SET pending_prekey_id = NULL, pending_ephemeral = NULL WHERE id = $1", sess.ID); err != nil {
			return nil, fmt.Errorf("protocol: error confirming session: %w", err)
		}
	}
	return plaintext, nil
}

func (s *RatchetStore) decryptPrekey(sender Address, body []byte) ([]byte, error) {
	msg := &prekeyMessage{}
	if err := codec.Unmarshal(body, msg); err != nil || msg.Message == nil {
		return nil, ErrInvalidMessage
	}
	trusted, err := s.isTrustedNoLock(sender.Identity, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, ErrUntrustedIdentity
	}

	pk := &prekey{}
	if err := s.db.Tx.Get(pk, "SELECT * FROM _protocol_prekeys WHERE account_id = $1 AND id = $2", s.accountID[:], msg.PreKeyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidKeyID
		}
		return nil, fmt.Errorf("protocol: error getting prekey: %w", err)
	}

	secret := deriveSecret(
		crypto.SharedKey(msg.Ephemeral, pk.PrivateKey),
		crypto.SharedKey(msg.IdentityKey, pk.PrivateKey),
	)
	id, err := s.replaceSessionNoLock(sender, nil, nil)
	if err != nil {
		return nil, err
	}
	pair := dhPair{privateKey: *crypto.SliceToKey(pk.PrivateKey), publicKey: *crypto.SliceToKey(pk.PublicKey)}
	if _, err := doubleratchet.New(id, secret[:], pair, &sessionStorage{db: s.db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, db: s.db})); err != nil {
		return nil, fmt.Errorf("protocol: error creating session: %w", err)
	}
	plaintext, err := s.ratchetDecrypt(id, msg.Message)
	if err != nil {
		return nil, err
	}
	if _, err := s.saveIdentityNoLock(sender.Identity, msg.IdentityKey); err != nil {
		return nil, err
	}
	if _, err := s.db.Tx.Exec("DELETE FROM _protocol_prekeys WHERE account_id = $1 AND id = $2", s.accountID[:], msg.PreKeyID); err != nil {
		return nil, fmt.Errorf("protocol: error consuming prekey: %w", err)
	}
	return plaintext, nil
}

func (s *RatchetStore) ratchetDecrypt(id []byte, msg *ratchetMessage) ([]byte, error) {
	sess, err := doubleratchet.Load(id, &sessionStorage{db: s.db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, db: s.db}))
	if err != nil {
		return nil, fmt.Errorf("protocol: error loading session: %w", err)
	}
	plaintext, err := sess.RatchetDecrypt(doubleratchet.Message{
		Header:     doubleratchet.MessageHeader{DH: msg.DH, N: msg.N, PN: msg.PN},
		Ciphertext: msg.Body,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return plaintext, nil
}

func (s *RatchetStore) unseal(body []byte) (*sealedInner, error) {
	sealed := &sealedMessage{}
	if err := codec.Unmarshal(body, sealed); err != nil {
		return nil, err
	}
	b, err := crypto.DecryptWithDH(sealed.Ephemeral, s.identityPrivate, sealed.Body, nil)
	if err != nil {
		return nil, err
	}
	inner := &sealedInner{}
	if err := codec.Unmarshal(b, inner); err != nil {
		return nil, err
	}
	return inner, nil
}

// Seal wraps an encrypted message for the holder of recipientIdentityKey so that only the recipient learns
// who sent it.
func Seal(recipientIdentityKey []byte, sender Address, typ EnvelopeType, body []byte) ([]byte, error) {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	inner, err := codec.Marshal(&sealedInner{Sender: sender, Type: typ, Body: body})
	if err != nil {
		return nil, err
	}
	enc, err := crypto.EncryptWithDH(recipientIdentityKey, priv, inner, nil)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(&sealedMessage{Ephemeral: pub, Body: enc})
}

func (s *RatchetStore) Encrypt(ctx context.Context, to Address, content *Content) (EnvelopeType, []byte, error) {
	var typ EnvelopeType
	var out []byte
	err := s.db.Run("encrypt content", func() error {
		sess, err := s.sessionNoLock(to)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNoSession
		}
		plaintext, err := codec.Marshal(content)
		if err != nil {
			return fmt.Errorf("protocol: error encoding content: %w", err)
		}
		rs, err := doubleratchet.Load(sess.ID, &sessionStorage{db: s.db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: sess.ID, db: s.db}))
		if err != nil {
			return fmt.Errorf("protocol: error loading session: %w", err)
		}
		m, err := rs.RatchetEncrypt(plaintext, nil)
		if err != nil {
			return fmt.Errorf("protocol: error encrypting: %w", err)
		}
		msg := &ratchetMessage{DH: m.Header.DH, N: m.Header.N, PN: m.Header.PN, Body: m.Ciphertext}
		if sess.PendingPreKeyID == nil {
			typ = TypeCiphertext
			out, err = codec.Marshal(msg)
			return err
		}
		typ = TypePrekeyBundle
		out, err = codec.Marshal(&prekeyMessage{
			PreKeyID:    *sess.PendingPreKeyID,
			Ephemeral:   sess.PendingEphemeral,
			IdentityKey: s.identityPublic,
			Message:     msg,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return TypeUnknown, nil, ErrNoSession
		}
		return TypeUnknown, nil, err
	}
	return typ, out, nil
}

// SaveIdentity records key for id and reports whether it replaced a different key. A replaced key archives
// every session with id.
func (s *RatchetStore) SaveIdentity(id ids.ID, key []byte) (bool, error) {
	var changed bool
	err := s.db.Run("save identity", func() error {
		var err error
		changed, err = s.saveIdentityNoLock(id, key)
		return err
	})
	return changed, err
}

func (s *RatchetStore) saveIdentityNoLock(id ids.ID, key []byte) (bool, error) {
	existing, err := s.identityNoLock(id)
	if err != nil {
		return false, err
	}
	if existing != nil && bytes.Equal(existing, key) {
		return false, nil
	}
	if _, err := s.db.Tx.Exec(`INSERT INTO _protocol_identities (account_id, identity, identity_key) VALUES ($1, $2, $3)
		ON CONFLICT (account_id, identity) DO UPDATE SET identity_key = excluded.identity_key`, s.accountID[:], id[:], key); err != nil {
		return false, fmt.Errorf("protocol: error saving identity: %w", err)
	}
	if existing == nil {
		return false, nil
	}
	s.log.Infof("identity key of %s changed", id)
	return true, s.archiveNoLock(id)
}

// IsTrustedIdentity trusts the first key seen for an identity and nothing else after it.
func (s *RatchetStore) IsTrustedIdentity(id ids.ID, key []byte) (bool, error) {
	var trusted bool
	err := s.db.RunReadOnly("is trusted identity", func() error {
		var err error
		trusted, err = s.isTrustedNoLock(id, key)
		return err
	})
	return trusted, err
}

func (s *RatchetStore) isTrustedNoLock(id ids.ID, key []byte) (bool, error) {
	existing, err := s.identityNoLock(id)
	if err != nil {
		return false, err
	}
	return existing == nil || bytes.Equal(existing, key), nil
}

func (s *RatchetStore) identityNoLock(id ids.ID) ([]byte, error) {
	var key []byte
	if err := s.db.Tx.Get(&key, "SELECT identity_key FROM _protocol_identities WHERE account_id = $1 AND identity = $2", s.accountID[:], id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("protocol: error getting identity: %w", err)
	}
	return key, nil
}

func (s *RatchetStore) ProcessPreKeyBundle(bundle *PreKeyBundle) error {
	return s.db.Run("process prekey bundle", func() error {
		trusted, err := s.isTrustedNoLock(bundle.Identity.Identity, bundle.IdentityKey)
		if err != nil {
			return err
		}
		if !trusted {
			return ErrUntrustedIdentity
		}
		if _, err := s.saveIdentityNoLock(bundle.Identity.Identity, bundle.IdentityKey); err != nil {
			return err
		}
		ephemeralPublic, ephemeralPrivate, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		secret := deriveSecret(
			crypto.SharedKey(bundle.PreKey, ephemeralPrivate),
			crypto.SharedKey(bundle.PreKey, s.identityPrivate),
		)
		preKeyID := bundle.PreKeyID
		id, err := s.replaceSessionNoLock(bundle.Identity, &preKeyID, ephemeralPublic)
		if err != nil {
			return err
		}
		if _, err := doubleratchet.NewWithRemoteKey(id, secret[:], bundle.PreKey, &sessionStorage{db: s.db}, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, db: s.db})); err != nil {
			return fmt.Errorf("protocol: error creating session: %w", err)
		}
		return nil
	})
}

func (s *RatchetStore) HasSession(to Address) (bool, error) {
	var found bool
	err := s.db.RunReadOnly("has session", func() error {
		sess, err := s.sessionNoLock(to)
		found = sess != nil
		return err
	})
	return found, err
}

// ArchiveAllSessions drops every session with any device of id. The next message either way starts over
// from a prekey.
func (s *RatchetStore) ArchiveAllSessions(id ids.ID) error {
	return s.db.Run("archive sessions", func() error {
		return s.archiveNoLock(id)
	})
}

func (s *RatchetStore) archiveNoLock(id ids.ID) error {
	for _, stmt := range []string{
		"DELETE FROM _ratchet_keys WHERE session_id IN (SELECT id FROM _protocol_sessions WHERE account_id = $1 AND identity = $2)",
		"DELETE FROM _ratchet_states WHERE id IN (SELECT id FROM _protocol_sessions WHERE account_id = $1 AND identity = $2)",
		"DELETE FROM _protocol_sessions WHERE account_id = $1 AND identity = $2",
	} {
		if _, err := s.db.Tx.Exec(stmt, s.accountID[:], id[:]); err != nil {
			return fmt.Errorf("protocol: error archiving sessions: %w", err)
		}
	}
	return nil
}

func (s *RatchetStore) sessionNoLock(addr Address) (*session, error) {
	sess := &session{}
	if err := s.db.Tx.Get(sess, "SELECT * FROM _protocol_sessions WHERE account_id = $1 AND identity = $2 AND device = $3", s.accountID[:], addr.Identity[:], addr.Device); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("protocol: error getting session: %w", err)
	}
	return sess, nil
}

func (s *RatchetStore) replaceSessionNoLock(addr Address, pendingPreKeyID *uint32, pendingEphemeral []byte) ([]byte, error) {
	existing, err := s.sessionNoLock(addr)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := s.db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1", existing.ID); err != nil {
			return nil, fmt.Errorf("protocol: error replacing session: %w", err)
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _ratchet_states WHERE id = $1", existing.ID); err != nil {
			return nil, fmt.Errorf("protocol: error replacing session: %w", err)
		}
		if _, err := s.db.Tx.Exec("DELETE FROM _protocol_sessions WHERE id = $1", existing.ID); err != nil {
			return nil, fmt.Errorf("protocol: error replacing session: %w", err)
		}
	}
	id := ids.NewID()
	if _, err := s.db.Tx.Exec("INSERT INTO _protocol_sessions (id, account_id, identity, device, pending_prekey_id, pending_ephemeral) VALUES ($1, $2, $3, $4, $5, $6)",
		id[:], s.accountID[:], addr.Identity[:], addr.Device, pendingPreKeyID, pendingEphemeral); err != nil {
		return nil, fmt.Errorf("protocol: error inserting session: %w", err)
	}
	return id[:], nil
}

// GeneratePreKeys creates count one-time prekeys and returns their public bundles.
func (s *RatchetStore) GeneratePreKeys(count int) ([]*PreKeyBundle, error) {
	bundles := make([]*PreKeyBundle, 0, count)
	err := s.db.Run("generate prekeys", func() error {
		var next uint32
		if err := s.db.Tx.Get(&next, "SELECT coalesce(max(id), 0) + 1 FROM _protocol_prekeys WHERE account_id = $1", s.accountID[:]); err != nil {
			return fmt.Errorf("protocol: error getting next prekey id: %w", err)
		}
		for i := 0; i < count; i++ {
			pub, priv, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			id := next + uint32(i)
			if _, err := s.db.Tx.Exec("INSERT INTO _protocol_prekeys (account_id, id, public_key, private_key) VALUES ($1, $2, $3, $4)", s.accountID[:], id, pub, priv); err != nil {
				return fmt.Errorf("protocol: error inserting prekey: %w", err)
			}
			bundles = append(bundles, &PreKeyBundle{Identity: s.Address(), IdentityKey: s.identityPublic, PreKeyID: id, PreKey: pub})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (s *RatchetStore) PreKeyCount() (int, error) {
	var count int
	err := s.db.RunReadOnly("count prekeys", func() error {
		return s.db.Tx.Get(&count, "SELECT count(*) FROM _protocol_prekeys WHERE account_id = $1", s.accountID[:])
	})
	return count, err
}

func (s *RatchetStore) StoreSenderKey(sender Address, distributionID uuid.UUID, key []byte) error {
	return s.db.Run("store sender key", func() error {
		if _, err := s.db.Tx.Exec(`INSERT INTO _protocol_sender_keys (account_id, identity, device, distribution_id, key) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, identity, device, distribution_id) DO UPDATE SET key = excluded.key`, s.accountID[:], sender.Identity[:], sender.Device, distributionID[:], key); err != nil {
			return fmt.Errorf("protocol: error storing sender key: %w", err)
		}
		return nil
	})
}

func (s *RatchetStore) SenderKey(sender Address, distributionID uuid.UUID) ([]byte, error) {
	var key []byte
	err := s.db.RunReadOnly("get sender key", func() error {
		if err := s.db.Tx.Get(&key, "SELECT key FROM _protocol_sender_keys WHERE account_id = $1 AND identity = $2 AND device = $3 AND distribution_id = $4", s.accountID[:], sender.Identity[:], sender.Device, distributionID[:]); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("protocol: error getting sender key: %w", err)
		}
		return nil
	})
	return key, err
}

func deriveSecret(first, second []byte) [32]byte {
	material := make([]byte, 0, len(first)+len(second))
	material = append(material, first...)
	material = append(material, second...)
	return crypto.DeriveKey(secretContext, material)
}
