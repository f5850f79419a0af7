package protocol

import (
	"bytes"
	crypto_rand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-mirror/crypto"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/status-im/doubleratchet"
)

type ratchetKey struct {
	SessionID      []byte `db:"session_id"`
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SequenceNumber uint   `db:"seq_num"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

const ratchetTables = `
	CREATE TABLE _ratchet_keys (
		session_id BLOB NOT NULL,
		pub_key BLOB NOT NULL,
		message_key BLOB NOT NULL,
		msg_num INTEGER NOT NULL,
		seq_num INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX ratchet_keys_session_pubkey_msg_num on _ratchet_keys (session_id, pub_key, msg_num);
	CREATE UNIQUE INDEX ratchet_keys_session_seq_num on _ratchet_keys (session_id, seq_num);

	CREATE TABLE _ratchet_states (
		id BLOB NOT NULL PRIMARY KEY,
		dhr BLOB,
		dhs_pub BLOB NOT NULL,
		dhs_priv BLOB NOT NULL,
		root_ch_key BLOB NOT NULL,
		send_ch_key BLOB,
		send_ch_count INTEGER NOT NULL,
		recv_ch_key BLOB,
		recv_ch_count INTEGER NOT NULL,
		pn INTEGER NOT NULL,
		max_skip INTEGER NOT NULL,
		hkr BLOB,
		nhkr BLOB,
		hks BLOB,
		nhks BLOB,
		max_keep INTEGER NOT NULL,
		mmk_per_session INTEGER NOT NULL,
		step INTEGER NOT NULL,
		keys_count INTEGER NOT NULL
	);
`

type dhPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type ratchetCrypto struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	return dhPair{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *ratchetCrypto) DH(pair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.SharedKey(dhPub, pair.PrivateKey()), nil
}

func (c *ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *ratchetCrypto) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *ratchetCrypto) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// sessionStorage and keysStorage read and write through the open transaction of d.
type sessionStorage struct {
	db *db.Database
}

func (ss *sessionStorage) Load(id []byte) (*doubleratchet.State, error) {
	s := &ratchetState{}
	if err := ss.db.Tx.Get(s, "SELECT * FROM _ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("protocol: error getting ratchet state: %w", err)
	}

	rc := &ratchetCrypto{}
	return &doubleratchet.State{
		Crypto: rc,
		DHr:    s.Dhr,
		DHs:    dhPair{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: rc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: rc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: rc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                &keysStorage{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorage) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	if _, err := ss.db.Tx.NamedExec(`INSERT INTO _ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count`, s); err != nil {
		return fmt.Errorf("protocol: error upserting ratchet state: %w", err)
	}
	return nil
}

type keysStorage struct {
	sessionID []byte
	db        *db.Database
}

func (ks *keysStorage) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr := &ratchetKey{}
	if err := ks.db.Tx.Get(kr, "SELECT * FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", ks.sessionID, []byte(k), msgNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return doubleratchet.Key{}, false, nil
		}
		return doubleratchet.Key{}, false, err
	}
	return kr.MessageKey, true, nil
}

func (ks *keysStorage) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("protocol: expected session %x, got %x", ks.sessionID, sessionID)
	}
	if _, err := ks.db.Tx.Exec("INSERT INTO _ratchet_keys (session_id, pub_key, message_key, msg_num, seq_num) VALUES ($1, $2, $3, $4, $5)", sessionID, []byte(k), []byte(mk), msgNum, keySeqNum); err != nil {
		return fmt.Errorf("protocol: error inserting skipped key: %w", err)
	}
	return nil
}

func (ks *keysStorage) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if _, err := ks.db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", ks.sessionID, []byte(k), msgNum); err != nil {
		return fmt.Errorf("protocol: error deleting skipped key: %w", err)
	}
	return nil
}

func (ks *keysStorage) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := ks.db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num < $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("protocol: error deleting old keys: %w", err)
	}
	return nil
}

func (ks *keysStorage) TruncateMks(sessionID []byte, maxKeys int) error {
	if _, err := ks.db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _ratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("protocol: error truncating keys: %w", err)
	}
	return nil
}

func (ks *keysStorage) Count(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := ks.db.Tx.Get(&count, "SELECT count(*) FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2", ks.sessionID, []byte(k)); err != nil {
		return 0, fmt.Errorf("protocol: error counting keys: %w", err)
	}
	return count, nil
}

func (ks *keysStorage) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("protocol: listing skipped keys is not supported")
}
