// Package protocol defines the boundary to the session cryptography: the envelope and content types, the
// decryption fault taxonomy and the Store the ingestion pipeline decrypts through.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/ids"
)

var (
	ErrNoSession         = errors.New("protocol: no session")
	ErrInvalidKeyID      = errors.New("protocol: invalid key id")
	ErrInvalidMessage    = errors.New("protocol: invalid message")
	ErrDuplicateMessage  = errors.New("protocol: duplicate message")
	ErrUntrustedIdentity = errors.New("protocol: untrusted identity")
)

type EnvelopeType int32

const (
	TypeUnknown            EnvelopeType = 0
	TypeCiphertext         EnvelopeType = 1
	TypePrekeyBundle       EnvelopeType = 3
	TypeReceipt            EnvelopeType = 5
	TypeUnidentifiedSender EnvelopeType = 6
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeCiphertext:
		return "ciphertext"
	case TypePrekeyBundle:
		return "prekey-bundle"
	case TypeReceipt:
		return "receipt"
	case TypeUnidentifiedSender:
		return "unidentified-sender"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Address is one device of one identity.
type Address struct {
	Identity ids.ID `cbor:"1,keyasint"`
	Device   uint32 `cbor:"2,keyasint"`
}

func (a Address) String() string {
	return fmt.Sprintf("%s.%d", a.Identity, a.Device)
}

// Envelope is a transport frame as received, before decryption. Source is Nil for sealed envelopes until
// they are opened. Exactly one of Content and LegacyMessage carries the ciphertext.
type Envelope struct {
	Type            EnvelopeType `cbor:"1,keyasint"`
	Source          ids.ID       `cbor:"2,keyasint"`
	SourceE164      string       `cbor:"3,keyasint,omitempty"`
	SourceDevice    uint32       `cbor:"4,keyasint"`
	Timestamp       uint64       `cbor:"5,keyasint"`
	Content         []byte       `cbor:"6,keyasint,omitempty"`
	LegacyMessage   []byte       `cbor:"7,keyasint,omitempty"`
	ServerReceived  uint64       `cbor:"8,keyasint"`
	ServerDelivered uint64       `cbor:"9,keyasint"`
	ServerGUID      string       `cbor:"10,keyasint,omitempty"`
}

func (e *Envelope) Sender() Address {
	return Address{Identity: e.Source, Device: e.SourceDevice}
}

// Ciphertext returns whichever of the two ciphertext fields is set.
func (e *Envelope) Ciphertext() []byte {
	if len(e.Content) != 0 {
		return e.Content
	}
	return e.LegacyMessage
}

type GroupContext struct {
	MasterKey    []byte `cbor:"1,keyasint"`
	Revision     uint32 `cbor:"2,keyasint"`
	SignedChange []byte `cbor:"3,keyasint,omitempty"`
}

type Attachment struct {
	Pointer []byte `cbor:"1,keyasint"`
	Key     []byte `cbor:"2,keyasint"`
	Digest  []byte `cbor:"3,keyasint"`
	Size    uint64 `cbor:"4,keyasint"`
}

type Sticker struct {
	PackID  []byte `cbor:"1,keyasint"`
	PackKey []byte `cbor:"2,keyasint"`
}

type DataMessage struct {
	Body        string        `cbor:"1,keyasint,omitempty"`
	Group       *GroupContext `cbor:"2,keyasint,omitempty"`
	ProfileKey  []byte        `cbor:"3,keyasint,omitempty"`
	Attachments []*Attachment `cbor:"4,keyasint,omitempty"`
	Sticker     *Sticker      `cbor:"5,keyasint,omitempty"`
	ExpireTimer uint32        `cbor:"6,keyasint,omitempty"`
}

type SyncMessage struct {
	Contacts        []byte `cbor:"1,keyasint,omitempty"`
	RequestKeys     bool   `cbor:"2,keyasint,omitempty"`
	FetchOwnProfile bool   `cbor:"3,keyasint,omitempty"`
}

type ReceiptMessage struct {
	Type       uint8    `cbor:"1,keyasint"`
	Timestamps []uint64 `cbor:"2,keyasint"`
}

// Content is a decrypted envelope. Sender is always known once decrypted.
type Content struct {
	Sender                Address         `cbor:"1,keyasint"`
	Timestamp             uint64          `cbor:"2,keyasint"`
	DataMessage           *DataMessage    `cbor:"3,keyasint,omitempty"`
	SyncMessage           *SyncMessage    `cbor:"4,keyasint,omitempty"`
	ReceiptMessage        *ReceiptMessage `cbor:"5,keyasint,omitempty"`
	SenderKeyDistribution []byte          `cbor:"6,keyasint,omitempty"`
}

// DecryptionError is a decryption fault attributed to a sender. Kind is one of the package errors.
type DecryptionError struct {
	Kind       error
	Sender     Address
	Timestamp  uint64
	Type       EnvelopeType
	Ciphertext []byte
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("%v from %s at %d", e.Kind, e.Sender, e.Timestamp)
}

func (e *DecryptionError) Unwrap() error {
	return e.Kind
}

// PreKeyBundle is what a peer publishes so a session can be started with it.
type PreKeyBundle struct {
	Identity    Address `cbor:"1,keyasint"`
	IdentityKey []byte  `cbor:"2,keyasint"`
	PreKeyID    uint32  `cbor:"3,keyasint"`
	PreKey      []byte  `cbor:"4,keyasint"`
}

// Store is the session cryptography of one account. Callers hold the account's SessionLock around anything
// that touches session state.
type Store interface {
	// Decrypt opens env. commit runs inside the same transaction that advances the session, so whatever it
	// persists is durable exactly when the session is.
	Decrypt(ctx context.Context, env *Envelope, commit func(*Content) error) (*Content, error)
	Encrypt(ctx context.Context, to Address, content *Content) (EnvelopeType, []byte, error)

	SaveIdentity(id ids.ID, key []byte) (bool, error)
	IsTrustedIdentity(id ids.ID, key []byte) (bool, error)

	ProcessPreKeyBundle(bundle *PreKeyBundle) error
	HasSession(to Address) (bool, error)
	ArchiveAllSessions(id ids.ID) error

	GeneratePreKeys(count int) ([]*PreKeyBundle, error)
	PreKeyCount() (int, error)

	StoreSenderKey(sender Address, distributionID uuid.UUID, key []byte) error
	SenderKey(sender Address, distributionID uuid.UUID) ([]byte, error)
}
