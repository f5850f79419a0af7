// Package jobs defines the follow-up work the mirror hands to an external job runner. Jobs are fire and forget:
// the mirror enqueues and never waits for one to run.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/ids"
)

type Kind string

const (
	KindRefreshProfile     Kind = "refresh-profile"
	KindStorageSync        Kind = "storage-sync"
	KindAvatarDownload     Kind = "avatar-download"
	KindResendRequest      Kind = "resend-request"
	KindResetSession       Kind = "reset-session"
	KindDeliveryReceipt    Kind = "delivery-receipt"
	KindRefreshPrekeys     Kind = "refresh-prekeys"
	KindApplySenderKey     Kind = "apply-sender-key"
	KindContactSync        Kind = "contact-sync"
	KindStickerDownload    Kind = "sticker-download"
	KindAttachmentDownload Kind = "attachment-download"
)

// jobNamespace scopes deterministic job ids.
var jobNamespace = uuid.MustParse("5f6c2a8e-1b7d-4c39-9a0e-3d2b8f71c645")

type Job struct {
	ID        uuid.UUID
	AccountID ids.ID
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time
}

// Queue accepts jobs for later execution. Implementations must treat a job id that was already accepted as a
// no-op so a redelivered dispatch does not run twice.
type Queue interface {
	Enqueue(ctx context.Context, jobs ...*Job) error
	Purge(ctx context.Context, accountID ids.ID) error
}

// New builds a job with a random id.
func New(accountID ids.ID, kind Kind, payload any) (*Job, error) {
	return build(uuid.New(), accountID, kind, payload)
}

// NewKeyed builds a job whose id is derived from key, so building the same job twice yields the same id.
func NewKeyed(accountID ids.ID, kind Kind, key string, payload any) (*Job, error) {
	return build(uuid.NewSHA1(jobNamespace, []byte(fmt.Sprintf("%s/%s/%s", accountID, kind, key))), accountID, kind, payload)
}

func build(id uuid.UUID, accountID ids.ID, kind Kind, payload any) (*Job, error) {
	b, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: error encoding %s payload: %w", kind, err)
	}
	return &Job{ID: id, AccountID: accountID, Kind: kind, Payload: b, CreatedAt: time.Now()}, nil
}

// Decode reads the job payload into v.
func (j *Job) Decode(v any) error {
	if err := codec.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("jobs: error decoding %s payload: %w", j.Kind, err)
	}
	return nil
}

type RefreshProfile struct {
	Identity ids.ID `cbor:"1,keyasint"`
}

type StorageSync struct {
	Reason string `cbor:"1,keyasint"`
}

type AvatarDownload struct {
	GroupID  []byte `cbor:"1,keyasint"`
	Avatar   string `cbor:"2,keyasint"`
	Revision uint32 `cbor:"3,keyasint"`
}

// Peer addresses the device a corrective or receipt job is aimed at.
type Peer struct {
	Identity ids.ID `cbor:"1,keyasint"`
	Device   uint32 `cbor:"2,keyasint"`
}

type ResendRequest struct {
	Peer      Peer   `cbor:"1,keyasint"`
	Timestamp uint64 `cbor:"2,keyasint"`
	Content   []byte `cbor:"3,keyasint"`
	Type      int32  `cbor:"4,keyasint"`
}

type ResetSession struct {
	Peer Peer `cbor:"1,keyasint"`
}

type DeliveryReceipt struct {
	Peer       Peer     `cbor:"1,keyasint"`
	Timestamps []uint64 `cbor:"2,keyasint"`
}

type RefreshPrekeys struct{}

type ApplySenderKey struct {
	Peer         Peer   `cbor:"1,keyasint"`
	Distribution []byte `cbor:"2,keyasint"`
}

type ContactSync struct {
	Blob []byte `cbor:"1,keyasint"`
}

type StickerDownload struct {
	PackID  []byte `cbor:"1,keyasint"`
	PackKey []byte `cbor:"2,keyasint"`
}

type AttachmentDownload struct {
	Pointer []byte `cbor:"1,keyasint"`
	Key     []byte `cbor:"2,keyasint"`
	Digest  []byte `cbor:"3,keyasint"`
	Size    uint64 `cbor:"4,keyasint"`
}
