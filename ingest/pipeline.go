// Package ingest receives, decrypts and dispatches inbound envelopes for one account. Every envelope is
// written to the envelope table before the transport acknowledges it and removed only once its handler has
// run, so a crash at any point resumes from the table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/groups"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/jobs"
	"github.com/meow-io/go-mirror/profilekeys"
	"github.com/meow-io/go-mirror/protocol"
	"go.uber.org/zap"
)

// Transport is the inbound half of the server connection. ReadOrEmpty waits up to timeout for one envelope
// and returns nil, nil when none arrived. onRaw is called before ReadOrEmpty returns and before the
// envelope is acknowledged upstream; if it fails the envelope is not acknowledged.
type Transport interface {
	ReadOrEmpty(ctx context.Context, timeout time.Duration, onRaw func(*protocol.Envelope) error) (*protocol.Envelope, error)
}

// Handler sees every envelope exactly once per processing attempt. content is nil for receipts, duplicates
// and failures. err is nil for duplicates.
type Handler func(env *protocol.Envelope, content *protocol.Content, err error)

type Reconciler interface {
	ReconcileWithChange(ctx context.Context, params *groups.SecretParams, knownRevision uint32, signedChange []byte) (*groups.Group, error)
}

type ProfileKeys interface {
	NewSet() *profilekeys.Set
	Merge(set *profilekeys.Set) (*profilekeys.MergeResult, error)
	SupportsResendRequest(ctx context.Context, id ids.ID) (bool, error)
}

type stage int

const (
	afterPersist stage = iota
	afterDecrypt
	afterDispatch
	afterHandler
)

var errStopped = errors.New("ingest: stopped")

type Pipeline struct {
	accountID ids.ID
	envelopes *EnvelopeStore
	transport Transport
	store     protocol.Store
	lock      *protocol.SessionLock
	groups    Reconciler
	keys      ProfileKeys
	queue     jobs.Queue
	watchdog  *Watchdog
	log       *zap.SugaredLogger

	// stopAt ends processing of an envelope at the given stage as if the process had died there.
	stopAt func(stage) bool
}

func NewPipeline(c *config.Config, accountID ids.ID, envelopes *EnvelopeStore, transport Transport, store protocol.Store, lock *protocol.SessionLock, reconciler Reconciler, keys ProfileKeys, queue jobs.Queue) *Pipeline {
	return &Pipeline{
		accountID: accountID,
		envelopes: envelopes,
		transport: transport,
		store:     store,
		lock:      lock,
		groups:    reconciler,
		keys:      keys,
		queue:     queue,
		watchdog:  NewWatchdog(c),
		log:       c.Logger("ingest/pipeline").With("account", accountID.String()),
		stopAt:    func(stage) bool { return false },
	}
}

// ReceiveMessages drains the stored backlog and then reads from the transport until ctx is done, or until a
// read times out when returnOnTimeout is set. A cancelled ctx stops further reads but never interrupts an
// envelope already being processed.
func (p *Pipeline) ReceiveMessages(ctx context.Context, timeout time.Duration, returnOnTimeout bool, handler Handler) error {
	for {
		if err := p.RetryFailedReceivedMessages(ctx, handler); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		var stored *StoredEnvelope
		env, err := p.transport.ReadOrEmpty(ctx, timeout, func(env *protocol.Envelope) error {
			var err error
			stored, err = p.envelopes.Insert(p.accountID, env)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest: error reading from transport: %w", err)
		}
		if env == nil {
			if returnOnTimeout {
				return nil
			}
			continue
		}
		if stored == nil {
			return errors.New("ingest: transport returned an envelope without persisting it")
		}
		if p.stopAt(afterPersist) {
			return errStopped
		}
		if err := p.process(stored, handler); err != nil {
			return err
		}
	}
}

// RetryFailedReceivedMessages processes every stored envelope, oldest first. These are envelopes whose
// processing was interrupted, typically by a crash.
func (p *Pipeline) RetryFailedReceivedMessages(_ context.Context, handler Handler) error {
	for {
		stored, err := p.envelopes.Oldest(p.accountID)
		if err != nil {
			return err
		}
		if stored == nil {
			return nil
		}
		p.log.Debugf("replaying envelope %d in state %d", stored.ID, stored.State)
		if err := p.process(stored, handler); err != nil {
			return err
		}
	}
}

// process moves one stored envelope through decrypt, dispatch, handler and delete, skipping whatever an
// earlier attempt already completed. It runs on its own context so shutdown cannot cut it short.
func (p *Pipeline) process(stored *StoredEnvelope, handler Handler) error {
	ctx := context.Background()
	env := stored.Envelope()

	var content *protocol.Content
	var failure error
	switch {
	case stored.State >= StateDispatched:
		var err error
		if content, err = stored.decrypted(); err != nil {
			failure = err
		} else {
			failure = stored.fault()
		}
	case stored.State == StateDecrypted:
		content, failure = stored.decrypted()
	case env.Type == protocol.TypeReceipt:
	default:
		content, failure = p.decrypt(ctx, stored, env)
	}
	if errors.Is(failure, protocol.ErrDuplicateMessage) {
		p.log.Debugf("dropping duplicate envelope from %s at %d", env.Sender(), env.Timestamp)
		content, failure = nil, nil
	}
	if errors.Is(failure, ErrWedged) {
		return failure
	}
	if p.stopAt(afterDecrypt) {
		return errStopped
	}

	if stored.State < StateDispatched {
		if err := p.dispatch(ctx, env, content, failure); err != nil {
			p.log.Warnf("error dispatching envelope %d: %v", stored.ID, err)
			if failure == nil {
				failure = err
			}
		}
		if err := p.envelopes.MarkDispatched(stored.ID, failure); err != nil {
			return err
		}
	}
	if p.stopAt(afterDispatch) {
		return errStopped
	}

	handler(env, content, failure)
	if p.stopAt(afterHandler) {
		return errStopped
	}
	return p.envelopes.Delete(stored.ID)
}

// decrypt opens env under the session lock and the watchdog. The decrypted content is stored in the same
// transaction that advances the session.
func (p *Pipeline) decrypt(ctx context.Context, stored *StoredEnvelope, env *protocol.Envelope) (*protocol.Content, error) {
	var content *protocol.Content
	err := p.watchdog.Run(ctx, "decrypt", func(ctx context.Context) error {
		return p.lock.Do(ctx, func(ctx context.Context) error {
			var err error
			content, err = p.store.Decrypt(ctx, env, func(c *protocol.Content) error {
				b, err := codec.Marshal(c)
				if err != nil {
					return fmt.Errorf("ingest: error encoding content: %w", err)
				}
				return p.envelopes.MarkDecryptedNoLock(stored.ID, b)
			})
			return err
		})
	})
	return content, err
}

// batch collects the jobs of one envelope. Their ids derive from the envelope, so dispatching it twice
// enqueues nothing new. reconcileErr holds a failed inline group refresh, which is reported only after the
// jobs are enqueued.
type batch struct {
	accountID    ids.ID
	key          string
	jobs         []*jobs.Job
	reconcileErr error
}

func (b *batch) add(kind jobs.Kind, suffix string, payload any) error {
	j, err := jobs.NewKeyed(b.accountID, kind, b.key+suffix, payload)
	if err != nil {
		return err
	}
	b.jobs = append(b.jobs, j)
	return nil
}

// dispatch hands off every side effect of an envelope. Group state is reconciled inline and everything else
// is enqueued. A failed reconcile does not hold back the jobs; its error is returned once they are queued.
func (p *Pipeline) dispatch(ctx context.Context, env *protocol.Envelope, content *protocol.Content, failure error) error {
	b := &batch{accountID: p.accountID, key: envelopeKey(env)}

	var de *protocol.DecryptionError
	if errors.As(failure, &de) {
		if err := p.correct(ctx, de, b); err != nil {
			return err
		}
	}

	if content != nil {
		peer := jobs.Peer{Identity: content.Sender.Identity, Device: content.Sender.Device}
		if env.Type == protocol.TypePrekeyBundle {
			if err := b.add(jobs.KindRefreshPrekeys, "", &jobs.RefreshPrekeys{}); err != nil {
				return err
			}
		}
		if dm := content.DataMessage; dm != nil {
			if err := p.dispatchDataMessage(ctx, content, dm, b); err != nil {
				return err
			}
			if err := b.add(jobs.KindDeliveryReceipt, "", &jobs.DeliveryReceipt{Peer: peer, Timestamps: []uint64{content.Timestamp}}); err != nil {
				return err
			}
		}
		if len(content.SenderKeyDistribution) != 0 {
			if err := b.add(jobs.KindApplySenderKey, "", &jobs.ApplySenderKey{Peer: peer, Distribution: content.SenderKeyDistribution}); err != nil {
				return err
			}
		}
		if sm := content.SyncMessage; sm != nil {
			if len(sm.Contacts) != 0 {
				if err := b.add(jobs.KindContactSync, "", &jobs.ContactSync{Blob: sm.Contacts}); err != nil {
					return err
				}
			}
			if sm.RequestKeys {
				if err := b.add(jobs.KindStorageSync, "", &jobs.StorageSync{Reason: "keys requested by linked device"}); err != nil {
					return err
				}
			}
			if sm.FetchOwnProfile {
				if err := b.add(jobs.KindRefreshProfile, "", &jobs.RefreshProfile{Identity: p.accountID}); err != nil {
					return err
				}
			}
		}
	}

	if len(b.jobs) != 0 {
		if err := p.queue.Enqueue(ctx, b.jobs...); err != nil {
			return err
		}
	}
	return b.reconcileErr
}

func (p *Pipeline) dispatchDataMessage(ctx context.Context, content *protocol.Content, dm *protocol.DataMessage, b *batch) error {
	if g := dm.Group; g != nil {
		params, err := groups.NewSecretParams(g.MasterKey)
		if err != nil {
			p.log.Warnf("ignoring group context from %s: %v", content.Sender, err)
		} else if _, err := p.groups.ReconcileWithChange(ctx, params, g.Revision, g.SignedChange); err != nil {
			p.log.Warnf("error reconciling group %x, continuing with the rest of the envelope: %v", params.ID[:], err)
			b.reconcileErr = fmt.Errorf("ingest: error reconciling group %x: %w", params.ID[:], err)
		}
	}

	if len(dm.ProfileKey) != 0 {
		set := p.keys.NewSet()
		set.AddAuthoritative(content.Sender.Identity, dm.ProfileKey)
		result, err := p.keys.Merge(set)
		if err != nil {
			return err
		}
		js, err := result.Jobs(p.accountID)
		if err != nil {
			return err
		}
		b.jobs = append(b.jobs, js...)
	}

	for i, a := range dm.Attachments {
		if err := b.add(jobs.KindAttachmentDownload, fmt.Sprintf("/%d", i), &jobs.AttachmentDownload{Pointer: a.Pointer, Key: a.Key, Digest: a.Digest, Size: a.Size}); err != nil {
			return err
		}
	}
	if s := dm.Sticker; s != nil {
		if err := b.add(jobs.KindStickerDownload, "", &jobs.StickerDownload{PackID: s.PackID, PackKey: s.PackKey}); err != nil {
			return err
		}
	}
	return nil
}

// correct turns a recoverable decryption fault into a resend request when the peer can answer one, or a
// session reset otherwise.
func (p *Pipeline) correct(ctx context.Context, de *protocol.DecryptionError, b *batch) error {
	if !errors.Is(de, protocol.ErrNoSession) && !errors.Is(de, protocol.ErrInvalidKeyID) && !errors.Is(de, protocol.ErrInvalidMessage) {
		p.log.Warnf("not correcting %v", de)
		return nil
	}
	if de.Sender.Identity.IsNil() {
		p.log.Warnf("cannot correct %v, sender unknown", de)
		return nil
	}
	peer := jobs.Peer{Identity: de.Sender.Identity, Device: de.Sender.Device}
	supported, err := p.keys.SupportsResendRequest(ctx, de.Sender.Identity)
	if err != nil {
		return err
	}
	if supported {
		p.log.Warnf("requesting resend after %v", de)
		return b.add(jobs.KindResendRequest, "", &jobs.ResendRequest{Peer: peer, Timestamp: de.Timestamp, Content: de.Ciphertext, Type: int32(de.Type)})
	}
	p.log.Warnf("resetting session after %v", de)
	if err := p.lock.Do(ctx, func(context.Context) error {
		return p.store.ArchiveAllSessions(de.Sender.Identity)
	}); err != nil {
		return err
	}
	return b.add(jobs.KindResetSession, "", &jobs.ResetSession{Peer: peer})
}

func envelopeKey(env *protocol.Envelope) string {
	if env.ServerGUID != "" {
		return env.ServerGUID
	}
	return fmt.Sprintf("%s/%d", env.Sender(), env.Timestamp)
}
