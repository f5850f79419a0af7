package protocol

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/crypto"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type peers struct {
	ratchets *Ratchets
	alice    *RatchetStore
	bob      *RatchetStore
	bobKey   []byte
}

func newPeers(t *testing.T) *peers {
	require := require.New(t)
	c := config.NewConfig()
	r, err := NewRatchets(c, test.NewTestDatabase(c))
	require.Nil(err)
	alicePub, alicePriv, err := crypto.GenerateKeyPair()
	require.Nil(err)
	bobPub, bobPriv, err := crypto.GenerateKeyPair()
	require.Nil(err)
	return &peers{
		ratchets: r,
		alice:    r.Account(ids.NewID(), 1, alicePub, alicePriv),
		bob:      r.Account(ids.NewID(), 2, bobPub, bobPriv),
		bobKey:   bobPub,
	}
}

func envelope(from *RatchetStore, typ EnvelopeType, body []byte, ts uint64) *Envelope {
	return &Envelope{Type: typ, Source: from.accountID, SourceDevice: from.device, Timestamp: ts, Content: body}
}

// handshake starts a session from alice to bob and delivers one message each way.
func (p *peers) handshake(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	bundles, err := p.bob.GeneratePreKeys(2)
	require.Nil(err)
	require.Nil(p.alice.ProcessPreKeyBundle(bundles[0]))

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "hi"}})
	require.Nil(err)
	require.Equal(TypePrekeyBundle, typ)
	content, err := p.bob.Decrypt(ctx, envelope(p.alice, typ, body, 1), nil)
	require.Nil(err)
	require.Equal("hi", content.DataMessage.Body)
	require.Equal(p.alice.Address(), content.Sender)

	typ, body, err = p.bob.Encrypt(ctx, p.alice.Address(), &Content{DataMessage: &DataMessage{Body: "hello"}})
	require.Nil(err)
	require.Equal(TypeCiphertext, typ)
	content, err = p.alice.Decrypt(ctx, envelope(p.bob, typ, body, 2), nil)
	require.Nil(err)
	require.Equal("hello", content.DataMessage.Body)
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)

	count, err := p.bob.PreKeyCount()
	require.Nil(err)
	require.Equal(1, count)

	typ, body, err := p.alice.Encrypt(context.Background(), p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "again"}})
	require.Nil(err)
	require.Equal(TypeCiphertext, typ)
	content, err := p.bob.Decrypt(context.Background(), envelope(p.alice, typ, body, 3), nil)
	require.Nil(err)
	require.Equal("again", content.DataMessage.Body)
	require.Equal(uint64(3), content.Timestamp)
}

func TestDuplicateMessage(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	ctx := context.Background()

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "once"}})
	require.Nil(err)
	env := envelope(p.alice, typ, body, 3)
	_, err = p.bob.Decrypt(ctx, env, nil)
	require.Nil(err)
	_, err = p.bob.Decrypt(ctx, env, nil)
	require.True(errors.Is(err, ErrDuplicateMessage))
	var de *DecryptionError
	require.True(errors.As(err, &de))
	require.Equal(p.alice.Address(), de.Sender)
}

func TestNoSession(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	ctx := context.Background()

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "lost"}})
	require.Nil(err)
	require.Nil(p.bob.ArchiveAllSessions(p.alice.accountID))
	has, err := p.bob.HasSession(p.alice.Address())
	require.Nil(err)
	require.False(has)

	_, err = p.bob.Decrypt(ctx, envelope(p.alice, typ, body, 3), nil)
	require.True(errors.Is(err, ErrNoSession))
	var de *DecryptionError
	require.True(errors.As(err, &de))
	require.Equal(uint64(3), de.Timestamp)
	require.Equal(TypeCiphertext, de.Type)

	_, _, err = p.bob.Encrypt(ctx, p.alice.Address(), &Content{})
	require.True(errors.Is(err, ErrNoSession))
}

func TestInvalidKeyID(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	ctx := context.Background()
	bundles, err := p.bob.GeneratePreKeys(1)
	require.Nil(err)
	bundle := *bundles[0]
	bundle.PreKeyID = 99
	require.Nil(p.alice.ProcessPreKeyBundle(&bundle))

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "hi"}})
	require.Nil(err)
	_, err = p.bob.Decrypt(ctx, envelope(p.alice, typ, body, 1), nil)
	require.True(errors.Is(err, ErrInvalidKeyID))
}

func TestInvalidMessage(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	_, err := p.bob.Decrypt(context.Background(), envelope(p.alice, TypeCiphertext, []byte("garbage"), 3), nil)
	require.True(errors.Is(err, ErrInvalidMessage))
}

func TestCommitFailureLeavesSessionUntouched(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	ctx := context.Background()

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "retry"}})
	require.Nil(err)
	env := envelope(p.alice, typ, body, 3)
	boom := errors.New("boom")
	_, err = p.bob.Decrypt(ctx, env, func(*Content) error { return boom })
	require.True(errors.Is(err, boom))

	var committed *Content
	content, err := p.bob.Decrypt(ctx, env, func(c *Content) error {
		committed = c
		return nil
	})
	require.Nil(err)
	require.Equal("retry", content.DataMessage.Body)
	require.Equal(content, committed)
}

func TestSealedSender(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	ctx := context.Background()

	typ, body, err := p.alice.Encrypt(ctx, p.bob.Address(), &Content{DataMessage: &DataMessage{Body: "sealed"}})
	require.Nil(err)
	sealed, err := Seal(p.bobKey, p.alice.Address(), typ, body)
	require.Nil(err)
	content, err := p.bob.Decrypt(ctx, &Envelope{Type: TypeUnidentifiedSender, Timestamp: 3, Content: sealed}, nil)
	require.Nil(err)
	require.Equal(p.alice.Address(), content.Sender)
	require.Equal("sealed", content.DataMessage.Body)
}

func TestIdentityChangeArchivesSessions(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)

	trusted, err := p.bob.IsTrustedIdentity(p.alice.accountID, p.alice.identityPublic)
	require.Nil(err)
	require.True(trusted)
	trusted, err = p.bob.IsTrustedIdentity(p.alice.accountID, []byte("other"))
	require.Nil(err)
	require.False(trusted)

	changed, err := p.bob.SaveIdentity(p.alice.accountID, []byte("other"))
	require.Nil(err)
	require.True(changed)
	has, err := p.bob.HasSession(p.alice.Address())
	require.Nil(err)
	require.False(has)
}

func TestSenderKeys(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	distribution := uuid.New()

	key, err := p.bob.SenderKey(p.alice.Address(), distribution)
	require.Nil(err)
	require.Nil(key)
	require.Nil(p.bob.StoreSenderKey(p.alice.Address(), distribution, []byte("k1")))
	require.Nil(p.bob.StoreSenderKey(p.alice.Address(), distribution, []byte("k2")))
	key, err = p.bob.SenderKey(p.alice.Address(), distribution)
	require.Nil(err)
	require.Equal([]byte("k2"), key)
}

func TestPurgeRemovesAccount(t *testing.T) {
	require := require.New(t)
	p := newPeers(t)
	p.handshake(t)
	require.Nil(p.ratchets.db.Run("purge", func() error {
		return p.ratchets.PurgeNoLock(p.bob.accountID)
	}))
	has, err := p.bob.HasSession(p.alice.Address())
	require.Nil(err)
	require.False(has)
	count, err := p.bob.PreKeyCount()
	require.Nil(err)
	require.Equal(0, count)
	has, err = p.alice.HasSession(p.bob.Address())
	require.Nil(err)
	require.True(has)
}

func TestSessionLockReentrant(t *testing.T) {
	require := require.New(t)
	l := &SessionLock{}
	calls := 0
	require.Nil(l.Do(context.Background(), func(ctx context.Context) error {
		return l.Do(ctx, func(context.Context) error {
			calls++
			return nil
		})
	}))
	require.Equal(1, calls)

	other := &SessionLock{}
	require.Nil(l.Do(context.Background(), func(ctx context.Context) error {
		return other.Do(ctx, func(context.Context) error {
			calls++
			return nil
		})
	}))
	require.Equal(2, calls)
}
