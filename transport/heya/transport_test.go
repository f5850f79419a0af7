package heya

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/internal/test"
	"github.com/meow-io/go-mirror/protocol"
	heya_client "github.com/meow-io/heya/client"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

// testClient is an in-memory mailbox server holding frames per token.
type testClient struct {
	lock          sync.Mutex
	frames        map[string]map[uint64][]byte
	next          map[string]uint64
	trims         []uint64
	wants         []uint64
	tokens        int
	notifications chan interface{}
}

func newTestClient() *testClient {
	return &testClient{
		frames:        make(map[string]map[uint64][]byte),
		next:          make(map[string]uint64),
		notifications: make(chan interface{}, 100),
	}
}

func (tc *testClient) MakeSendToken(ctx context.Context, startTime time.Time, endTime time.Time) ([]byte, error) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.tokens++
	token := make([]byte, 32)
	token[0] = byte(tc.tokens)
	return token, nil
}

func (tc *testClient) Want(ctx context.Context, token []byte, seq uint64) (*heya_client.Message, error) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.wants = append(tc.wants, seq)
	body, ok := tc.frames[string(token)][seq]
	if !ok {
		return nil, nil
	}
	return &heya_client.Message{Body: body, Seq: seq}, nil
}

func (tc *testClient) Trim(ctx context.Context, token []byte, seq uint64) (uint64, error) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.trims = append(tc.trims, seq)
	var count uint64
	for s := range tc.frames[string(token)] {
		if s <= seq {
			delete(tc.frames[string(token)], s)
			count++
		}
	}
	return count, nil
}

func (tc *testClient) Notifications() chan interface{} {
	return tc.notifications
}

// push stores a raw frame under the next sequence number and announces it.
func (tc *testClient) push(token, body []byte) uint64 {
	tc.lock.Lock()
	seq := tc.next[string(token)]
	if tc.frames[string(token)] == nil {
		tc.frames[string(token)] = make(map[uint64][]byte)
	}
	tc.frames[string(token)][seq] = body
	tc.next[string(token)] = seq + 1
	tc.lock.Unlock()
	tc.notifications <- &heya_client.Notification{Seq: seq + 1, Token: token}
	return seq
}

func (tc *testClient) send(t *testing.T, mb *Mailbox, env *protocol.Envelope) uint64 {
	token, body, err := Seal(mb.URL(), env)
	require.Nil(t, err)
	return tc.push(token, body)
}

func (tc *testClient) trimmed() []uint64 {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return append([]uint64{}, tc.trims...)
}

type harness struct {
	config    *config.Config
	client    *testClient
	mux       *Mux
	mailboxes *Mailboxes
	accountID ids.ID
	mailbox   *Mailbox
	transport *Transport
}

func newHarness(t *testing.T) *harness {
	require := require.New(t)
	c := config.NewConfig(config.WithHeya("mail.example.com", 8337, "", ""))
	mailboxes, err := NewMailboxes(c, test.NewTestDatabase(c))
	require.Nil(err)
	client := newTestClient()
	mux := NewMux(c, client)
	mux.Start()
	t.Cleanup(mux.Shutdown)

	h := &harness{config: c, client: client, mux: mux, mailboxes: mailboxes, accountID: ids.NewID()}
	h.mailbox, err = mailboxes.Open(context.Background(), client, h.accountID)
	require.Nil(err)
	h.transport, err = New(c, mailboxes, mux, h.mailbox)
	require.Nil(err)
	return h
}

func (h *harness) read(t *testing.T, onRaw func(*protocol.Envelope) error) *protocol.Envelope {
	env, err := h.transport.ReadOrEmpty(context.Background(), time.Second, onRaw)
	require.Nil(t, err)
	return env
}

func accept(*protocol.Envelope) error { return nil }

func TestParseURL(t *testing.T) {
	require := require.New(t)
	pu := &ParsedURL{Host: "mail.example.com", Port: 1234}
	pu.PublicBytes[0] = 1
	pu.SendToken[31] = 2
	parsed, err := ParseURL(pu.URL())
	require.Nil(err)
	require.Equal(pu, parsed)

	_, err = ParseURL("https://mail.example.com/a/b")
	require.NotNil(err)
	_, err = ParseURL("heya://mail.example.com/AAAA/AAAA")
	require.NotNil(err)
}

func TestOpenReusesMailbox(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	again, err := h.mailboxes.Open(context.Background(), h.client, h.accountID)
	require.Nil(err)
	require.Equal(h.mailbox, again)
	require.Equal(1, h.client.tokens)

	parsed, err := ParseURL(h.mailbox.URL())
	require.Nil(err)
	require.Equal("mail.example.com", parsed.Host)
	require.Equal(8337, parsed.Port)
	require.Equal(h.mailbox.SendToken, parsed.SendToken[:])
}

func TestReadInOrderAndAckAfterPersist(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	sender := ids.NewID()
	h.client.send(t, h.mailbox, &protocol.Envelope{Type: protocol.TypeCiphertext, Source: sender, Timestamp: 1, ServerGUID: "a"})
	h.client.send(t, h.mailbox, &protocol.Envelope{Type: protocol.TypeCiphertext, Source: sender, Timestamp: 2, ServerGUID: "b"})

	var persisted []string
	onRaw := func(env *protocol.Envelope) error {
		require.Empty(h.client.trimmed())
		persisted = append(persisted, env.ServerGUID)
		return nil
	}
	env := h.read(t, onRaw)
	require.Equal("a", env.ServerGUID)
	require.Equal(sender, env.Source)
	require.Equal([]uint64{0}, h.client.trimmed())

	env = h.read(t, func(env *protocol.Envelope) error {
		persisted = append(persisted, env.ServerGUID)
		return nil
	})
	require.Equal("b", env.ServerGUID)
	require.Equal([]string{"a", "b"}, persisted)
	require.Equal([]uint64{0, 1}, h.client.trimmed())
}

func TestPersistFailureDoesNotAck(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.send(t, h.mailbox, &protocol.Envelope{Timestamp: 1, ServerGUID: "a"})

	_, err := h.transport.ReadOrEmpty(context.Background(), time.Second, func(*protocol.Envelope) error {
		return errors.New("disk full")
	})
	require.ErrorContains(err, "disk full")
	require.Empty(h.client.trimmed())

	stored, err := h.mailboxes.Get(h.accountID)
	require.Nil(err)
	require.Equal(uint64(0), stored.NextSeq)

	env := h.read(t, accept)
	require.Equal("a", env.ServerGUID)
}

func TestMissingAndUndecodableFramesAreSkipped(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.push(h.mailbox.SendToken, []byte("not a frame"))
	token, body, err := Seal(h.mailbox.URL(), &protocol.Envelope{Timestamp: 3})
	require.Nil(err)
	body[len(body)-1] ^= 1
	h.client.push(token, body)
	skipped := h.client.push(token, nil)
	h.client.lock.Lock()
	delete(h.client.frames[string(token)], skipped)
	h.client.lock.Unlock()
	h.client.send(t, h.mailbox, &protocol.Envelope{Timestamp: 4})

	env := h.read(t, accept)
	require.Equal(uint64(4), env.Timestamp)
	require.Equal([]uint64{0, 1, 2, 3}, h.client.trimmed())
}

func TestCursorSurvivesRestart(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.send(t, h.mailbox, &protocol.Envelope{Timestamp: 1})
	h.client.send(t, h.mailbox, &protocol.Envelope{Timestamp: 2})
	require.Equal(uint64(1), h.read(t, accept).Timestamp)

	mailbox, err := h.mailboxes.Get(h.accountID)
	require.Nil(err)
	require.Equal(uint64(1), mailbox.NextSeq)
	restarted, err := New(h.config, h.mailboxes, h.mux, mailbox)
	require.Nil(err)
	env, err := restarted.ReadOrEmpty(context.Background(), time.Second, accept)
	require.Nil(err)
	require.Equal(uint64(2), env.Timestamp)
}

func TestAssignsGUID(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.client.send(t, h.mailbox, &protocol.Envelope{Timestamp: 1})
	env := h.read(t, accept)
	require.Equal(h.mailbox.guidPrefix()+"/0", env.ServerGUID)
}

func TestOtherTokensAndTimeout(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	other := make([]byte, 32)
	other[0] = 0xff
	h.client.push(other, []byte("someone else"))

	env, err := h.transport.ReadOrEmpty(context.Background(), time.Millisecond*50, accept)
	require.Nil(err)
	require.Nil(env)
	require.Empty(h.client.wants)
}

func TestCancelledRead(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.transport.ReadOrEmpty(ctx, time.Second, accept)
	require.ErrorIs(err, context.Canceled)
}

func TestPurge(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	require.Nil(h.mailboxes.db.Run("purge", func() error {
		return h.mailboxes.PurgeNoLock(h.accountID)
	}))
	mailbox, err := h.mailboxes.Get(h.accountID)
	require.Nil(err)
	require.Nil(mailbox)
}
