package heya

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-mirror/codec"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/crypto"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/protocol"
	heya_client "github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const requestTimeout = time.Second * 10

// Client is the part of the heya client the receive side uses.
type Client interface {
	TokenMaker
	Want(ctx context.Context, token []byte, seq uint64) (*heya_client.Message, error)
	Trim(ctx context.Context, token []byte, seq uint64) (uint64, error)
	Notifications() chan interface{}
}

// frame is what a sender pushes: an envelope sealed to the mailbox key with a one time key pair.
type frame struct {
	PublicKey [32]byte `cbor:"1,keyasint"`
	Body      []byte   `cbor:"2,keyasint"`
}

// Seal encodes env for the mailbox at rawURL and returns the send token and the frame to push under it.
func Seal(rawURL string, env *protocol.Envelope) ([]byte, []byte, error) {
	parsed, err := ParseURL(rawURL)
	if err != nil {
		return nil, nil, err
	}
	envBytes, err := codec.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	publicKey, privateKey, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	body, err := crypto.EncryptWithDH(parsed.PublicBytes[:], privateKey[:], envBytes, nil)
	if err != nil {
		return nil, nil, err
	}
	frameBytes, err := codec.Marshal(&frame{PublicKey: *publicKey, Body: body})
	if err != nil {
		return nil, nil, err
	}
	return parsed.SendToken[:], frameBytes, nil
}

type watch struct {
	latest uint64
	wake   chan struct{}
}

// Mux routes the notifications of one client to the transports reading from it. Each token keeps only
// the highest sequence announced so far.
type Mux struct {
	client     Client
	log        *zap.SugaredLogger
	watchLock  sync.Mutex
	watches    map[string]*watch
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewMux(c *config.Config, client Client) *Mux {
	return &Mux{
		client:  client,
		log:     c.Logger("transport/heya/mux"),
		watches: make(map[string]*watch),
	}
}

func (m *Mux) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		for {
			select {
			case <-ctx.Done():
				m.log.Debugf("done receiving notifications")
				return
			case notification := <-m.client.Notifications():
				switch v := notification.(type) {
				case *heya_client.Notification:
					m.notify(v.Token, v.Seq)
				case *heya_client.DoneIntro:
					m.log.Debugf("intro finished")
				}
			}
		}
	}()
}

func (m *Mux) Shutdown() {
	if m.cancelFunc != nil {
		m.cancelFunc()
	}
	m.finished.Wait()
}

func (m *Mux) notify(token []byte, seq uint64) {
	m.watchLock.Lock()
	defer m.watchLock.Unlock()
	w := m.watchNoLock(token)
	if seq <= w.latest {
		return
	}
	m.log.Debugf("token %x has frames below %d", token, seq)
	w.latest = seq
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (m *Mux) watch(token []byte) *watch {
	m.watchLock.Lock()
	defer m.watchLock.Unlock()
	return m.watchNoLock(token)
}

func (m *Mux) watchNoLock(token []byte) *watch {
	w, ok := m.watches[string(token)]
	if !ok {
		w = &watch{wake: make(chan struct{}, 1)}
		m.watches[string(token)] = w
	}
	return w
}

func (m *Mux) latest(w *watch) uint64 {
	m.watchLock.Lock()
	defer m.watchLock.Unlock()
	return w.latest
}

// Transport reads one account's mailbox. A frame is trimmed from the server only after onRaw accepted it
// and the cursor moved past it, so a crash in between redelivers the frame under the same guid.
type Transport struct {
	accountID ids.ID
	client    Client
	mux       *Mux
	mailboxes *Mailboxes
	mailbox   *Mailbox
	watch     *watch
	log       *zap.SugaredLogger
}

func New(c *config.Config, mailboxes *Mailboxes, mux *Mux, mailbox *Mailbox) (*Transport, error) {
	accountID, err := ids.IDFromBytes(mailbox.AccountID)
	if err != nil {
		return nil, fmt.Errorf("heya: error reading mailbox account: %w", err)
	}
	return &Transport{
		accountID: accountID,
		client:    mux.client,
		mux:       mux,
		mailboxes: mailboxes,
		mailbox:   mailbox,
		watch:     mux.watch(mailbox.SendToken),
		log:       c.Logger("transport/heya/transport"),
	}, nil
}

func (t *Transport) ReadOrEmpty(ctx context.Context, timeout time.Duration, onRaw func(*protocol.Envelope) error) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		for t.mailbox.NextSeq < t.mux.latest(t.watch) {
			seq := t.mailbox.NextSeq
			env, err := t.want(ctx, seq)
			if err != nil {
				return nil, err
			}
			if env != nil {
				if err := onRaw(env); err != nil {
					return nil, fmt.Errorf("heya: error persisting frame %d: %w", seq, err)
				}
			}
			if err := t.ack(ctx, seq); err != nil {
				return nil, err
			}
			if env != nil {
				return env, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-t.watch.wake:
		}
	}
}

// want fetches and opens frame seq. Frames that are gone or cannot be opened return nil and are skipped.
func (t *Transport) want(ctx context.Context, seq uint64) (*protocol.Envelope, error) {
	reqCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	message, err := t.client.Want(reqCtx, t.mailbox.SendToken, seq)
	if err != nil {
		return nil, fmt.Errorf("heya: error wanting frame %d: %w", seq, err)
	}
	if message == nil {
		t.log.Debugf("frame %d is gone", seq)
		return nil, nil
	}

	f := &frame{}
	if err := codec.Unmarshal(message.Body, f); err != nil {
		t.log.Warnf("unable to decode frame %d: %#v", seq, err)
		return nil, nil
	}
	envBytes, err := crypto.DecryptWithDH(f.PublicKey[:], t.mailbox.PrivateKeyNacl, f.Body, nil)
	if err != nil {
		t.log.Warnf("unable to open frame %d: %#v", seq, err)
		return nil, nil
	}
	env := &protocol.Envelope{}
	if err := codec.Unmarshal(envBytes, env); err != nil {
		t.log.Warnf("unable to decode envelope in frame %d: %#v", seq, err)
		return nil, nil
	}
	if env.ServerGUID == "" {
		env.ServerGUID = fmt.Sprintf("%s/%d", t.mailbox.guidPrefix(), seq)
	}
	return env, nil
}

func (t *Transport) ack(ctx context.Context, seq uint64) error {
	if err := t.mailboxes.advance(t.accountID, seq+1); err != nil {
		return err
	}
	t.mailbox.NextSeq = seq + 1

	reqCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	if _, err := t.client.Trim(reqCtx, t.mailbox.SendToken, seq); err != nil {
		t.log.Debugf("error while running TRIM %#v", err)
	}
	return nil
}

// Dial connects to the configured heya server. The client key pair is read from the configured PEM files,
// and generated and written to them when they do not exist yet.
func Dial(ctx context.Context, c *config.Config) (*heya_client.Client, error) {
	log := c.Logger("transport/heya/client")
	conf := &heya_client.Config{
		Host:      c.HeyaHost,
		Port:      c.HeyaPort,
		Reconnect: true,
		Ping:      true,
		NewState:  stateLogger(log, c.HeyaHost, c.HeyaPort),
		Debug:     c.Debug,
	}

	var client *heya_client.Client
	keyBytes, err := readPEM(c.HeyaKeyFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if client, err = heya_client.NewClient(conf); err != nil {
			return nil, fmt.Errorf("heya: error creating client: %w", err)
		}
		if err := writePEM(c.HeyaKeyFile, "RSA PRIVATE KEY", client.PrivateKeyPKCS1); err != nil {
			return nil, err
		}
		if err := writePEM(c.HeyaCertFile, "CERTIFICATE", client.Certificate); err != nil {
			return nil, err
		}
		log.Infof("generated client key %s", c.HeyaKeyFile)
	case err != nil:
		return nil, err
	default:
		certBytes, err := readPEM(c.HeyaCertFile)
		if err != nil {
			return nil, err
		}
		conf.PrivateKeyPKCS1 = keyBytes
		conf.Cert = certBytes
		if client, err = heya_client.NewClientFromKey(conf); err != nil {
			return nil, fmt.Errorf("heya: error creating client: %w", err)
		}
	}

	reqCtx, cancelFn := context.WithTimeout(ctx, requestTimeout)
	defer cancelFn()
	if err := client.Connect(reqCtx); err != nil {
		return nil, fmt.Errorf("heya: error connecting to %s:%d: %w", c.HeyaHost, c.HeyaPort, err)
	}
	return client, nil
}

func readPEM(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("heya: no pem block in %s", path)
	}
	return block.Bytes, nil
}

func writePEM(path, typ string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("heya: error creating %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: b}); err != nil {
		return fmt.Errorf("heya: error writing %s: %w", path, err)
	}
	return nil
}

func stateLogger(log *zap.SugaredLogger, host string, port int) func(int) {
	return func(state int) {
		var s string
		switch state {
		case heya_client.Closed:
			s = "closed"
		case heya_client.Closing:
			s = "closing"
		case heya_client.Open:
			s = "open"
		case heya_client.Reconnecting:
			s = "reconnecting"
		}
		log.Infof("connection to %s:%d is %s", host, port, s)
	}
}
