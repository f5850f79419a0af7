// This package supervises the mirror: it opens the encrypted database, owns one context per mirrored
// account, and runs a receive worker for each. Callers reach the per-account operations through Mirror.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-mirror/account"
	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/credentials"
	"github.com/meow-io/go-mirror/groups"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/ingest"
	"github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/jobs"
	"github.com/meow-io/go-mirror/profilekeys"
	"github.com/meow-io/go-mirror/protocol"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const (
	// Constants for mirror state.
	StateNew = iota
	StateInitialized
	StateOpen
	StateRunning
)

const receivePollInterval = 50 * time.Millisecond

var (
	ErrUnknownAccount = errors.New("mirror: unknown account")
	ErrReceiving      = errors.New("mirror: account is already receiving")
)

// Services connects accounts to the servers the mirror talks to. Open is called once the database is open
// so an implementation can create its own tables, and PurgeNoLock runs inside the transaction that removes
// an account.
type Services interface {
	Open(d *db.Database) error
	GroupServer(a *account.Account) groups.Server
	ChangeOpener(a *account.Account) groups.ChangeOpener
	CredentialServer(a *account.Account) credentials.Server
	Transport(ctx context.Context, a *account.Account) (ingest.Transport, error)
	PurgeNoLock(accountID ids.ID) error
	Shutdown() error
}

// EnvelopeUpdate is published for every envelope a receive worker processed.
type EnvelopeUpdate struct {
	AccountID ids.ID
	Envelope  *protocol.Envelope
	Content   *protocol.Content
	Err       error
}

// accountContext holds everything that belongs to one account. Dropping it from the mirror is the
// teardown.
type accountContext struct {
	account     *account.Account
	store       *protocol.RatchetStore
	lock        *protocol.SessionLock
	credentials *credentials.Cache
	reconciler  *groups.Reconciler
	pipeline    *ingest.Pipeline
	receiving   sync.Mutex
	cancelFunc  context.CancelFunc
	finished    sync.WaitGroup
}

type Mirror struct {
	DB        *db.Database
	config    *config.Config
	log       *zap.SugaredLogger
	clock     clock.Clock
	state     int
	services  Services
	accounts  *account.Store
	groups    *groups.Store
	profiles  *profilekeys.Store
	envelopes *ingest.EnvelopeStore
	ratchets  *protocol.Ratchets
	creds     credentials.Store
	queue     jobs.Queue
	closers   []func()

	contexts    map[ids.ID]*accountContext
	contextLock sync.RWMutex
	updates     chan interface{}
}

// Create a mirror rooted at c.RootDir.
func NewMirror(c *config.Config, services Services) (*Mirror, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making mirror, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Mirror{
		DB:       d,
		config:   c,
		log:      log,
		clock:    clock.NewSystemClock(),
		state:    state,
		services: services,
		contexts: make(map[ids.ID]*accountContext),
		updates:  make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (m *Mirror) NewKey(password string) ([]byte, error) {
	return newKey(password, m.config.RootDir, "salt")
}

// Produces *EnvelopeUpdate values from the receive workers.
func (m *Mirror) Updates() chan interface{} {
	return m.updates
}

func (m *Mirror) New() bool {
	return m.state == StateNew
}

func (m *Mirror) Initialized() bool {
	return m.state == StateInitialized
}

func (m *Mirror) Running() bool {
	return m.state == StateRunning
}

// Initialize a new mirror with a given key and open it.
func (m *Mirror) Initialize(key []byte) error {
	if m.state != StateNew {
		return errors.New("mirror: cannot initialize unless in state new")
	}
	if err := m.DB.Initialize(key); err != nil {
		return err
	}
	m.state = StateInitialized
	return m.Open(key)
}

// Open an existing mirror with a given key. Accounts are loaded but not receiving until Start.
func (m *Mirror) Open(key []byte) error {
	if m.state != StateInitialized {
		return errors.New("mirror: cannot open unless in state initialized")
	}
	if err := m.DB.Open(key); err != nil {
		return err
	}
	if err := m.openSubsystems(); err != nil {
		return err
	}

	accounts, err := m.accounts.List()
	if err != nil {
		return err
	}
	m.contextLock.Lock()
	defer m.contextLock.Unlock()
	for _, a := range accounts {
		ac, err := m.newAccountContext(context.Background(), a)
		if err != nil {
			return err
		}
		m.contexts[a.ID] = ac
	}
	m.state = StateOpen
	return nil
}

func (m *Mirror) openSubsystems() error {
	var err error
	if m.accounts, err = account.NewStore(m.DB); err != nil {
		return err
	}
	if m.groups, err = groups.NewStore(m.DB); err != nil {
		return err
	}
	if m.profiles, err = profilekeys.NewStore(m.config, m.DB); err != nil {
		return err
	}
	if m.envelopes, err = ingest.NewEnvelopeStore(m.DB); err != nil {
		return err
	}
	if m.ratchets, err = protocol.NewRatchets(m.config, m.DB); err != nil {
		return err
	}

	switch m.config.CredentialBackend {
	case config.BackendRedis:
		store := credentials.NewRedisStore(m.config)
		m.closers = append(m.closers, func() {
			if err := store.Close(); err != nil {
				m.log.Warnf("error closing redis: %#v", err)
			}
		})
		m.creds = store
	default:
		if m.creds, err = credentials.NewSQLStore(m.DB); err != nil {
			return err
		}
	}
	switch m.config.JobBackend {
	case config.BackendNATS:
		q, err := jobs.NewNATSQueue(m.config)
		if err != nil {
			return err
		}
		m.closers = append(m.closers, q.Close)
		m.queue = q
	default:
		if m.queue, err = jobs.NewSQLQueue(m.config, m.DB); err != nil {
			return err
		}
	}
	m.log.Infof("credentials in %s, jobs in %s", backendName(m.config.CredentialBackend), backendName(m.config.JobBackend))

	return m.services.Open(m.DB)
}

func backendName(b string) string {
	if b == "" {
		return config.BackendSQL
	}
	return b
}

func (m *Mirror) newAccountContext(ctx context.Context, a *account.Account) (*accountContext, error) {
	transport, err := m.services.Transport(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("mirror: error opening transport for %s: %w", a.ID, err)
	}
	ac := &accountContext{
		account: a,
		store:   m.ratchets.Account(a.ID, a.DeviceID, a.IdentityPublic, a.IdentityPrivate),
		lock:    &protocol.SessionLock{},
	}
	resolver := m.profiles.Resolver(a.ID)
	ac.credentials = credentials.NewCache(m.config, a.ID, m.creds, m.services.CredentialServer(a))
	ac.reconciler = groups.NewReconciler(m.config, m.DB, a.ID, m.groups, m.services.GroupServer(a), m.services.ChangeOpener(a), ac.credentials, m.clock, resolver, m.queue)
	ac.pipeline = ingest.NewPipeline(m.config, a.ID, m.envelopes, transport, ac.store, ac.lock, ac.reconciler, resolver, m.queue)
	return ac, nil
}

// Start a receive worker for every account.
func (m *Mirror) Start() error {
	if m.state != StateOpen {
		return errors.New("mirror: cannot start unless open")
	}
	m.contextLock.RLock()
	defer m.contextLock.RUnlock()
	for _, ac := range m.contexts {
		m.startWorker(ac)
	}
	m.state = StateRunning
	return nil
}

func (m *Mirror) startWorker(ac *accountContext) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	ac.cancelFunc = cancelFunc
	ac.finished.Add(1)
	go func() {
		defer ac.finished.Done()
		log := m.config.Logger(fmt.Sprintf("worker/%s", ac.account.ID))
		if !ac.acquireReceiving(ctx) {
			return
		}
		defer ac.receiving.Unlock()
		timeout := time.Duration(m.config.ReceiveTimeoutMs) * time.Millisecond
		backoff := time.Duration(m.config.RetryBackoffMs) * time.Millisecond
		handler := func(env *protocol.Envelope, content *protocol.Content, err error) {
			select {
			case m.updates <- &EnvelopeUpdate{AccountID: ac.account.ID, Envelope: env, Content: content, Err: err}:
			case <-ctx.Done():
			}
		}
		log.Infof("receiving")
		for {
			err := ac.pipeline.ReceiveMessages(ctx, timeout, false, handler)
			if ctx.Err() != nil {
				log.Infof("stopped receiving")
				return
			}
			log.Warnf("receive failed, retrying in %s: %#v", backoff, err)
			select {
			case <-ctx.Done():
				log.Infof("stopped receiving")
				return
			case <-time.After(backoff):
			}
		}
	}()
}

// acquireReceiving waits for a manual receive on the account to finish. It gives up when ctx is done.
func (ac *accountContext) acquireReceiving(ctx context.Context) bool {
	ticker := time.NewTicker(receivePollInterval)
	defer ticker.Stop()
	for !ac.receiving.TryLock() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func (ac *accountContext) stop() {
	if ac.cancelFunc != nil {
		ac.cancelFunc()
	}
	ac.finished.Wait()
	ac.cancelFunc = nil
}

// Gracefully stop the mirror. In-flight envelopes finish processing before their worker exits.
func (m *Mirror) Shutdown() error {
	if m.state != StateOpen && m.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	m.contextLock.Lock()
	for _, ac := range m.contexts {
		ac.stop()
	}
	m.contexts = make(map[ids.ID]*accountContext)
	m.contextLock.Unlock()

	errs := make([]string, 0)
	if err := m.services.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	for _, closer := range m.closers {
		closer()
	}
	m.closers = nil
	if err := m.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("mirror: error during shutdown: %s", strings.Join(errs, ", "))
	}

	m.state = StateInitialized
	close(m.updates)
	m.updates = make(chan interface{}, 100)
	return nil
}

// AddAccount starts mirroring an account the server already knows as id.
func (m *Mirror) AddAccount(ctx context.Context, id ids.ID, e164 string, deviceID uint32, multiDevice bool) (*account.Account, error) {
	if m.state != StateOpen && m.state != StateRunning {
		return nil, errors.New("mirror: cannot add account unless open")
	}
	a, err := m.accounts.Create(id, e164, deviceID, multiDevice)
	if err != nil {
		return nil, err
	}
	ac, err := m.newAccountContext(ctx, a)
	if err != nil {
		if err := m.DB.Run("undo add account", func() error {
			return m.accounts.DeleteNoLock(id)
		}); err != nil {
			m.log.Warnf("error removing half added account %s: %#v", id, err)
		}
		return nil, err
	}

	m.contextLock.Lock()
	defer m.contextLock.Unlock()
	m.contexts[a.ID] = ac
	if m.state == StateRunning {
		m.startWorker(ac)
	}
	m.log.Infof("added account %s", a.ID)
	return a, nil
}

// RemoveAccount stops the account's worker and deletes everything stored for it.
func (m *Mirror) RemoveAccount(ctx context.Context, id ids.ID) error {
	m.contextLock.Lock()
	ac, ok := m.contexts[id]
	delete(m.contexts, id)
	m.contextLock.Unlock()
	if !ok {
		return ErrUnknownAccount
	}
	ac.stop()
	ac.receiving.Lock()
	defer ac.receiving.Unlock()

	if err := m.DB.Run("remove account", func() error {
		for _, purge := range []func(ids.ID) error{
			m.groups.PurgeNoLock,
			m.profiles.PurgeNoLock,
			m.envelopes.PurgeNoLock,
			m.ratchets.PurgeNoLock,
			m.services.PurgeNoLock,
			m.accounts.DeleteNoLock,
		} {
			if err := purge(id); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := m.creds.Purge(ctx, id); err != nil {
		return fmt.Errorf("mirror: error purging credentials: %w", err)
	}
	if err := m.queue.Purge(ctx, id); err != nil {
		return fmt.Errorf("mirror: error purging jobs: %w", err)
	}
	m.log.Infof("removed account %s", id)
	return nil
}

func (m *Mirror) Accounts() []ids.ID {
	m.contextLock.RLock()
	defer m.contextLock.RUnlock()
	accounts := maps.Keys(m.contexts)
	sort.Sort(ids.ByLexicographical(accounts))
	return accounts
}

func (m *Mirror) context(id ids.ID) (*accountContext, error) {
	m.contextLock.RLock()
	defer m.contextLock.RUnlock()
	ac, ok := m.contexts[id]
	if !ok {
		return nil, ErrUnknownAccount
	}
	return ac, nil
}

// Reconcile returns the account's cached copy of the group identified by masterKey, refreshing it when it
// is older than knownRevision. Pass groups.Latest to always ask the server.
func (m *Mirror) Reconcile(ctx context.Context, accountID ids.ID, masterKey []byte, knownRevision uint32) (*groups.Group, error) {
	ac, err := m.context(accountID)
	if err != nil {
		return nil, err
	}
	params, err := groups.NewSecretParams(masterKey)
	if err != nil {
		return nil, err
	}
	return ac.reconciler.Reconcile(ctx, params, knownRevision)
}

// CommitChange applies the change built by builder to the group and returns the group after it.
func (m *Mirror) CommitChange(ctx context.Context, accountID ids.ID, masterKey []byte, builder groups.ChangeBuilder) (*groups.Group, error) {
	ac, err := m.context(accountID)
	if err != nil {
		return nil, err
	}
	params, err := groups.NewSecretParams(masterKey)
	if err != nil {
		return nil, err
	}
	return ac.reconciler.Commit(ctx, params, builder)
}

// DistributionID returns the sender key distribution id the account uses for the group, creating it on first
// use.
func (m *Mirror) DistributionID(accountID ids.ID, masterKey []byte) (uuid.UUID, error) {
	ac, err := m.context(accountID)
	if err != nil {
		return uuid.Nil, err
	}
	params, err := groups.NewSecretParams(masterKey)
	if err != nil {
		return uuid.Nil, err
	}
	return ac.reconciler.DistributionID(params.ID)
}

// AvatarFetched is called by the avatar download job once the avatar of revision is stored.
func (m *Mirror) AvatarFetched(accountID ids.ID, masterKey []byte, revision uint32) error {
	ac, err := m.context(accountID)
	if err != nil {
		return err
	}
	params, err := groups.NewSecretParams(masterKey)
	if err != nil {
		return err
	}
	return ac.reconciler.AvatarFetched(params.ID, revision)
}

// ReceiveMessages reads and processes envelopes for the account. It fails with ErrReceiving while the
// account's worker is running.
func (m *Mirror) ReceiveMessages(ctx context.Context, accountID ids.ID, timeout time.Duration, returnOnTimeout bool, handler ingest.Handler) error {
	ac, err := m.context(accountID)
	if err != nil {
		return err
	}
	if !ac.receiving.TryLock() {
		return ErrReceiving
	}
	defer ac.receiving.Unlock()
	return ac.pipeline.ReceiveMessages(ctx, timeout, returnOnTimeout, handler)
}

// RetryFailedReceivedMessages processes the envelopes left over from an earlier run.
func (m *Mirror) RetryFailedReceivedMessages(ctx context.Context, accountID ids.ID, handler ingest.Handler) error {
	ac, err := m.context(accountID)
	if err != nil {
		return err
	}
	if !ac.receiving.TryLock() {
		return ErrReceiving
	}
	defer ac.receiving.Unlock()
	return ac.pipeline.RetryFailedReceivedMessages(ctx, handler)
}

// ProtocolStore returns the account's session store, for encrypting outbound content and managing keys.
func (m *Mirror) ProtocolStore(accountID ids.ID) (*protocol.RatchetStore, *protocol.SessionLock, error) {
	ac, err := m.context(accountID)
	if err != nil {
		return nil, nil, err
	}
	return ac.store, ac.lock, nil
}
