// Package credentials caches the per-day authorization tokens used for group operations. A miss fetches a
// window of days in one request and stores all of them; stored entries are never rewritten.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrMissingCredential = errors.New("credentials: server did not issue a credential for the requested day")

// Server issues credentials for the inclusive range of days.
type Server interface {
	GetCredentials(ctx context.Context, accountID ids.ID, from, to clock.Day) (map[clock.Day][]byte, error)
}

// Store persists credentials. Put must never replace an entry which already exists.
type Store interface {
	Get(ctx context.Context, accountID ids.ID, day clock.Day) ([]byte, bool, error)
	Put(ctx context.Context, accountID ids.ID, credentials map[clock.Day][]byte) error
	Purge(ctx context.Context, accountID ids.ID) error
}

// Cache serves the credentials of a single account.
type Cache struct {
	accountID ids.ID
	store     Store
	server    Server
	window    int
	log       *zap.SugaredLogger
	fetches   singleflight.Group
}

func NewCache(c *config.Config, accountID ids.ID, store Store, server Server) *Cache {
	return &Cache{
		accountID: accountID,
		store:     store,
		server:    server,
		window:    c.CredentialWindowDays,
		log:       c.Logger("credentials"),
	}
}

// Get returns the credential for day, fetching a batch from the server on a miss. Concurrent misses for the
// same day share one fetch.
func (c *Cache) Get(ctx context.Context, day clock.Day) ([]byte, error) {
	cred, ok, err := c.store.Get(ctx, c.accountID, day)
	if err != nil {
		return nil, fmt.Errorf("credentials: error reading cache: %w", err)
	}
	if ok {
		return cred, nil
	}

	v, err, _ := c.fetches.Do(fmt.Sprintf("%d", day), func() (interface{}, error) {
		return c.fetch(ctx, day)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) fetch(ctx context.Context, day clock.Day) ([]byte, error) {
	to := day + clock.Day(c.window-1)
	c.log.Debugf("fetching credentials for %s days %d-%d", c.accountID, day, to)
	batch, err := c.server.GetCredentials(ctx, c.accountID, day, to)
	if err != nil {
		return nil, fmt.Errorf("credentials: error fetching credentials: %w", err)
	}
	if err := c.store.Put(ctx, c.accountID, batch); err != nil {
		return nil, fmt.Errorf("credentials: error storing credentials: %w", err)
	}
	// another writer may have stored this day first; the stored value wins
	cred, ok, err := c.store.Get(ctx, c.accountID, day)
	if err != nil {
		return nil, fmt.Errorf("credentials: error reading cache: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMissingCredential, day)
	}
	return cred, nil
}
