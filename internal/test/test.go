// Helpers for tests which need a real database.
package test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	db "github.com/meow-io/go-mirror/internal/db"
	"github.com/meow-io/go-mirror/ids"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
	return c
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := ids.NewID()
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", id[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}

// Clock is a settable clock.Clock.
type Clock struct {
	lock sync.Mutex
	now  time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Set(t time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) CurrentTimeMicro() uint64 {
	return uint64(c.Now().UnixMicro())
}

func (c *Clock) CurrentTimeMs() uint64 {
	return uint64(c.Now().UnixMilli())
}

func (c *Clock) Today() clock.Day {
	return clock.DayOf(c.Now())
}
