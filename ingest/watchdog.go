package ingest

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/meow-io/go-mirror/config"
	"go.uber.org/zap"
)

// ExitDecryptWedged is the process exit code used when a decrypt outlives its deadline (EX_SOFTWARE). A
// worker stuck in decrypt stops all processing for its account while the daemon looks healthy, so the
// process ends instead and the supervisor restarts it.
const ExitDecryptWedged = 70

var ErrWedged = errors.New("ingest: watchdog deadline exceeded")

// Watchdog runs an operation against a deadline and ends the process if it is missed.
type Watchdog struct {
	deadline time.Duration
	exit     func(code int)
	log      *zap.SugaredLogger
}

func NewWatchdog(c *config.Config) *Watchdog {
	return &Watchdog{
		deadline: time.Duration(c.DecryptTimeoutMs) * time.Millisecond,
		exit:     os.Exit,
		log:      c.Logger("ingest/watchdog"),
	}
}

// Run calls fn and returns its error. The wedged call is never cancelled: once the deadline passes exit is
// called, and Run only returns afterwards if exit did not end the process.
func (w *Watchdog) Run(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := time.NewTimer(w.deadline)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		w.log.Errorf("%s did not finish within %s, exiting with %d", label, w.deadline, ExitDecryptWedged)
		w.exit(ExitDecryptWedged)
		return ErrWedged
	}
}
