// mirrord mirrors the server side state of the configured accounts into an encrypted local database.
//
// Envelopes are received from a heya mailbox, one per account. Every processed envelope is logged.
//
// Exit codes: 0 after a clean shutdown on SIGINT or SIGTERM, 1 on a startup or runtime error, and 70
// (ingest.ExitDecryptWedged) when a decrypt outlives decrypt_timeout_ms. A supervisor should restart the
// daemon after 70; the envelope that wedged is still stored and is retried first.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mirror "github.com/meow-io/go-mirror"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/meow-io/go-mirror/transport/heya"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		rootDir       string
		debug         bool
		passwordEnv   string
		addAccount    string
		removeAccount string
		e164          string
		deviceID      uint32
		multiDevice   bool
	)
	flagSet := pflag.NewFlagSet("mirrord", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "mirror.yaml", "yaml config file, missing is fine")
	flagSet.StringVar(&rootDir, "root", "", "directory holding the database and logs (overrides root_dir)")
	flagSet.BoolVar(&debug, "debug", false, "log at debug level (overrides debug)")
	flagSet.StringVar(&passwordEnv, "password-env", "MIRROR_PASSWORD", "environment variable holding the database password")
	flagSet.StringVar(&addAccount, "add-account", "", "uuid of an account to start mirroring")
	flagSet.StringVar(&removeAccount, "remove-account", "", "uuid of an account to stop mirroring and delete")
	flagSet.StringVar(&e164, "e164", "", "phone number of the account being added")
	flagSet.Uint32Var(&deviceID, "device-id", 1, "device id of the account being added")
	flagSet.BoolVar(&multiDevice, "multi-device", false, "whether the account being added has linked devices")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	opts := []config.Option{}
	if rootDir != "" {
		opts = append(opts, config.WithRootDir(rootDir))
	}
	if flagSet.Changed("debug") {
		opts = append(opts, config.WithDebug(debug))
	}
	c, err := config.Load(configPath, opts...)
	if err != nil {
		return err
	}
	log := c.Logger("mirrord")

	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s is not set", passwordEnv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := heya.Dial(ctx, c)
	if err != nil {
		return err
	}
	svc := newServices(c, client)
	m, err := mirror.NewMirror(c, svc)
	if err != nil {
		return err
	}
	key, err := m.NewKey(password)
	if err != nil {
		return err
	}
	if m.New() {
		log.Infof("initializing new database in %s", c.RootDir)
		err = m.Initialize(key)
	} else {
		err = m.Open(key)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Shutdown(); err != nil {
			log.Warnf("error shutting down: %#v", err)
		}
	}()

	if removeAccount != "" {
		id, err := ids.Parse(removeAccount)
		if err != nil {
			return err
		}
		if err := m.RemoveAccount(ctx, id); err != nil {
			return err
		}
	}
	if addAccount != "" {
		id, err := ids.Parse(addAccount)
		if err != nil {
			return err
		}
		if _, err := m.AddAccount(ctx, id, e164, deviceID, multiDevice); err != nil {
			return err
		}
		mailbox, err := svc.Mailbox(id)
		if err != nil {
			return err
		}
		log.Infof("account %s receives at %s", id, mailbox.URL())
	}

	if err := m.Start(); err != nil {
		return err
	}
	log.Infof("mirroring %d accounts", len(m.Accounts()))
	for {
		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			return nil
		case update := <-m.Updates():
			u, ok := update.(*mirror.EnvelopeUpdate)
			if !ok {
				continue
			}
			switch {
			case u.Err != nil:
				log.Warnf("%s: envelope %d from %s failed: %v", u.AccountID, u.Envelope.Timestamp, u.Envelope.Source, u.Err)
			case u.Content == nil:
				log.Debugf("%s: envelope %d from %s had no content", u.AccountID, u.Envelope.Timestamp, u.Envelope.Source)
			default:
				log.Infof("%s: envelope %d from %s", u.AccountID, u.Envelope.Timestamp, u.Content.Sender.Identity)
			}
		}
	}
}
