// Command stagesync runs the state-synchronization client headlessly: it
// opens the push channel for the configured actor, persists the notification
// ledger, and reports unread counts until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stagelink/stagesync/internal/channel"
	"github.com/stagelink/stagesync/internal/config"
	"github.com/stagelink/stagesync/internal/ledger"
	"github.com/stagelink/stagesync/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	channelURL := flag.String("channel-url", cfg.Channel.URL, "push channel URL")
	ledgerDSN := flag.String("ledger-dsn", cfg.Ledger.DSN, "ledger persistence DSN (file, sqlite, postgres, memory)")
	sessionFile := flag.String("session-file", cfg.Session.TokenFile, "session token file to watch for logins")
	actorID := flag.String("actor", cfg.Session.ActorID, "static actor ID (overrides session file)")
	token := flag.String("token", cfg.Session.Token, "static bearer token")
	interval := flag.Duration("interval", 30*time.Second, "unread report interval")
	once := flag.Bool("once", false, "connect, report once, and exit")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend, err := ledger.BuildBackendFromDSN(*ledgerDSN)
	if err != nil {
		logger.Error("building ledger backend", "dsn", *ledgerDSN, "error", err)
		os.Exit(1)
	}
	led, err := ledger.New(ledger.Options{Backend: backend, Logger: logger})
	if err != nil {
		logger.Error("initializing ledger", "error", err)
		os.Exit(1)
	}

	source, logins, closeSource, err := buildSessionSource(*actorID, *token, *sessionFile, logger)
	if err != nil {
		logger.Error("initializing session source", "error", err)
		os.Exit(1)
	}
	defer closeSource()

	ch, err := channel.New(channel.Options{
		URL:      *channelURL,
		Sessions: source,
		Ledger:   led,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("initializing channel", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reconnectDelay := time.Duration(cfg.Channel.ReconnectDelayMS) * time.Millisecond
	if logins != nil {
		go ch.RetryOnLogin(rootCtx, logins, reconnectDelay)
	}

	connectCtx, cancel := context.WithTimeout(rootCtx, 30*time.Second)
	err = ch.Connect(connectCtx)
	cancel()
	switch {
	case err == nil:
		logger.Info("push channel open")
	case errors.Is(err, channel.ErrNotAuthenticated) && logins != nil:
		logger.Info("no session yet, waiting for login", "sessionFile", *sessionFile)
	default:
		logger.Error("connecting push channel", "error", err)
		os.Exit(1)
	}
	defer ch.Disconnect()

	report := func() {
		logger.Info("ledger status",
			"state", ch.State().String(),
			"connected", led.Connected(),
			"events", led.Len(),
			"unread", led.UnreadCount(),
		)
	}

	report()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutting down", "reason", rootCtx.Err())
			return
		case <-ticker.C:
			report()
		}
	}
}

// buildSessionSource picks between a static actor/token pair and a watched
// token file. The returned channel is non-nil only when a file is watched.
func buildSessionSource(actorID, token, sessionFile string, logger *slog.Logger) (session.Source, <-chan session.Session, func(), error) {
	if strings.TrimSpace(actorID) != "" && strings.TrimSpace(token) != "" {
		return session.Static(actorID, token), nil, func() {}, nil
	}
	if strings.TrimSpace(sessionFile) != "" {
		watcher, err := session.WatchFile(sessionFile, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return watcher, watcher.Sessions(), func() { _ = watcher.Close() }, nil
	}
	// No credentials at all; the keyring may still hold a session from a
	// previous login.
	return session.NewKeyringStore(session.KeyringOptions{}), nil, func() {}, nil
}
