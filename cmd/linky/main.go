// Copyright 2026 The linky Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command linky runs the short-link service and its maintenance tasks.
//
//	linky [serve]               serve the database on LINKY_PORT and LINKY_SECURE_PORT
//	linky check                 verify the database file
//	linky import [-expires-at N] <file|->   load slug:target lines
//	linky backup <dst>          copy the database file to dst
//
// All settings come from LINKY_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/bpowers/linky"
	"github.com/bpowers/linky/internal/config"
	"github.com/bpowers/linky/internal/listener"
	"github.com/bpowers/linky/internal/logging"
)

var errUsage = errors.New("usage: linky [serve | check | import [-expires-at N] <file|-> | backup <dst>]")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.FromEnv(logging.New(os.Stderr, true))
	if err != nil {
		logging.Critical(logging.New(os.Stderr, false), "invalid configuration", "error", err)
		return 1
	}
	logger := logging.New(os.Stderr, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "check":
		err = check(cfg, logger)
	case "import":
		err = importLinks(cfg, logger, args)
	case "backup":
		err = backup(cfg, logger, args)
	default:
		err = errUsage
	}
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, errUsage)
		return 2
	}
	if err != nil {
		logging.Critical(logger, cmd+" failed", "error", err)
		return 1
	}
	return 0
}

func openDB(cfg config.Config, logger *slog.Logger, create bool) (*linky.DB, error) {
	if create {
		if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o700); err != nil {
			return nil, fmt.Errorf("os.MkdirAll: %w", err)
		}
	}
	return linky.Open(cfg.Database,
		linky.WithCreate(create),
		linky.WithOwner(int(cfg.UID), int(cfg.GID)),
		linky.WithLogger(logger),
	)
}

// dropPrivileges switches to the configured group and user.  The group goes
// first, while the process may still change it.
func dropPrivileges(cfg config.Config, logger *slog.Logger) error {
	if cfg.GID != 0 {
		if err := unix.Setgid(int(cfg.GID)); err != nil {
			return fmt.Errorf("unix.Setgid(%d): %w", cfg.GID, err)
		}
		logger.Info("dropped group privileges", "gid", cfg.GID)
	}
	if cfg.UID != 0 {
		if err := unix.Setuid(int(cfg.UID)); err != nil {
			return fmt.Errorf("unix.Setuid(%d): %w", cfg.UID, err)
		}
		logger.Info("dropped user privileges", "uid", cfg.UID)
	}
	return nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := openDB(cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()

	endpoints := []listener.Endpoint{{Addr: ":" + cfg.Port}}
	if cfg.SecurePort != "" {
		if cfg.TLSEnabled() {
			tlsConfig, err := listener.LoadTLS(cfg.CertChainPath, cfg.CertKeyPath)
			if err != nil {
				return err
			}
			endpoints = append(endpoints, listener.Endpoint{Addr: ":" + cfg.SecurePort, TLS: tlsConfig})
		} else {
			logger.Warn("certificate files missing, not serving the secure port", "port", cfg.SecurePort)
		}
	}

	lns, err := listener.Listen(endpoints...)
	if err != nil {
		return err
	}
	if err := dropPrivileges(cfg, logger); err != nil {
		for _, ln := range lns {
			_ = ln.Close()
		}
		return err
	}

	srv := listener.New(db,
		listener.WithLogger(logger),
		listener.WithAcceptRate(rate.Limit(cfg.AcceptRate), listener.DefaultAcceptBurst),
	)
	err = srv.ServeAll(ctx, lns...)
	logger.Info("shutting down")
	return err
}

func check(cfg config.Config, logger *slog.Logger) error {
	db, err := openDB(cfg, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.Check()
	fmt.Printf("keys:               %d (%d expired)\n", report.Keys, report.Expired)
	fmt.Printf("buckets:            %d\n", report.Buckets)
	fmt.Printf("allocated extents:  %d\n", report.AllocatedExtents)
	fmt.Printf("referenced extents: %d\n", report.ReferencedExtents)
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func importLinks(cfg config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	expiresAt := fs.Uint64("expires-at", 0, "Unix time the imported links expire at (0: never)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}

	var r io.Reader = os.Stdin
	if path := fs.Arg(0); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("os.Open: %w", err)
		}
		defer f.Close()
		r = f
	}

	db, err := openDB(cfg, logger, true)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.Import(r, *expiresAt)
	if err != nil {
		return fmt.Errorf("imported %d links before failing: %w", n, err)
	}
	fmt.Printf("imported %d links\n", n)
	return db.Sync()
}

func backup(cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	db, err := openDB(cfg, logger, false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Backup(args[0])
}
