package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dbmux/dbmux/internal/config"
	"github.com/dbmux/dbmux/internal/connection"
	"github.com/dbmux/dbmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/dbmux.yaml", "path to config file")
	alias := flag.String("alias", "", "connection alias to run against (default: configured default)")
	ping := flag.Bool("ping", false, "probe liveness of every configured alias and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	mgr, err := connection.NewManager(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if *ping {
		os.Exit(pingAll(ctx, mgr, cfg, logger))
	}

	if err := mgr.EnsureConnection(ctx, *alias, false); err != nil {
		logger.Error("failed to activate alias", "alias", *alias, "error", err)
		os.Exit(1)
	}

	query := strings.Join(flag.Args(), " ")
	if query == "" {
		stats := mgr.Stats()
		logger.Info("connected",
			"current_alias", stats.CurrentAlias,
			"database", mgr.CurrentDatabase(),
			"connections", stats.ConnectionCount,
			"aliases", stats.AliasCount,
		)
		return
	}

	if err := run(ctx, mgr, query); err != nil {
		logger.Error("query failed", "error", err)
		os.Exit(1)
	}
}

// pingAll probes every configured alias and reports per-alias health.
func pingAll(ctx context.Context, mgr *connection.Manager, cfg *config.Config, logger *slog.Logger) int {
	exit := 0
	for alias := range cfg.Connections {
		if err := mgr.EnsureConnection(ctx, alias, true); err != nil {
			logger.Error("alias unreachable", "alias", alias, "error", err)
			exit = 1
			continue
		}
		logger.Info("alias alive", "alias", alias, "database", mgr.CurrentDatabase())
	}
	return exit
}

// run executes a statement on the active alias and prints the first
// column of each row.
func run(ctx context.Context, mgr *connection.Manager, query string) error {
	rows, err := mgr.Query(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		fmt.Println(value)
	}
	return rows.Err()
}
