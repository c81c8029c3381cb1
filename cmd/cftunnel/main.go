// Package main provides the entry point for cftunnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/channinghe/cftunnel/internal/eventserver"
	"github.com/channinghe/cftunnel/internal/history"
	"github.com/channinghe/cftunnel/internal/orchestrator"
	"github.com/channinghe/cftunnel/internal/runtimeconfig"
	"github.com/channinghe/cftunnel/internal/version"
)

func main() {
	configPath := flag.StringP("config", "c", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	domain := flag.String("domain", "", "Hostname to route through a named tunnel")
	skipAuth := flag.Bool("skip-auth", false, "Force a quick (ephemeral) tunnel regardless of auth state")
	nonInteractive := flag.Bool("non-interactive", false, "Never prompt on DNS conflicts; always update")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cftunnel %s\n", version.Version)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := runtimeconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "3:04:05PM",
		})
	}

	log.Info().Str("version", version.Version).Msg("starting cftunnel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal().Msg("usage: cftunnel <start|stop|status|serve> ...")
	}

	var runErr error
	switch args[0] {
	case "start":
		runErr = runStart(ctx, cfg, args[1:], *domain, *skipAuth, *nonInteractive)
	case "serve":
		runErr = runServe(ctx, cfg)
	case "stop", "status":
		log.Fatal().Msg("stop/status require an out-of-process session handle; attach to `cftunnel serve` instead")
	default:
		log.Fatal().Str("command", args[0]).Msg("unknown command")
	}

	if runErr != nil && runErr != context.Canceled {
		log.Error().Err(runErr).Msg("runtime error")
		os.Exit(1)
	}

	log.Info().Msg("cftunnel stopped")
}

func runStart(ctx context.Context, cfg *runtimeconfig.Config, args []string, domain string, skipAuth, nonInteractive bool) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: cftunnel start <port>")
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[0], err)
	}

	hist, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer hist.Close()

	var events *eventserver.Server
	if cfg.Event.Enabled {
		events = eventserver.New(hist)
		go func() {
			if err := events.Run(ctx, cfg.Event.Listen); err != nil {
				log.Error().Err(err).Msg("event server error")
			}
		}()
	}

	apiToken := os.Getenv("CFTUNNEL_API_TOKEN")
	orch := orchestrator.New(
		cfg,
		filepath.Join(cfg.DataDir, "state.json"),
		filepath.Join(cfg.DataDir, "config.yml"),
		apiToken,
		hist,
		events,
	)

	handle, url, err := orch.Start(ctx, port, orchestrator.StartOptions{
		Hostname:       domain,
		SkipAuth:       skipAuth,
		NonInteractive: nonInteractive,
	})
	if err != nil {
		return err
	}

	fmt.Printf("tunnel ready: %s (handle=%s)\n", url, handle.ID)

	<-ctx.Done()
	return orch.Stop(context.Background(), handle)
}

func runServe(ctx context.Context, cfg *runtimeconfig.Config) error {
	hist, err := history.Open(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return err
	}
	defer hist.Close()

	events := eventserver.New(hist)
	return events.Run(ctx, cfg.Event.Listen)
}
