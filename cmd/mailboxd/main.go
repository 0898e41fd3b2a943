package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/cardmbx/internal/config"
	"github.com/danmuck/cardmbx/internal/logging"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envConfigPath = "CARDMBX_CONFIG"

func main() {
	envErr := godotenv.Load()
	logging.ConfigureRuntime()
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		log.Warn().Err(envErr).Msg("failed to load .env")
	}

	defaultPath := "cmd/mailboxd/config.toml"
	if v := os.Getenv(envConfigPath); v != "" {
		defaultPath = v
	}
	configPath := flag.String("config", defaultPath, "mailboxd config path")
	flag.Parse()

	cfg, err := loadDaemonConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load mailboxd config")
	}
	link, err := config.LoadLinkConfig(cfg.LinkConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.LinkConfig).Msg("failed to load link config")
	}
	log.Info().Str("path", *configPath).Str("link", link.Name).Msg("loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, link)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build endpoints")
	}
	if err := d.start(ctx); err != nil {
		d.shutdown()
		log.Fatal().Err(err).Msg("link handshake failed")
	}
	log.Info().Str("link", link.Name).Str("admin", cfg.AdminAddr).Msg("mailboxd started")
	if err := d.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("mailboxd stopped")
	}
	log.Info().Msg("mailboxd stopped")
}
