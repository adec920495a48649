package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nhle/vexmail/internal/app"
	"github.com/nhle/vexmail/internal/credential"
	"github.com/nhle/vexmail/internal/logging"
	"github.com/nhle/vexmail/internal/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vexmail:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the YAML config file")
	initConfig := flag.Bool("init", false, "write the default config to -config and exit")
	storePassword := flag.Bool("store-password", false, "read the IMAP password from stdin, save it in the keyring, and exit")
	flag.Parse()

	// A missing .env is fine; the config file and environment still apply.
	_ = godotenv.Load()

	if *initConfig {
		if err := model.SaveConfig(*configPath, model.DefaultAppConfig()); err != nil {
			return err
		}
		fmt.Println("wrote", *configPath)
		return nil
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	if *storePassword {
		return savePassword(cfg)
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("closing")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func savePassword(cfg *model.AppConfig) error {
	if cfg.IMAP.Username == "" {
		return fmt.Errorf("imap.username must be set before storing a password")
	}
	fmt.Fprintf(os.Stderr, "IMAP password for %s: ", cfg.IMAP.Username)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return fmt.Errorf("empty password")
	}

	ring, err := credential.Open(filepath.Dir(cfg.Database.Path))
	if err != nil {
		return err
	}
	if err := ring.Set(credential.IMAPKey(cfg.IMAP.Username), password); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "saved")
	return nil
}
