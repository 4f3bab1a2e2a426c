// helpdesk is the terminal client for the helpdesk ticketing API: sign in,
// watch notifications arrive live, mark them read.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/nhle/helpdesk/internal/api"
	"github.com/nhle/helpdesk/internal/app"
	"github.com/nhle/helpdesk/internal/credential"
	"github.com/nhle/helpdesk/internal/guard"
	"github.com/nhle/helpdesk/internal/model"
	"github.com/nhle/helpdesk/internal/notify"
	"github.com/nhle/helpdesk/internal/push"
	"github.com/nhle/helpdesk/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logFile, logLevel string

	flagSet := pflag.NewFlagSet("helpdesk", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", model.DefaultConfigPath(), "path to the YAML config file")
	flagSet.StringVar(&logFile, "log-file", "", "write JSON logs to this file (overrides log.file)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info().
		Str("config", configPath).
		Str("api", cfg.API.BaseURL).
		Str("credentials", cfg.Credentials.Backend).
		Msg("starting helpdesk")

	creds, err := credential.Open(cfg.Credentials)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	if c, ok := creds.(credential.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	client := api.NewClient(cfg.API, log)
	manager := session.NewManager(creds, api.NewAuthGateway(client), log)
	syncer := notify.New(
		manager,
		api.NewNotificationGateway(client),
		push.NewChannel(cfg.Push, log),
		log,
	)
	manager.SetListener(syncer)
	defer manager.Dispose()

	if err := manager.Init(context.Background()); err != nil {
		return err
	}

	root := app.New(app.Deps{
		Session: manager,
		Feed:    syncer,
		Guard:   guard.New(manager),
		Logger:  log,
	})

	program := tea.NewProgram(root, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running ui: %w", err)
	}

	log.Info().Msg("exiting")
	return nil
}

// newLogger builds the JSON file logger. The terminal belongs to the UI,
// so an empty path discards logs instead of writing to stderr.
func newLogger(cfg model.LogConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = io.Discard
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	log := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "helpdesk").
		Logger()
	return log, closeFn, nil
}
