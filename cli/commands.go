// Package cli implements the signserver command line: the HTTP server and
// local signing, deferred signing and verification commands.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/config"
	"github.com/digitorus/signserver/signing"
	"github.com/digitorus/signserver/store"
	"github.com/digitorus/signserver/tsa"
)

const configFlag = "config"

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

// New returns the root command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signserver [command]",
		Short: "Deferred PDF signing service",
		Long: `signserver prepares PDF documents for signing with keys it never sees,
embeds the externally produced signatures and runs multi-step document
flows over an HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP(configFlag, "c", config.DefaultLocation, "path to the TOML configuration file")

	cmd.AddCommand(
		newServeCommand(),
		newPresignCommand(),
		newFinalizeCommand(),
		newSignCommand(),
		newTimestampCommand(),
		newVerifyCommand(),
		newExtractCommand(),
		newFieldsCommand(),
		newFillCommand(),
		newTokenCommand(),
	)
	return cmd
}

// environment is what the commands share after reading the configuration.
type environment struct {
	cfg     *config.Config
	log     zerolog.Logger
	storage store.Storage
	signing *signing.Service
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// setup loads the configuration and builds the storage and signing service.
func setup(cmd *cobra.Command) (*environment, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	storage, err := store.Open(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}

	svc, err := signing.NewService(signing.Options{
		Storage:      storage,
		TSA:          tsaClient(cfg.TSA),
		ReserveBytes: cfg.Signing.ReserveBytes,
		RequestTTL:   cfg.Signing.RequestTTL,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	return &environment{cfg: cfg, log: log, storage: storage, signing: svc}, nil
}

func tsaClient(cfg config.TSA) *tsa.Client {
	if cfg.URL == "" {
		return nil
	}
	client := tsa.New(cfg.URL)
	client.Username = cfg.Username
	client.Password = cfg.Password
	client.Timeout = cfg.Timeout
	return client
}

// newLogger writes JSON lines, or human readable output for the console
// format.
func newLogger(cfg config.Log, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
