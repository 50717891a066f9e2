package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/ZyphrZero/Termy/internal/logging"
	"github.com/ZyphrZero/Termy/internal/server"
	"github.com/ZyphrZero/Termy/provision"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK           = 0
	exitFailure      = 1
	exitAbandoned    = 3
	// The binary is in use and failed verification; a replacement is staged.
	exitUpdateStaged = 4
)

// exitCodeError carries a specific process exit code out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var codeErr *exitCodeError
	if errors.As(err, &codeErr) {
		if codeErr.code <= 0 {
			return exitFailure
		}
		return codeErr.code
	}
	if errors.Is(err, server.ErrSessionsAbandoned) {
		return exitAbandoned
	}
	if errors.Is(err, provision.ErrBinaryInUse) {
		return exitUpdateStaged
	}
	return exitFailure
}

// configFlags are shared by every command that loads configuration.
type configFlags struct {
	path     string
	logLevel string
	dev      bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.path, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&f.dev, "dev", false, "human-readable development logging")
}

func (f *configFlags) load(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.path)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = f.dev
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	flags := &configFlags{}
	serve := &serveFlags{}

	root := &cobra.Command{
		Use:           "termy-server",
		Short:         "Local PTY session broker",
		Long:          "termy-server hosts shell sessions on pseudo-terminals and streams them to local clients over WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, serve)
		},
	}
	flags.register(root)
	serve.register(root)

	root.AddCommand(
		serveCmd(flags),
		ensureCmd(flags),
		launchCmd(flags),
		attachCmd(flags),
		tokenCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		var codeErr *exitCodeError
		if !errors.As(err, &codeErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	os.Exit(exitCode(err))
}
