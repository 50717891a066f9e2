package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/ZyphrZero/Termy/internal/server"
	"github.com/ZyphrZero/Termy/terminal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveFlags struct {
	host     string
	port     int
	encoding string
	policy   string
	shell    string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", "", "listen address (default 127.0.0.1)")
	cmd.Flags().IntVar(&f.port, "port", 0, "listen port, 0 picks a free one")
	cmd.Flags().StringVar(&f.encoding, "encoding", "", "default output encoding: binary or json")
	cmd.Flags().StringVar(&f.policy, "disconnect-policy", "", "what happens to sessions when their connection drops: kill or detach")
	cmd.Flags().StringVar(&f.shell, "shell", "", "default shell type or path")
}

// apply copies explicitly set flags over cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = f.port
	}
	if cmd.Flags().Changed("encoding") {
		cfg.Server.OutputEncoding = f.encoding
	}
	if cmd.Flags().Changed("disconnect-policy") {
		cfg.Session.DisconnectPolicy = f.policy
	}
	if cmd.Flags().Changed("shell") {
		cfg.Session.DefaultShell = f.shell
	}
	return cfg.Validate()
}

func serveCmd(flags *configFlags) *cobra.Command {
	serve := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, serve)
		},
	}
	serve.register(cmd)
	return cmd
}

func sessionDefaults(cfg *config.Config) terminal.SessionConfig {
	return terminal.SessionConfig{
		ShellType:      cfg.Session.DefaultShell,
		GracePeriod:    cfg.Session.GracePeriod,
		BatchInterval:  cfg.Session.BatchInterval,
		ReadBufferSize: cfg.Session.ReadBufferSize,
		MaxBatchSize:   cfg.Session.MaxBatchSize,
		OutputBuffer:   cfg.Session.OutputBuffer,
		InputQueue:     cfg.Session.InputQueue,
	}
}

func runServe(cmd *cobra.Command, flags *configFlags, serve *serveFlags) error {
	cfg, logger, err := flags.load(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := serve.apply(cmd, cfg); err != nil {
		return err
	}

	table := terminal.NewSessionTable(sessionDefaults(cfg), logger.Named("terminal"))
	srv, err := server.New(cfg, table, logger)
	if err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		logger.Error("cannot bind listener", zap.Error(err))
		return err
	}
	// The announcement is the first thing on stdout.
	if err := srv.Announce(os.Stdout); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("broker started",
		zap.String("version", version),
		zap.Int("port", srv.Port()),
		zap.String("disconnect_policy", cfg.Session.DisconnectPolicy),
	)
	return srv.Serve(ctx)
}
