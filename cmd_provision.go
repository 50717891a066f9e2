package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ZyphrZero/Termy/auth"
	"github.com/ZyphrZero/Termy/internal/config"
	"github.com/ZyphrZero/Termy/launcher"
	"github.com/ZyphrZero/Termy/provision"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newGatekeeper(cfg *config.Config, logger *zap.Logger) (*provision.Gatekeeper, error) {
	dir := cfg.Provision.Dir
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("no provision directory configured: %w", err)
		}
		dir = filepath.Join(cacheDir, "termy", "bin")
	}

	return provision.New(provision.Options{
		Name:      cfg.Provision.Name,
		BaseURL:   cfg.Provision.BaseURL,
		MirrorURL: cfg.Provision.MirrorURL,
		Dir:       dir,
		Offline:   cfg.Provision.Offline,
		Checksum:  cfg.Provision.Checksum,
		Timeout:   cfg.Provision.Timeout,
		Retries:   cfg.Provision.Retries,
		Logger:    logger,
	})
}

func provisionVersion(cfg *config.Config, flagValue string) (string, error) {
	switch {
	case flagValue != "":
		return flagValue, nil
	case cfg.Provision.Version != "":
		return cfg.Provision.Version, nil
	case version != "dev":
		return version, nil
	default:
		return "", errors.New("no version given, use --version or TERMY_VERSION")
	}
}

func ensureCmd(flags *configFlags) *cobra.Command {
	var versionFlag string

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Verify or download the server binary and print its path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			v, err := provisionVersion(cfg, versionFlag)
			if err != nil {
				return err
			}
			gk, err := newGatekeeper(cfg, logger)
			if err != nil {
				return err
			}

			path, err := gk.Ensure(cmd.Context(), v)
			if errors.Is(err, provision.ErrBinaryInUse) {
				logger.Warn("update staged, it is applied once running instances exit", zap.Error(err))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "server version to provision")
	return cmd
}

// launchInfo is printed once the launched server is up.
type launchInfo struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

func launchCmd(flags *configFlags) *cobra.Command {
	var (
		versionFlag  string
		binaryFlag   string
		startTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Provision, start and supervise a server with a fresh token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			binary := binaryFlag
			var leaser launcher.Leaser
			if binary == "" {
				v, err := provisionVersion(cfg, versionFlag)
				if err != nil {
					return err
				}
				gk, err := newGatekeeper(cfg, logger)
				if err != nil {
					return err
				}
				binary, err = gk.Ensure(ctx, v)
				if err != nil {
					return err
				}
				leaser = gk
			}

			token, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			proc, err := launcher.Start(ctx, launcher.Options{
				Binary:       binary,
				Args:         []string{"serve"},
				Env:          []string{"TERMY_TOKEN=" + token, "TERMY_PORT=0"},
				StartTimeout: startTimeout,
				Leaser:       leaser,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			info := launchInfo{
				URL:   fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, proc.Port),
				Token: token,
				PID:   proc.PID,
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(info); err != nil {
				return err
			}

			select {
			case <-proc.Done():
				if err := proc.Wait(); err != nil {
					return &exitCodeError{code: proc.ExitCode()}
				}
				return nil
			case <-ctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+2*time.Second)
			defer cancel()
			return proc.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&versionFlag, "version", "", "server version to provision")
	cmd.Flags().StringVar(&binaryFlag, "binary", "", "run this binary instead of provisioning one")
	cmd.Flags().DurationVar(&startTimeout, "start-timeout", 10*time.Second, "how long to wait for the server to announce its port")
	return cmd
}
