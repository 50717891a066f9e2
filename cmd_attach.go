package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ZyphrZero/Termy/client"
	"github.com/ZyphrZero/Termy/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type attachFlags struct {
	url   string
	token string
	shell string
	cwd   string
}

func attachCmd(flags *configFlags) *cobra.Command {
	attach := &attachFlags{}

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open an interactive session on a running broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if attach.token == "" {
				attach.token = os.Getenv("TERMY_TOKEN")
			}
			return runAttach(cmd.Context(), attach, logger)
		},
	}
	cmd.Flags().StringVar(&attach.url, "url", "", "broker WebSocket URL, e.g. ws://127.0.0.1:7681/ws")
	cmd.Flags().StringVar(&attach.token, "token", "", "handshake token (default $TERMY_TOKEN)")
	cmd.Flags().StringVar(&attach.shell, "shell", "", "shell type or path")
	cmd.Flags().StringVar(&attach.cwd, "cwd", "", "working directory")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runAttach(ctx context.Context, flags *attachFlags, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := client.Dial(ctx, flags.url, client.Options{
		Token:    flags.token,
		Encoding: protocol.EncodingBinary,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer c.Disconnect()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	stdinFd := int(os.Stdin.Fd())
	cols, rows := 0, 0
	if term.IsTerminal(stdinFd) {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			cols, rows = w, h
		}
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, state)
	}

	requestID, err := c.Init(protocol.Init{
		ShellType: flags.shell,
		Cwd:       flags.cwd,
		Cols:      cols,
		Rows:      rows,
	})
	if err != nil {
		return err
	}

	sessionID := ""
	for sessionID == "" {
		ev, ok := <-c.Events()
		if !ok {
			return <-runErr
		}
		switch ev := ev.(type) {
		case protocol.InitAck:
			if ev.RequestID == requestID && !ev.Success {
				// The matching error event follows.
				continue
			}
			if ev.RequestID == requestID {
				sessionID = ev.SessionID
			}
		case protocol.Error:
			if ev.RequestID == requestID {
				return fmt.Errorf("%s: %s", ev.Code, ev.Message)
			}
		}
	}

	stopResize := watchResize(stdinFd, func(cols, rows int) {
		_ = c.Resize(sessionID, cols, rows)
	})
	defer stopResize()

	go pumpStdin(os.Stdin, func(data []byte) error {
		return c.Input(sessionID, data)
	})

	for ev := range c.Events() {
		switch ev := ev.(type) {
		case protocol.Output:
			if ev.SessionID == sessionID {
				_, _ = os.Stdout.Write(ev.Data)
			}
		case protocol.Exit:
			if ev.SessionID != sessionID {
				continue
			}
			if ev.Code != 0 || ev.Signal != "" {
				code := ev.Code
				if code < 0 {
					code = exitFailure
				}
				return &exitCodeError{code: code}
			}
			return nil
		case protocol.Error:
			fmt.Fprintf(os.Stderr, "\r\n[termy] %s: %s\r\n", ev.Code, ev.Message)
		}
	}

	err = <-runErr
	if errors.Is(err, client.ErrReconnectExhausted) {
		fmt.Fprintf(os.Stderr, "\r\n[termy] %v\r\n", err)
	}
	return err
}

func pumpStdin(r io.Reader, send func([]byte) error) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := send(append([]byte(nil), buf[:n]...)); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
