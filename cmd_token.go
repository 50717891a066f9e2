package main

import (
	"fmt"

	"github.com/ZyphrZero/Termy/auth"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		file string
		cost int
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a handshake token",
		Long:  "Generates a random handshake token and prints it. With --file, only its bcrypt hash is stored there for use as server.token_file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken()
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			if file != "" {
				if err := auth.WriteTokenFile(file, token, cost); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "write the token hash to this file")
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the default)")
	return cmd
}
