package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"leaseflow/auth"
)

// newHashSecretCommand reads the callback secret from stdin so it never
// lands in shell history.
func newHashSecretCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret",
		Short: "Hash the attestation callback secret for configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(env.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret from stdin: %w", err)
			}
			hash, err := auth.HashSecret(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
