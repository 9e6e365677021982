package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"leaseflow/contentstore"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string
}

var validFormats = []string{"text", "json"}

// Env carries what commands reach outside the process, so tests can
// replace it.
type Env struct {
	NewStore func(apiURL, gatewayURL, jwt string) contentstore.Store
	Stdin    io.Reader
	Getenv   func(string) string
}

func defaultEnv() Env {
	return Env{
		NewStore: func(apiURL, gatewayURL, jwt string) contentstore.Store {
			return contentstore.NewHTTPStore(apiURL, gatewayURL, jwt)
		},
		Stdin:  os.Stdin,
		Getenv: os.Getenv,
	}
}

func NewRootCommand(env Env) *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:           "leasectl",
		Short:         "Operator tooling for the leasing orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newDeriveCommand(opts, env))
	cmd.AddCommand(newCIDCommand(opts))
	cmd.AddCommand(newHashSecretCommand(env))
	cmd.AddCommand(newCleanupCommand(opts, env))
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
