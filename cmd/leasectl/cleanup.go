package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"leaseflow/compensation"
	"leaseflow/contentstore"
)

type cleanupFlags struct {
	apiURL     string
	gatewayURL string
	jwt        string
	images     []string
	retries    uint64
	timeout    time.Duration
}

func newCleanupCommand(opts *RootOptions, env Env) *cobra.Command {
	f := &cleanupFlags{}
	cmd := &cobra.Command{
		Use:   "cleanup [json-content-id...]",
		Short: "Unpin content left behind by a failed operation",
		Long: "Unpins the given JSON documents and --image ids through the compensation\n" +
			"coordinator and prints its report. Exits non-zero if anything stays pinned.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var artifacts compensation.Artifacts
			for _, id := range args {
				artifacts.ContentIDs = append(artifacts.ContentIDs, contentstore.ContentID(id))
			}
			for _, id := range f.images {
				artifacts.ImageIDs = append(artifacts.ImageIDs, contentstore.ContentID(id))
			}
			if artifacts.Empty() {
				return fmt.Errorf("nothing to clean up: pass content ids or --image")
			}

			apiURL := firstNonEmpty(f.apiURL, env.Getenv("CONTENT_STORE_API_URL"))
			gatewayURL := firstNonEmpty(f.gatewayURL, env.Getenv("CONTENT_STORE_GATEWAY_URL"))
			jwt := firstNonEmpty(f.jwt, env.Getenv("CONTENT_STORE_JWT"))
			coordinator := compensation.NewCoordinator(env.NewStore(apiURL, gatewayURL, jwt)).WithBackOff(f.retries, nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			report := coordinator.Cleanup(ctx, artifacts)

			if opts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printReport(cmd, report)
			}
			if report.Failed() {
				return fmt.Errorf("%d artifact(s) still pinned", report.JSONsFailed+report.ImagesFailed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "content store API url (defaults to CONTENT_STORE_API_URL)")
	cmd.Flags().StringVar(&f.gatewayURL, "gateway-url", "", "content store gateway url (defaults to CONTENT_STORE_GATEWAY_URL)")
	cmd.Flags().StringVar(&f.jwt, "jwt", "", "content store token (defaults to CONTENT_STORE_JWT)")
	cmd.Flags().StringSliceVar(&f.images, "image", nil, "image content id to unpin (repeatable)")
	cmd.Flags().Uint64Var(&f.retries, "retries", 3, "retry each unpin with backoff; 0 tries once")
	cmd.Flags().DurationVar(&f.timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

func printReport(cmd *cobra.Command, r compensation.Report) {
	w := cmd.OutOrStdout()
	for _, d := range r.Details {
		state := "cleaned"
		if !d.Cleaned {
			state = "PINNED"
		}
		fmt.Fprintf(w, "%-5s %s %s after %d attempt(s)\n", d.Kind, d.ID, state, d.Attempts)
	}
	fmt.Fprintf(w, "json: %d cleaned, %d failed\n", r.JSONsCleaned, r.JSONsFailed)
	fmt.Fprintf(w, "image: %d cleaned, %d failed\n", r.ImagesCleaned, r.ImagesFailed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
