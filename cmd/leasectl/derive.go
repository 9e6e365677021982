package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"leaseflow/address"
)

type deriveFlags struct {
	program   string
	attest    string
	listing   string
	applicant string
	tenant    string
	lease     string
	initiator string
	at        int64
}

type derived struct {
	Name    string          `json:"name"`
	Address address.Address `json:"address"`
}

func newDeriveCommand(opts *RootOptions, env Env) *cobra.Command {
	f := &deriveFlags{}
	cmd := &cobra.Command{
		Use:       "derive <config|listing|application|lease|escrow|dispute>",
		Short:     "Print the ledger address of an entity",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"config", "listing", "application", "lease", "escrow", "dispute"},
		RunE: func(cmd *cobra.Command, args []string) error {
			programText := f.program
			if programText == "" {
				programText = env.Getenv("LEDGER_PROGRAM_ID")
			}
			program, err := address.Parse(programText)
			if err != nil {
				return fmt.Errorf("program id: %w", err)
			}
			out, err := deriveEntity(address.NewDeriver(program), args[0], f)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			for _, d := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", d.Name, d.Address)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.program, "program", "", "program id (defaults to LEDGER_PROGRAM_ID)")
	cmd.Flags().StringVar(&f.attest, "attest", "", "property attestation account (listing)")
	cmd.Flags().StringVar(&f.listing, "listing", "", "listing address (application, lease)")
	cmd.Flags().StringVar(&f.applicant, "applicant", "", "applicant wallet (application)")
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant wallet (lease)")
	cmd.Flags().StringVar(&f.lease, "lease", "", "lease address (escrow, dispute)")
	cmd.Flags().StringVar(&f.initiator, "initiator", "", "dispute initiator wallet (dispute)")
	cmd.Flags().Int64Var(&f.at, "at", 0, "creation or start time in unix seconds (application, lease)")
	return cmd
}

func parseFlag(name, value string) (address.Address, error) {
	if value == "" {
		return address.Zero, fmt.Errorf("--%s is required", name)
	}
	addr, err := address.Parse(value)
	if err != nil {
		return address.Zero, fmt.Errorf("--%s: %w", name, err)
	}
	return addr, nil
}

func deriveEntity(d *address.Deriver, kind string, f *deriveFlags) ([]derived, error) {
	one := func(name string, addr address.Address, err error) ([]derived, error) {
		if err != nil {
			return nil, err
		}
		return []derived{{Name: name, Address: addr}}, nil
	}

	switch kind {
	case "config":
		addr, err := d.Config()
		return one("config", addr, err)
	case "listing":
		attest, err := parseFlag("attest", f.attest)
		if err != nil {
			return nil, err
		}
		addr, err := d.Listing(attest)
		return one("listing", addr, err)
	case "application":
		listing, err := parseFlag("listing", f.listing)
		if err != nil {
			return nil, err
		}
		applicant, err := parseFlag("applicant", f.applicant)
		if err != nil {
			return nil, err
		}
		addr, err := d.Application(listing, applicant, f.at)
		return one("application", addr, err)
	case "lease":
		listing, err := parseFlag("listing", f.listing)
		if err != nil {
			return nil, err
		}
		tenant, err := parseFlag("tenant", f.tenant)
		if err != nil {
			return nil, err
		}
		addr, err := d.Lease(listing, tenant, f.at)
		return one("lease", addr, err)
	case "escrow":
		lease, err := parseFlag("lease", f.lease)
		if err != nil {
			return nil, err
		}
		escrow, err := d.Escrow(lease)
		if err != nil {
			return nil, err
		}
		vault, err := d.EscrowVault(lease)
		if err != nil {
			return nil, err
		}
		return []derived{{Name: "escrow", Address: escrow}, {Name: "vault", Address: vault}}, nil
	case "dispute":
		lease, err := parseFlag("lease", f.lease)
		if err != nil {
			return nil, err
		}
		initiator, err := parseFlag("initiator", f.initiator)
		if err != nil {
			return nil, err
		}
		addr, err := d.Dispute(lease, initiator)
		return one("dispute", addr, err)
	default:
		return nil, fmt.Errorf("unknown entity %s", strconv.Quote(kind))
	}
}
