package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"leaseflow/contentstore"
)

type cidField struct {
	ContentID contentstore.ContentID `json:"contentId"`
	Field     string                 `json:"field"`
	Width     int                    `json:"width"`
}

func newCIDCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cid",
		Short: "Convert content ids to and from the ledger's fixed-width field",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "encode <content-id>",
		Short: "Print the zero-padded field for a content id as hex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := contentstore.ContentID(args[0])
			field, err := contentstore.EncodeToFixedField(id)
			if err != nil {
				return err
			}
			return printField(cmd, opts, cidField{ContentID: id, Field: hex.EncodeToString(field[:]), Width: contentstore.FieldWidth})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "decode <hex-field>",
		Short: "Read a content id back out of a hex field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
			if err != nil {
				return fmt.Errorf("field is not hex: %w", err)
			}
			if len(raw) > contentstore.FieldWidth {
				return fmt.Errorf("field is %d bytes, want at most %d", len(raw), contentstore.FieldWidth)
			}
			var field [contentstore.FieldWidth]byte
			copy(field[:], raw)
			id := contentstore.DecodeFromFixedField(field)
			return printField(cmd, opts, cidField{ContentID: id, Field: hex.EncodeToString(field[:]), Width: contentstore.FieldWidth})
		},
	})
	return cmd
}

func printField(cmd *cobra.Command, opts *RootOptions, f cidField) error {
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), f)
	}
	if cmd.Name() == "encode" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), f.Field)
		return err
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), f.ContentID)
	return err
}
