// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-assist/internal/export"
)

func newExportCmd(a *app) *cobra.Command {
	opts := export.DefaultOptions()
	var format string

	cmd := &cobra.Command{
		Use:   "export [n|id]",
		Short: "Export a conversation to Markdown or JSON (default: active)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			conv, err := lookupConversation(sess.Conversations, args)
			if err != nil {
				return err
			}

			opts.Logger = a.logger
			path, err := export.ExportConversation(conv, format, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Exported to "+path))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "markdown", "output format: markdown, md or json")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", opts.OutputDir, "directory to write into")
	cmd.Flags().BoolVar(&opts.OpenAfterExport, "open", false, "open the file afterwards")
	cmd.Flags().BoolVar(&opts.IncludeMetadata, "metadata", opts.IncludeMetadata, "include front matter and session details")
	cmd.Flags().BoolVar(&opts.IncludeTimestamps, "timestamps", opts.IncludeTimestamps, "include per-message timestamps")
	return cmd
}
