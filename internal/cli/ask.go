// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/api"
)

type askOptions struct {
	files    []string
	topic    string
	think    bool
	newConv  bool
	noRender bool
}

func newAskCmd(a *app) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send one prompt and print the reply",
		Long: `Send one prompt to the active conversation and print the reply.

Without arguments the prompt is read from stdin, so output from other
commands can be piped in. On a terminal the finished reply is rendered
as Markdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd, args, opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.files, "file", "f", nil, "attach a file (repeatable)")
	cmd.Flags().StringVarP(&opts.topic, "topic", "t", "", "set the conversation's topic")
	cmd.Flags().BoolVar(&opts.think, "think", false, "answer in think mode")
	cmd.Flags().BoolVarP(&opts.newConv, "new", "n", false, "start a new conversation")
	cmd.Flags().BoolVar(&opts.noRender, "raw", false, "print the reply without Markdown rendering")
	return cmd
}

func (a *app) runAsk(cmd *cobra.Command, args []string, opts askOptions) error {
	prompt := strings.Join(args, " ")
	if prompt == "" && !isTerminalReader(cmd.InOrStdin()) {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	var files []api.FileUpload
	for _, path := range opts.files {
		f, err := readUpload(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	sess, err := a.session()
	if err != nil {
		return err
	}
	store := sess.Conversations

	if opts.newConv {
		store.Create("")
	}
	if opts.topic != "" {
		code, err := checkTopic(sess.Config(), opts.topic)
		if err != nil {
			return err
		}
		if err := store.SetRemote(store.EnsureActive(), "", code); err != nil {
			return err
		}
	}

	req := sess.NewRequest("", prompt, files)
	if cmd.Flags().Changed("think") {
		req = withThink(sess.Config(), req, opts.think)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	outcome, err := sess.Chat.Send(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.noRender || !isTerminalWriter(out) {
		fmt.Fprintln(out, outcome.Content)
	} else {
		fmt.Fprint(out, renderMarkdown(outcome.Content, a.logger))
	}

	return outcome.Err
}

// renderMarkdown renders a finished reply for the terminal, falling back to
// the raw text.
func renderMarkdown(content string, logger *zap.Logger) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(min(GetTerminalWidth()-4, 100)),
	)
	if err != nil {
		logger.Debug("markdown renderer unavailable", zap.Error(err))
		return content + "\n"
	}
	rendered, err := r.Render(content)
	if err != nil {
		logger.Debug("markdown render failed", zap.Error(err))
		return content + "\n"
	}
	return rendered
}
