// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-assist/internal/conversation"
	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/util"
)

// Column widths for conversation listings, in terminal cells.
const (
	nameColumn    = 28
	previewColumn = 40
)

func newConversationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv", "ls"},
		Short:   "List and manage local conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), sess.Conversations.List())
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "new [name]",
			Short: "Start a new conversation and select it",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.session()
				if err != nil {
					return err
				}
				conv := sess.Conversations.Create(strings.Join(args, " "))
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Started "+conv.Name))
				return nil
			},
		},
		&cobra.Command{
			Use:   "select <n|id>",
			Short: "Select the active conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.session()
				if err != nil {
					return err
				}
				id, err := resolveConversation(sess.Conversations, args[0])
				if err != nil {
					return err
				}
				return sess.Conversations.Select(id)
			},
		},
		&cobra.Command{
			Use:   "show [n|id]",
			Short: "Print a conversation (default: active)",
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
				printTranscript(cmd.OutOrStdout(), conv)
				return nil
			},
		},
		&cobra.Command{
			Use:     "delete <n|id>",
			Aliases: []string{"rm"},
			Short:   "Delete a conversation here and on the server",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.session()
				if err != nil {
					return err
				}
				id, err := resolveConversation(sess.Conversations, args[0])
				if err != nil {
					return err
				}
				if err := sess.DeleteConversation(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted"))
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear [n|id]",
			Short: "Clear a conversation's messages (default: active)",
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
				return sess.Conversations.ClearMessages(conv.ID)
			},
		},
	)
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		Aliases: []string{"sessions"},
		Short:   "Replace local conversations with the server's sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			n, err := sess.SyncSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(fmt.Sprintf("Synced %d conversations", n)))
			printConversations(cmd.OutOrStdout(), sess.Conversations.List())
			return nil
		},
	}
}

// resolveConversation accepts a 1-based list position or a conversation ID.
func resolveConversation(store *conversation.Store, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("conversation number or id required")
	}
	if n, err := strconv.Atoi(ref); err == nil {
		list := store.List()
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("no conversation #%d (have %d)", n, len(list))
		}
		return list[n-1].ID, nil
	}
	if _, err := store.Get(ref); err != nil {
		return "", err
	}
	return ref, nil
}

// lookupConversation returns the referenced conversation, or the active one
// when args is empty.
func lookupConversation(store *conversation.Store, args []string) (*model.Conversation, error) {
	id := store.EnsureActive()
	if len(args) > 0 {
		var err error
		if id, err = resolveConversation(store, args[0]); err != nil {
			return nil, err
		}
	}
	return store.Get(id)
}

func printConversations(w io.Writer, list []conversation.Summary) {
	for i, s := range list {
		marker := "  "
		name := util.PadWidth(s.Name, nameColumn)
		if s.Active {
			marker = "* "
			name = ActiveStyle.Render(name)
		}
		count := fmt.Sprintf("%3d msgs", s.MessageCount)
		if s.Waiting {
			count = WarningStyle.Render("replying")
		}
		fmt.Fprintf(w, "%s%2d  %s  %s  %s  %s\n",
			marker, i+1, name, count,
			DimStyle.Render(s.UpdatedAt.Local().Format("2006-01-02 15:04")),
			DimStyle.Render(util.TruncateWidth(s.Preview, previewColumn)))
	}
}

func printTranscript(w io.Writer, conv *model.Conversation) {
	if conv == nil {
		return
	}
	fmt.Fprintln(w, TitleStyle.Render(conv.Name))
	if conv.IsEmpty() {
		fmt.Fprintln(w, DimStyle.Render("(no messages)"))
		return
	}
	for _, m := range conv.Messages {
		label := assistantLabel
		if m.IsUser {
			label = userPrompt
		}
		fmt.Fprintln(w, PromptStyle.Render(label)+m.GetDisplayContent())
	}
}
