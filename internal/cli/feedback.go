// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-assist/internal/model"
)

func newFeedbackCmd(a *app) *cobra.Command {
	var (
		rating    int
		suggest   string
		messageID string
	)
	cmd := &cobra.Command{
		Use:     "feedback [n|id]",
		Aliases: []string{"rate"},
		Short:   "Rate a reply or suggest a better one",
		Long: `Rate the latest reply of a conversation (default: the active one).

A suggested reply is sent to the server so the assistant can be improved;
a rating on its own is only kept locally.`,
		Example: `  assist feedback --rating 4
  assist feedback 2 --suggest "Nhân viên chính thức có 12 ngày phép năm."`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			conv, err := lookupConversation(sess.Conversations, args)
			if err != nil {
				return err
			}
			fb := model.Feedback{Rating: rating, Suggestion: suggest}
			if err := sess.SubmitFeedback(cmd.Context(), conv.ID, messageID, fb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(feedbackSummary(fb)))
			return nil
		},
	}
	cmd.Flags().IntVarP(&rating, "rating", "r", 0, fmt.Sprintf("stars from 1 to %d", model.MaxRating))
	cmd.Flags().StringVarP(&suggest, "suggest", "s", "", "the reply you would have preferred")
	cmd.Flags().StringVar(&messageID, "message", "", "reply message id (default: latest reply)")
	return cmd
}

// parseRateArgs splits "/rate <stars> [suggested reply]".
func parseRateArgs(arg string) (model.Feedback, error) {
	stars, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
	n, err := strconv.Atoi(stars)
	if err != nil || n < 1 || n > model.MaxRating {
		return model.Feedback{}, fmt.Errorf("usage: /rate <1-%d> [suggested reply]", model.MaxRating)
	}
	return model.Feedback{Rating: n, Suggestion: strings.TrimSpace(rest)}, nil
}

func feedbackSummary(fb model.Feedback) string {
	var parts []string
	if fb.Rating > 0 {
		parts = append(parts, fmt.Sprintf("Rated %d/%d", fb.Rating, model.MaxRating))
	}
	if strings.TrimSpace(fb.Suggestion) != "" {
		parts = append(parts, "suggestion sent")
	}
	return strings.Join(parts, ", ")
}
