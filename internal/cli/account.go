// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login [callback-url | data]",
		Short: "Install the credential from the login callback",
		Long: `Log in with the callback the identity page redirects to.

Pass the full callback URL or just its "data" parameter. Without an
argument it is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data string
			if len(args) == 1 {
				data = args[0]
			} else {
				if isTerminalReader(cmd.InOrStdin()) {
					fmt.Fprint(cmd.OutOrStdout(), "Paste the callback URL: ")
				}
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no login callback given")
				}
				data = strings.TrimSpace(line)
			}

			sess, err := a.session()
			if err != nil {
				return err
			}
			u, err := sess.Login(data)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Logged in as "+u.Name()+" <"+u.Email()+">"))
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the credential and cached profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			if err := sess.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Logged out"))
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.session()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			u := sess.User()
			if u == nil {
				fmt.Fprintln(out, WarningStyle.Render("Not logged in"))
				return nil
			}
			fmt.Fprintln(out, RenderField("Name", u.Name()))
			fmt.Fprintln(out, RenderField("Email", u.Email()))
			if exp := u.Expiry(); !exp.IsZero() {
				fmt.Fprintln(out, RenderField("Session until", exp.Local().Format(time.DateTime)))
			}

			if check {
				if err := sess.Custodian.Validate(cmd.Context()); err != nil {
					return fmt.Errorf("credential check failed: %w", err)
				}
				fmt.Fprintln(out, RenderField("Credential", SuccessStyle.Render("valid")))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "validate the credential with the identity service")
	return cmd
}
