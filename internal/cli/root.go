// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/config"
	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/session"
)

// app carries what one invocation works with. The session is opened on
// first use so config commands run without touching the store.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	sess   *session.Context
}

// Execute runs the command line and returns the process exit code.
func Execute(version string) int {
	a := &app{}
	root := newRootCmd(a, version)
	err := root.ExecuteContext(context.Background())
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

func newRootCmd(a *app, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "assist",
		Short: "Chat with the company assistant from the terminal",
		Long: `assist is a terminal client for the company AI assistant.

Replies stream in as they are generated. Conversations are kept locally
and can be synced with the server, exported to Markdown or JSON, and
continued later.

Quick Start:
  assist login '<callback url>'    # Install the credential from the login page
  assist                           # Start an interactive chat
  assist ask "Quy trình nghỉ phép?" --topic NGHI_PHEP
  assist export --format md        # Export the active conversation`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.assist/config.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newConversationsCmd(a),
		newSyncCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newExportCmd(a),
		newFeedbackCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (a *app) setup() error {
	path := a.configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
		a.configPath = p
	}

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, JSON: cfg.Logging.JSON})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// session opens the session context on first use.
func (a *app) session() (*session.Context, error) {
	if a.sess != nil {
		return a.sess, nil
	}
	sess, err := session.Open(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.sess = sess
	return sess, nil
}

// close tears down the session and flushes the logger.
func (a *app) close() error {
	var errs []error
	if a.sess != nil {
		errs = append(errs, a.sess.Close())
		a.sess = nil
	}
	if a.logger != nil {
		// Sync on stderr fails with EINVAL on some platforms; not worth reporting.
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
