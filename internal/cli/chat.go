// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat loop.
//
// Replies are printed as they stream in. Ctrl+C while a reply streams
// cancels that reply and keeps what arrived; Ctrl+C at the prompt does
// nothing; Ctrl+D or /quit leaves.
//
// Commands:
//
//	/new [name]        Start a new conversation
//	/list              List conversations
//	/switch <n|id>     Switch to another conversation
//	/clear             Clear the current conversation's messages
//	/topic [code]      Show or set the current conversation's topic
//	/think [on|off]    Toggle think mode
//	/file <path>       Attach a file to the next message
//	/sync              Replace local conversations with the server's
//	/login <url|data>  Install a credential from the login callback
//	/rate <1-5> [text] Rate the last reply, optionally suggesting a better one
//	/suggest <text>    Suggest a better version of the last reply
//	/help              Show commands
//	/quit, /exit       Leave

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/api"
	"github.com/jeranaias/rigrun-assist/internal/chat"
	"github.com/jeranaias/rigrun-assist/internal/config"
	"github.com/jeranaias/rigrun-assist/internal/conversation"
	"github.com/jeranaias/rigrun-assist/internal/model"
	"github.com/jeranaias/rigrun-assist/internal/session"
)

const (
	userPrompt     = "you> "
	assistantLabel = "assistant> "

	// maxInputLine bounds one line of piped input.
	maxInputLine = 1 << 20
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd)
		},
	}
}

func (a *app) runChat(cmd *cobra.Command) error {
	sess, err := a.session()
	if err != nil {
		return err
	}
	if err := sess.WatchConfig(a.configPath); err != nil {
		a.logger.Warn("config reload disabled", zap.Error(err))
	}

	in := a.newInput(cmd.InOrStdin())
	defer in.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	loop := &chatLoop{
		sess:       sess,
		out:        cmd.OutOrStdout(),
		in:         in,
		interrupts: interrupts,
		think:      sess.Config().Chat.Think,
	}
	return loop.run(cmd.Context())
}

// =============================================================================
// INPUT
// =============================================================================

// lineReader reads one line per prompt. io.EOF ends the loop.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close()
}

// errAborted means Ctrl+C was pressed at the prompt.
var errAborted = errors.New("input aborted")

// newInput uses liner with persistent history on a terminal and a plain
// scanner otherwise.
func (a *app) newInput(r io.Reader) lineReader {
	if !isTerminalReader(r) {
		return newScanInput(r)
	}
	var history string
	if dir, err := config.ConfigDir(); err == nil {
		history = filepath.Join(dir, "chat_history")
	}
	return newLinerInput(history)
}

type linerInput struct {
	state       *liner.State
	historyFile string
}

func newLinerInput(historyFile string) *linerInput {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	in := &linerInput{state: state, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = state.ReadHistory(f)
			f.Close()
		}
	}
	return in
}

func (l *linerInput) ReadLine(prompt string) (string, error) {
	line, err := l.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", errAborted
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		l.state.AppendHistory(line)
	}
	return line, nil
}

// Close saves history with owner-only permissions; prompts can be private.
func (l *linerInput) Close() {
	if l.historyFile != "" {
		if f, err := os.OpenFile(l.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			_, _ = l.state.WriteHistory(f)
			f.Close()
		}
	}
	_ = l.state.Close()
}

type scanInput struct {
	sc *bufio.Scanner
}

func newScanInput(r io.Reader) *scanInput {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxInputLine)
	return &scanInput{sc: sc}
}

func (s *scanInput) ReadLine(string) (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *scanInput) Close() {}

// =============================================================================
// LOOP
// =============================================================================

type chatLoop struct {
	sess       *session.Context
	out        io.Writer
	in         lineReader
	interrupts <-chan os.Signal
	think      bool
	files      []api.FileUpload
}

func (l *chatLoop) run(ctx context.Context) error {
	l.banner()
	for {
		l.checkPrompts()

		line, err := l.in.ReadLine(userPrompt)
		switch {
		case errors.Is(err, errAborted):
			fmt.Fprintln(l.out, DimStyle.Render("(type /quit to exit)"))
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, err := l.command(ctx, line)
			if err != nil {
				fmt.Fprintln(l.out, ErrorStyle.Render("Error:"), err)
			}
			if quit {
				return nil
			}
			continue
		}
		l.send(ctx, line)
	}
}

func (l *chatLoop) banner() {
	fmt.Fprintln(l.out, TitleStyle.Render("assist"))
	if u := l.sess.User(); u != nil {
		fmt.Fprintln(l.out, DimStyle.Render("Logged in as "+u.Name()+" <"+u.Email()+">"))
	} else {
		fmt.Fprintln(l.out, WarningStyle.Render("Not logged in. Use /login <callback url> first."))
	}
	if conv := l.sess.Conversations.Active(); conv != nil {
		fmt.Fprintln(l.out, DimStyle.Render("Conversation: "+conv.Name+" ("+l.topic()+")"))
	}
	fmt.Fprintln(l.out, DimStyle.Render("Type /help for commands."))
	fmt.Fprintln(l.out, RenderSeparator())
}

// checkPrompts shows a pending re-login prompt, if any.
func (l *chatLoop) checkPrompts() {
	select {
	case p := <-l.sess.Monitor.Prompts():
		l.sess.Logger.Debug("re-login prompt shown", zap.Error(p.Reason))
		fmt.Fprintln(l.out, WarningStyle.Render("Your session has expired. Log in again with /login <callback url>."))
	default:
	}
}

func (l *chatLoop) send(ctx context.Context, prompt string) {
	req := l.sess.NewRequest("", prompt, l.files)
	req = withThink(l.sess.Config(), req, l.think)

	h, err := l.sess.Chat.SendAsync(ctx, req)
	if err != nil {
		l.reportRejection(err)
		return
	}
	l.files = nil
	drainSignals(l.interrupts)

	fmt.Fprint(l.out, PromptStyle.Render(assistantLabel))
	outcome := streamReply(l.sess.Conversations, l.out, h, l.interrupts)
	fmt.Fprintln(l.out)

	if outcome.Err != nil {
		fmt.Fprintln(l.out, DimStyle.Render("["+outcome.State.String()+"]"))
	}
}

func (l *chatLoop) reportRejection(err error) {
	switch {
	case errors.Is(err, chat.ErrSuspended):
		fmt.Fprintln(l.out, WarningStyle.Render("Sending is paused until you log in again: /login <callback url>"))
	case errors.Is(err, chat.ErrConversationBusy):
		fmt.Fprintln(l.out, WarningStyle.Render("A reply is still in progress."))
	default:
		fmt.Fprintln(l.out, ErrorStyle.Render("Error:"), err)
	}
}

func (l *chatLoop) topic() string {
	if conv := l.sess.Conversations.Active(); conv != nil && conv.Topic != "" {
		return conv.Topic
	}
	return l.sess.Config().Chat.DefaultTopic
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (l *chatLoop) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	store := l.sess.Conversations

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/h", "/?":
		l.help()

	case "/new", "/n":
		conv := store.Create(arg)
		fmt.Fprintln(l.out, SuccessStyle.Render("Started "+conv.Name))

	case "/list", "/ls":
		printConversations(l.out, store.List())

	case "/switch", "/s":
		id, err := resolveConversation(store, arg)
		if err != nil {
			return false, err
		}
		if err := store.Select(id); err != nil {
			return false, err
		}
		printTranscript(l.out, store.Active())

	case "/clear", "/c":
		if err := store.ClearMessages(store.EnsureActive()); err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, SuccessStyle.Render("Conversation cleared"))

	case "/topic":
		if arg == "" {
			fmt.Fprintln(l.out, RenderField("Topic", l.topic()))
			fmt.Fprintln(l.out, RenderField("Available", strings.Join(l.sess.Config().TopicCodes(), ", ")))
			return false, nil
		}
		code, err := checkTopic(l.sess.Config(), arg)
		if err != nil {
			return false, err
		}
		if err := store.SetRemote(store.EnsureActive(), "", code); err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, SuccessStyle.Render("Topic set to "+code))

	case "/think":
		on, err := parseToggle(arg, l.think)
		if err != nil {
			return false, err
		}
		l.think = on
		state := "off"
		if on {
			state = "on"
		}
		fmt.Fprintln(l.out, SuccessStyle.Render("Think mode "+state))
		if on && !l.sess.Config().Topic(l.topic()).ThinkEnabled() {
			fmt.Fprintln(l.out, DimStyle.Render("Topic "+l.topic()+" always answers in normal mode."))
		}

	case "/file", "/attach":
		f, err := readUpload(arg)
		if err != nil {
			return false, err
		}
		l.files = append(l.files, f)
		fmt.Fprintln(l.out, SuccessStyle.Render(fmt.Sprintf("Attached %s (%d bytes)", f.Name, len(f.Content))))

	case "/sync":
		n, err := l.sess.SyncSessions(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, SuccessStyle.Render(fmt.Sprintf("Synced %d conversations", n)))

	case "/login":
		u, err := l.sess.Login(arg)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, SuccessStyle.Render("Logged in as "+u.Name()))

	case "/rate", "/suggest":
		fb := model.Feedback{Suggestion: arg}
		if strings.ToLower(name) == "/rate" {
			if fb, err = parseRateArgs(arg); err != nil {
				return false, err
			}
		} else if arg == "" {
			return false, errors.New("usage: /suggest <better reply>")
		}
		if err := l.sess.SubmitFeedback(ctx, store.EnsureActive(), "", fb); err != nil {
			return false, err
		}
		fmt.Fprintln(l.out, SuccessStyle.Render(feedbackSummary(fb)))

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (l *chatLoop) help() {
	rows := [][2]string{
		{"/new [name]", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/switch <n|id>", "Switch conversation"},
		{"/clear", "Clear the current conversation"},
		{"/topic [code]", "Show or set the topic"},
		{"/think [on|off]", "Toggle think mode"},
		{"/file <path>", "Attach a file to the next message"},
		{"/sync", "Load conversations from the server"},
		{"/login <url>", "Log in with the callback URL"},
		{"/rate <1-5> [text]", "Rate the last reply"},
		{"/suggest <text>", "Suggest a better last reply"},
		{"/quit", "Leave"},
	}
	for _, r := range rows {
		fmt.Fprintln(l.out, RenderField(r[0], r[1]))
	}
}

// =============================================================================
// STREAMING OUTPUT
// =============================================================================

// streamReply prints the reply as it grows and returns the outcome. An
// interrupt cancels the send; what arrived stays.
func streamReply(store *conversation.Store, w io.Writer, h *chat.Handle, interrupts <-chan os.Signal) chat.Outcome {
	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()

	var printed string
	for {
		select {
		case c := <-changes:
			if c.MessageID == h.ReplyMessageID && c.Kind == conversation.ChangeToken {
				printed = printDelta(w, printed, h.Content())
			}
		case <-interrupts:
			h.Cancel()
		case <-h.Done():
			outcome := h.Wait()
			printDelta(w, printed, outcome.Content)
			return outcome
		}
	}
}

// printDelta writes what content adds to printed. Replaced content is
// reprinted on a new line.
func printDelta(w io.Writer, printed, content string) string {
	if strings.HasPrefix(content, printed) {
		fmt.Fprint(w, content[len(printed):])
	} else {
		fmt.Fprint(w, "\n", content)
	}
	return content
}

func drainSignals(ch <-chan os.Signal) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// withThink forces think mode on or off. Topics that disallow it stay normal.
func withThink(cfg *config.Config, req chat.Request, on bool) chat.Request {
	req.Mode = api.ModeNormal
	if on && cfg.Topic(req.Topic).ThinkEnabled() {
		req.Mode = api.ModeThink
	}
	return req
}

// checkTopic normalizes code and checks it is configured.
func checkTopic(cfg *config.Config, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := cfg.Topics[code]; !ok {
		return "", fmt.Errorf("unknown topic %q (available: %s)", code, strings.Join(cfg.TopicCodes(), ", "))
	}
	return code, nil
}

func parseToggle(arg string, current bool) (bool, error) {
	switch strings.ToLower(arg) {
	case "":
		return !current, nil
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return current, fmt.Errorf("expected on or off, got %q", arg)
	}
}

func readUpload(path string) (api.FileUpload, error) {
	if path == "" {
		return api.FileUpload{}, errors.New("file path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return api.FileUpload{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	return api.FileUpload{Name: filepath.Base(path), Content: data}, nil
}
