// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the assist command line.
//
// Commands are built with cobra. Each invocation loads the configuration,
// builds a logger and, when a command needs it, opens one session.Context
// that is closed before the process exits.
//
//	assist                      interactive chat
//	assist ask <prompt>         one-shot prompt
//	assist conversations        list, select, show, delete, clear
//	assist sync                 load sessions from the server
//	assist login | logout | whoami
//	assist export [n|id]        Markdown or JSON
//	assist feedback [n|id]      rate a reply or suggest a better one
//	assist config show | get | set | keys | path
package cli
