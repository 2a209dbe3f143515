// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session keeps a login session usable across commands.
//
// # Key Types
//
//   - Monitor: turns session-expired signals into a single re-login prompt
//     and suspends sends until the user logs in again
//   - Context: the explicit set of collaborators one run of the client
//     works with (config, storage, credentials, conversations, sender)
//
// # Usage
//
//	sc, err := session.Open(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
//
//	out, err := sc.Chat.Send(ctx, sc.NewRequest(prompt, nil))
package session
