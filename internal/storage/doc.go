// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage is the durable side-channel of rigrun-assist.
//
// Everything the client remembers between runs goes through a small
// key/value interface:
//
//   - cookie:<name>   credentials and other cookies (CookieStore)
//   - user            the cached user profile
//   - conversations   the conversation mirror (Mirror)
//
// # Backends
//
//   - FileKV: one JSON document written atomically
//   - SQLiteKV: a single table in a SQLite database
//   - SealedKV: wraps either backend and encrypts values at rest
//
// Persistence is best effort. Callers log and continue on write failures.
package storage
