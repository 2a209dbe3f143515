// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and saves the assist configuration.
//
// The configuration lives in ~/.assist/config.toml. Missing values fall back
// to built-in defaults and ASSIST_* environment variables override the file.
//
// # Sections
//
//   - api: chat and identity service endpoints, timeout, request rate
//   - chat: default topic, think mode, mirror sync and stream idle timeout
//   - storage: backend ("file" or "sqlite"), data directory, passphrase
//   - login: key used to open the login callback payload
//   - logging: level and output format
//   - topics: per-topic streaming and think-mode switches
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	w, err := config.Watch(path, func(cfg *config.Config, err error) { ... }, logger)
//	defer w.Close()
package config
