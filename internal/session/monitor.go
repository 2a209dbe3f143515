// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-assist/internal/logging"
)

// Prompt asks the user to log in again.
type Prompt struct {
	Reason error
	At     time.Time
}

// Monitor tracks whether the session needs re-authentication. It never
// touches conversations; a failed send has already written its own note.
type Monitor struct {
	mu         sync.Mutex
	pending    bool
	suppressed int
	prompts    chan Prompt
	logger     *zap.Logger
	now        func() time.Time
}

// NewMonitor creates a monitor.
func NewMonitor(logger *zap.Logger) *Monitor {
	return &Monitor{
		prompts: make(chan Prompt, 1),
		logger:  logging.OrNop(logger).Named("session"),
		now:     time.Now,
	}
}

// SessionExpired records an unrecoverable credential failure. The first
// signal suspends sends and publishes one Prompt; later signals are counted
// until Resume.
func (m *Monitor) SessionExpired(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending {
		m.suppressed++
		m.logger.Debug("session expiry already pending", zap.Int("suppressed", m.suppressed))
		return
	}
	m.pending = true
	m.logger.Info("session expired, waiting for login", zap.Error(err))

	p := Prompt{Reason: err, At: m.now()}
	select {
	case m.prompts <- p:
	default:
		// An unread prompt from an earlier cycle is replaced.
		select {
		case <-m.prompts:
		default:
		}
		m.prompts <- p
	}
}

// Prompts delivers re-login prompts.
func (m *Monitor) Prompts() <-chan Prompt { return m.prompts }

// Suspended reports whether sends are on hold.
func (m *Monitor) Suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Suppressed returns how many signals arrived while a prompt was pending.
func (m *Monitor) Suppressed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}

// Resume lifts the suspension after a successful login and discards any
// unread prompt.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending {
		m.logger.Info("session resumed", zap.Int("suppressed", m.suppressed))
	}
	m.pending = false
	m.suppressed = 0
	select {
	case <-m.prompts:
	default:
	}
}
