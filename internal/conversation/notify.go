// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

// ChangeKind classifies a store mutation.
type ChangeKind int

const (
	// ChangeList means conversations were added, removed or replaced.
	ChangeList ChangeKind = iota
	// ChangeActive means the selection moved.
	ChangeActive
	// ChangeMessages means a message was appended or history cleared.
	ChangeMessages
	// ChangeToken means a pending reply's content grew.
	ChangeToken
	// ChangeFinalized means a reply was finalized.
	ChangeFinalized
)

// String returns the kind's name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeList:
		return "list"
	case ChangeActive:
		return "active"
	case ChangeMessages:
		return "messages"
	case ChangeToken:
		return "token"
	case ChangeFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Change describes a mutation. Subscribers treat it as a hint to re-read.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Subscribe returns a channel of change notifications and a function that
// unsubscribes and closes it. Delivery never blocks the store: when the
// subscriber is behind, the pending notification is kept and newer ones are
// dropped, so a slow reader sees at least one change and re-reads state.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
