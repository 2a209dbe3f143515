// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation holds the in-memory conversation list and the active
// selection.
//
// Every mutation takes the store lock, is applied atomically and then
// notifies subscribers. Readers get clones; nothing outside the package
// holds a live *model.Conversation.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigrun-assist/internal/logging"
	"github.com/jeranaias/rigrun-assist/internal/model"
)

var (
	// ErrNotFound is returned for an unknown conversation ID.
	ErrNotFound = errors.New("conversation not found")

	// ErrMessageNotFound is returned for an unknown message ID.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotRateable rejects feedback on user messages and pending replies.
	ErrNotRateable = errors.New("only finished replies can be rated")
)

// Mirror persists snapshots of the store.
type Mirror interface {
	Save(activeID string, convs []*model.Conversation) error
}

// =============================================================================
// STORE
// =============================================================================

// Store is the conversation list. The zero value is not usable; call New.
type Store struct {
	mu       sync.Mutex
	convs    []*model.Conversation
	activeID string

	// Outstanding replies by conversation ID.
	replies map[string]*Reply

	subsMu sync.Mutex
	subs   map[int]chan Change
	nextID int

	syncMu sync.Mutex
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty store. mirror may be nil.
func New(mirror Mirror, logger *zap.Logger) *Store {
	return &Store{
		replies: make(map[string]*Reply),
		subs:    make(map[int]chan Change),
		mirror:  mirror,
		logger:  logging.OrNop(logger).Named("conversation"),
		now:     time.Now,
	}
}

// Init seeds the store with previously mirrored conversations. The list is
// never empty afterwards.
func (s *Store) Init(activeID string, convs []*model.Conversation) {
	s.mu.Lock()
	s.convs = nil
	for _, c := range convs {
		if c != nil {
			s.convs = append(s.convs, c.Clone())
		}
	}
	s.activeID = ""
	if s.indexLocked(activeID) >= 0 {
		s.activeID = activeID
	}
	s.ensureActiveLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeList})
}

// =============================================================================
// READS
// =============================================================================

// Active returns a copy of the selected conversation.
func (s *Store) Active() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.getLocked(s.activeID); c != nil {
		return c.Clone()
	}
	return nil
}

// ActiveID returns the selected conversation's ID.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Get returns a copy of the conversation with id.
func (s *Store) Get(id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getLocked(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// Summary describes a conversation for listings.
type Summary struct {
	ID           string
	Name         string
	Preview      string
	MessageCount int
	UpdatedAt    time.Time
	Active       bool
	Waiting      bool
}

// List summarizes every conversation in display order.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, Summary{
			ID:           c.ID,
			Name:         c.Name,
			Preview:      c.Preview(),
			MessageCount: c.MessageCount(),
			UpdatedAt:    c.UpdatedAt,
			Active:       c.ID == s.activeID,
			Waiting:      s.waitingLocked(c.ID),
		})
	}
	return out
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// Waiting reports whether conversation id has an outstanding reply that has
// not received any content yet.
func (s *Store) Waiting(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingLocked(id)
}

func (s *Store) waitingLocked(id string) bool {
	r := s.replies[id]
	if r == nil {
		return false
	}
	c := s.getLocked(id)
	if c == nil {
		return false
	}
	msg := c.GetMessageByID(r.msgID)
	return msg != nil && msg.Pending && msg.IsEmpty()
}

// Streaming reports whether conversation id has an outstanding reply.
func (s *Store) Streaming(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies[id] != nil
}

// =============================================================================
// LIST MUTATIONS
// =============================================================================

// Create adds a conversation named after base, made unique, selects it and
// returns a copy.
func (s *Store) Create(base string) *model.Conversation {
	s.mu.Lock()
	conv := s.createLocked(base)
	s.activeID = conv.ID
	clone := conv.Clone()
	s.mu.Unlock()

	s.logger.Debug("conversation created", zap.String("id", conv.ID))
	s.notify(Change{Kind: ChangeList, ConversationID: conv.ID})
	return clone
}

// EnsureActive returns the active conversation ID, creating one if needed.
func (s *Store) EnsureActive() string {
	s.mu.Lock()
	created := s.ensureActiveLocked()
	id := s.activeID
	s.mu.Unlock()

	if created {
		s.notify(Change{Kind: ChangeList, ConversationID: id})
	}
	return id
}

// Select makes id the active conversation.
func (s *Store) Select(id string) error {
	s.mu.Lock()
	if s.getLocked(id) == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := s.activeID != id
	s.activeID = id
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeActive, ConversationID: id})
	}
	return nil
}

// Delete removes id and returns what was removed. Deleting the active
// conversation selects the first remaining one or creates a fresh one.
func (s *Store) Delete(id string) (*model.Conversation, error) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	removed := s.convs[idx]
	s.convs = append(s.convs[:idx:idx], s.convs[idx+1:]...)
	if r := s.replies[id]; r != nil {
		r.abandoned = true
		delete(s.replies, id)
	}
	if s.activeID == id {
		s.activeID = ""
		if len(s.convs) > 0 {
			s.activeID = s.convs[0].ID
		}
	}
	s.ensureActiveLocked()
	s.mu.Unlock()

	s.logger.Debug("conversation deleted", zap.String("id", id))
	s.notify(Change{Kind: ChangeList, ConversationID: id})
	return removed.Clone(), nil
}

// ClearMessages empties id's history. The conversation itself stays.
func (s *Store) ClearMessages(id string) error {
	s.mu.Lock()
	c := s.getLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r := s.replies[id]; r != nil {
		r.abandoned = true
		delete(s.replies, id)
	}
	c.ClearHistory()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: id})
	return nil
}

// Replace swaps the whole list, selecting the first entry. An empty list
// resets the store to one fresh conversation. Outstanding replies are
// abandoned.
func (s *Store) Replace(convs []*model.Conversation) {
	s.mu.Lock()
	for id, r := range s.replies {
		r.abandoned = true
		delete(s.replies, id)
	}
	s.convs = nil
	s.activeID = ""
	for _, c := range convs {
		if c == nil {
			continue
		}
		s.convs = append(s.convs, c.Clone())
	}
	s.ensureActiveLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeList})
}

// Reset drops everything and starts over with one fresh conversation.
func (s *Store) Reset() {
	s.Replace(nil)
}

// SetRemote records the server-side session identity of id.
func (s *Store) SetRemote(id, remoteSessionID, topic string) error {
	s.mu.Lock()
	c := s.getLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if remoteSessionID != "" {
		c.RemoteSessionID = remoteSessionID
	}
	if topic != "" {
		c.Topic = topic
	}
	s.mu.Unlock()
	return nil
}

// =============================================================================
// MESSAGE MUTATIONS
// =============================================================================

// AppendMessage adds msg to conversation id.
func (s *Store) AppendMessage(id string, msg *model.Message) error {
	s.mu.Lock()
	c := s.getLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.AddMessage(msg)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: id, MessageID: msg.ID})
	return nil
}

// SetFeedback records fb on the finalized reply msgID of conversation id.
// The content of the reply is left untouched.
func (s *Store) SetFeedback(id, msgID string, fb model.Feedback) error {
	if fb.Rating < 0 || fb.Rating > model.MaxRating {
		return fmt.Errorf("rating must be between 1 and %d", model.MaxRating)
	}

	s.mu.Lock()
	c := s.getLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	msg := c.GetMessageByID(msgID)
	if msg == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, msgID)
	}
	if msg.IsUser || msg.Pending {
		s.mu.Unlock()
		return ErrNotRateable
	}
	msg.Feedback = &fb
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessages, ConversationID: id, MessageID: msgID})
	return nil
}

// =============================================================================
// MIRROR
// =============================================================================

// Sync writes a snapshot to the mirror. Failures are logged and returned;
// persistence is best effort.
func (s *Store) Sync() error {
	if s.mirror == nil {
		return nil
	}

	// Saves are serialized so an older snapshot never overwrites a newer one.
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.mu.Lock()
	activeID := s.activeID
	snapshot := make([]*model.Conversation, len(s.convs))
	for i, c := range s.convs {
		snapshot[i] = c.Clone()
	}
	s.mu.Unlock()

	if err := s.mirror.Save(activeID, snapshot); err != nil {
		s.logger.Warn("conversation mirror sync failed", zap.Error(err))
		return err
	}
	return nil
}

// =============================================================================
// HELPERS (caller holds s.mu)
// =============================================================================

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, c := range s.convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) getLocked(id string) *model.Conversation {
	if i := s.indexLocked(id); i >= 0 {
		return s.convs[i]
	}
	return nil
}

// ensureActiveLocked guarantees a non-empty list and a valid selection. It
// reports whether a conversation was created.
func (s *Store) ensureActiveLocked() bool {
	if len(s.convs) == 0 {
		c := s.createLocked(model.DefaultConversationName)
		s.activeID = c.ID
		return true
	}
	if s.indexLocked(s.activeID) < 0 {
		s.activeID = s.convs[0].ID
	}
	return false
}

// createLocked prepends a new conversation with a unique name.
func (s *Store) createLocked(base string) *model.Conversation {
	conv := model.NewConversation(s.uniqueNameLocked(base))
	conv.CreatedAt = s.now()
	conv.UpdatedAt = conv.CreatedAt
	s.convs = append([]*model.Conversation{conv}, s.convs...)
	return conv
}

// uniqueNameLocked returns base, or "<base> (<n>)" with the smallest n >= 1
// not in use. Names are compared in Unicode NFC.
func (s *Store) uniqueNameLocked(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = model.DefaultConversationName
	}
	base = norm.NFC.String(base)

	taken := make(map[string]bool, len(s.convs))
	for _, c := range s.convs {
		taken[norm.NFC.String(c.Name)] = true
	}
	if !taken[base] {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", base, n)
		if !taken[candidate] {
			return candidate
		}
	}
}
