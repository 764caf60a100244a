// Package chatstate is the client's local view: the ordered conversation
// list, per-conversation message collections, unread counters and the
// currently open conversation. All methods are safe for concurrent use.
package chatstate

import (
	"sync"

	"github.com/example/nats-chat-sync/pkg/chat"
)

type State struct {
	mu            sync.Mutex
	conversations []chat.Conversation
	messages      map[string][]chat.Message
	current       string
	version       uint64
}

func New() *State {
	return &State{messages: make(map[string][]chat.Message)}
}

// Version increases on every change.
func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *State) indexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// SetConversations replaces the conversation list.
func (s *State) SetConversations(convs []chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]chat.Conversation(nil), convs...)
	s.version++
}

// AddConversation puts conv at the top of the list. A conversation already
// present is replaced in place, keeping its unread count.
func (s *State) AddConversation(conv chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		conv.UnreadCount = s.conversations[i].UnreadCount
		s.conversations[i] = conv
	} else {
		s.conversations = append([]chat.Conversation{conv}, s.conversations...)
	}
	s.version++
}

// RemoveConversation drops the conversation and its messages. It reports
// whether the conversation was present.
func (s *State) RemoveConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	if s.current == id {
		s.current = ""
	}
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	s.version++
	return true
}

// UpdateConversation merges u into a known conversation. Updates for
// unknown conversations are ignored.
func (s *State) UpdateConversation(id string, u chat.ConversationUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	u.Apply(&s.conversations[i])
	s.version++
	return true
}

func (s *State) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return chat.Conversation{}, false
}

// Conversations returns the list, most recent first.
func (s *State) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Conversation(nil), s.conversations...)
}

// MoveToTop moves a known conversation to the head of the list.
func (s *State) MoveToTop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i <= 0 {
		return
	}
	conv := s.conversations[i]
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conv
	s.version++
}

func (s *State) IncrementUnread(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.conversations[i].UnreadCount++
		s.version++
	}
}

func (s *State) Unread(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i].UnreadCount
	}
	return 0
}

// Open makes id the current conversation and clears its unread count.
// An empty id closes the current conversation.
func (s *State) Open(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
	if i := s.indexLocked(id); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
	s.version++
}

// Current returns the open conversation id, empty when none.
func (s *State) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
