package chatstate

import "github.com/example/nats-chat-sync/pkg/chat"

func findLocked(list []chat.Message, key string) int {
	for i, m := range list {
		if m.Key() == key || (m.TempID != "" && m.TempID == key) {
			return i
		}
	}
	return -1
}

// SetMessages replaces the collection of a conversation.
func (s *State) SetMessages(conversationID string, msgs []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append([]chat.Message(nil), msgs...)
	s.version++
}

// Messages returns a copy of a conversation's collection in arrival order.
func (s *State) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages[conversationID]...)
}

// AddMessage appends msg unless a message with the same key is already
// present, and records it as the conversation's last message.
func (s *State) AddMessage(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[msg.ConversationID]
	if findLocked(list, msg.Key()) >= 0 {
		return false
	}
	s.messages[msg.ConversationID] = append(list, msg)
	if i := s.indexLocked(msg.ConversationID); i >= 0 {
		last := msg
		s.conversations[i].LastMessage = &last
	}
	s.version++
	return true
}

// ReplaceMessage swaps the message addressed by key for msg. If msg's key
// is already present elsewhere in the collection the entry for key is
// dropped instead, so a message never appears twice.
func (s *State) ReplaceMessage(conversationID, key string, msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	i := findLocked(list, key)
	if i < 0 {
		return false
	}
	if j := findLocked(list, msg.Key()); j >= 0 && j != i {
		list = append(list[:i], list[i+1:]...)
		s.messages[conversationID] = list
		s.version++
		return true
	}
	list[i] = msg
	if c := s.indexLocked(conversationID); c >= 0 {
		if lm := s.conversations[c].LastMessage; lm != nil && (lm.Key() == key || lm.TempID == key) {
			last := msg
			s.conversations[c].LastMessage = &last
		}
	}
	s.version++
	return true
}

// Message looks a message up by durable or temporary id.
func (s *State) Message(conversationID, key string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	if i := findLocked(list, key); i >= 0 {
		return list[i], true
	}
	return chat.Message{}, false
}

// ToggleReaction applies chat.ToggleReaction to a stored message.
func (s *State) ToggleReaction(conversationID, key string, r chat.Reaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[conversationID]
	i := findLocked(list, key)
	if i < 0 {
		return false
	}
	list[i].Reactions = chat.ToggleReaction(list[i].Reactions, r)
	s.version++
	return true
}
