// Package chat holds the domain types shared by the sync components.
package chat

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeGIF   MessageType = "gif"
	TypeFile  MessageType = "file"
)

// Reaction is one user's emoji on a message. A user holds at most one
// reaction per emoji on a message.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewReaction returns a reaction with a fresh id.
func NewReaction(messageID, userID, emoji string, now time.Time) Reaction {
	return Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: now,
	}
}

// Reply is the quoted excerpt of the message being answered.
type Reply struct {
	ID             string `json:"id"`
	Content        string `json:"content,omitempty"`
	SenderID       string `json:"senderId"`
	SenderNickname string `json:"senderNickname,omitempty"`
}

// Message is a chat message. ID is the durable id and stays empty until
// the persistence service has acknowledged the message; TempID is the
// client-generated id of an optimistic message.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"tempId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderNickname string      `json:"senderNickname,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"mediaUrl,omitempty"`
	GifURL         string      `json:"gifUrl,omitempty"`
	Reactions      []Reaction  `json:"reactions"`
	ReplyTo        *Reply      `json:"replyTo,omitempty"`
	IsEdited       bool        `json:"isEdited,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Key is the id the message is currently addressed by.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Pending reports whether the message is still awaiting persistence.
func (m Message) Pending() bool { return m.ID == "" }

// ToggleReaction removes r's (emoji, user) reaction if present and appends r
// otherwise. The input slice is not modified. Local toggles and toggles
// received from other participants both go through this function.
func ToggleReaction(reactions []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	removed := false
	for _, existing := range reactions {
		if existing.Emoji == r.Emoji && existing.UserID == r.UserID {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	if !removed {
		out = append(out, r)
	}
	return out
}
