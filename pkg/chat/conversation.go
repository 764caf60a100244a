package chat

import "time"

// Participant is the public profile of a conversation member.
type Participant struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Avatar       string        `json:"avatar,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	OwnerID      string        `json:"ownerId,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// ParticipantIDs returns the ids of all members.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	return ids
}

// ConversationUpdate is a partial group update. Nil fields are left
// unchanged; every set field is last-writer-wins.
type ConversationUpdate struct {
	Name         *string       `json:"name,omitempty"`
	Avatar       *string       `json:"avatar,omitempty"`
	OwnerID      *string       `json:"ownerId,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	UpdatedAt    *time.Time    `json:"updatedAt,omitempty"`
}

// Apply merges u into c.
func (u ConversationUpdate) Apply(c *Conversation) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Avatar != nil {
		c.Avatar = *u.Avatar
	}
	if u.OwnerID != nil {
		c.OwnerID = *u.OwnerID
	}
	if u.Participants != nil {
		c.Participants = append([]Participant(nil), u.Participants...)
	}
	if u.UpdatedAt != nil {
		c.UpdatedAt = *u.UpdatedAt
	}
}
