// Package persist is the durable message and conversation service. The
// client side answers the reconciler's persistence calls over NATS
// request/reply; the server side stores everything in Postgres.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/nats-chat-sync/pkg/chat"
)

const (
	SubjectCreateMessage  = "persist.message.create"
	SubjectParticipants   = "persist.conversation.participants"
	SubjectConversation   = "persist.conversation.get"
	SubjectToggleReaction = "persist.reaction.toggle"
	SubjectCreateConv     = "persist.conversation.create"

	// QueueGroup load-balances requests across persist-worker replicas.
	QueueGroup = "persist-worker"
)

// ErrNotFound is returned when the requested conversation does not exist.
var ErrNotFound = errors.New("persist: not found")

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type participantsResponse struct {
	UserIDs []string `json:"userIds"`
}

type reactionRequest struct {
	ConversationID string        `json:"conversationId"`
	Reaction       chat.Reaction `json:"reaction"`
}

// reply wraps every response so that service errors travel as data.
type reply struct {
	Error    string          `json:"error,omitempty"`
	NotFound bool            `json:"notFound,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func encodeReply(v any, err error) []byte {
	var r reply
	switch {
	case errors.Is(err, ErrNotFound):
		r.NotFound = true
		r.Error = err.Error()
	case err != nil:
		r.Error = err.Error()
	default:
		data, merr := json.Marshal(v)
		if merr != nil {
			r.Error = fmt.Sprintf("encode reply: %v", merr)
		} else {
			r.Data = data
		}
	}
	out, _ := json.Marshal(r)
	return out
}

func decodeReply(data []byte, v any) error {
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if r.NotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, r.Error)
	}
	if r.Error != "" {
		return errors.New(r.Error)
	}
	if v == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode reply data: %w", err)
	}
	return nil
}
