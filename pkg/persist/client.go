package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/message"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
)

// Client calls the persist-worker over NATS.
type Client struct {
	nc *nats.Conn
}

func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc}
}

func (c *Client) call(ctx context.Context, subject string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", subject, err)
	}
	msg, err := otelhelper.TracedRequest(ctx, c.nc, subject, data)
	if err != nil {
		return fmt.Errorf("%s: %w", subject, err)
	}
	return decodeReply(msg.Data, resp)
}

// PersistMessage stores msg and returns its durable identity. Retrying with
// the same TempID returns the identity of the first attempt.
func (c *Client) PersistMessage(ctx context.Context, msg chat.Message) (message.ServerFields, error) {
	var fields message.ServerFields
	err := c.call(ctx, SubjectCreateMessage, msg, &fields)
	return fields, err
}

func (c *Client) FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var resp participantsResponse
	if err := c.call(ctx, SubjectParticipants, conversationRequest{ConversationID: conversationID}, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

// Conversation fetches a conversation with its participants.
func (c *Client) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := c.call(ctx, SubjectConversation, conversationRequest{ConversationID: conversationID}, &conv)
	return conv, err
}

func (c *Client) ToggleReaction(ctx context.Context, conversationID string, r chat.Reaction) error {
	return c.call(ctx, SubjectToggleReaction, reactionRequest{ConversationID: conversationID, Reaction: r}, nil)
}

// CreateConversation stores conv and returns it as persisted.
func (c *Client) CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.call(ctx, SubjectCreateConv, conv, &out)
	return out, err
}
