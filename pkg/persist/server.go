package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/message"
	"github.com/example/nats-chat-sync/pkg/otelhelper"
)

// Repository is the durable storage behind the service.
type Repository interface {
	InsertMessage(ctx context.Context, msg chat.Message) (message.ServerFields, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	Conversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	ToggleReaction(ctx context.Context, conversationID string, r chat.Reaction) error
	CreateConversation(ctx context.Context, conv chat.Conversation) error
}

// Server answers persistence requests.
type Server struct {
	repo      Repository
	requests  metric.Int64Counter
	persisted metric.Int64Counter
}

func NewServer(repo Repository) *Server {
	meter := otel.Meter("persist-worker")
	requests, _ := meter.Int64Counter("persist_requests_total",
		metric.WithDescription("Persistence requests by subject and result"))
	persisted, _ := meter.Int64Counter("messages_persisted_total",
		metric.WithDescription("Messages stored"))
	return &Server{repo: repo, requests: requests, persisted: persisted}
}

// Subscribe attaches the server to every persistence subject.
func (s *Server) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	for _, subject := range []string{SubjectCreateMessage, SubjectParticipants, SubjectConversation, SubjectToggleReaction, SubjectCreateConv} {
		sub, err := nc.QueueSubscribe(subject, QueueGroup, s.serve)
		if err != nil {
			for _, prev := range subs {
				prev.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Server) serve(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, msg.Subject)
	defer span.End()

	out, err := s.Handle(ctx, msg.Subject, msg.Data)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrNotFound) {
			result = "not_found"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "Persistence request failed", "subject", msg.Subject, "error", err)
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", msg.Subject),
		attribute.String("result", result),
	))
	if err := msg.Respond(out); err != nil {
		slog.WarnContext(ctx, "Failed to respond", "subject", msg.Subject, "error", err)
	}
}

// Handle executes one request and returns the encoded reply. The error is
// also embedded in the reply; it is returned for logging and metrics.
func (s *Server) Handle(ctx context.Context, subject string, data []byte) ([]byte, error) {
	v, err := s.handle(ctx, subject, data)
	return encodeReply(v, err), err
}

func (s *Server) handle(ctx context.Context, subject string, data []byte) (any, error) {
	switch subject {
	case SubjectCreateMessage:
		var msg chat.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return s.createMessage(ctx, msg)

	case SubjectParticipants:
		var req conversationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		ids, err := s.repo.Participants(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return participantsResponse{UserIDs: ids}, nil

	case SubjectConversation:
		var req conversationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return s.repo.Conversation(ctx, req.ConversationID)

	case SubjectToggleReaction:
		var req reactionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		if req.Reaction.MessageID == "" || req.Reaction.UserID == "" || req.Reaction.Emoji == "" {
			return nil, errors.New("reaction requires messageId, userId and emoji")
		}
		return nil, s.repo.ToggleReaction(ctx, req.ConversationID, req.Reaction)

	case SubjectCreateConv:
		var conv chat.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		if conv.ID == "" || len(conv.Participants) == 0 {
			return nil, errors.New("conversation requires id and participants")
		}
		if err := s.repo.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		return s.repo.Conversation(ctx, conv.ID)
	}
	return nil, fmt.Errorf("unknown subject %q", subject)
}

func (s *Server) createMessage(ctx context.Context, msg chat.Message) (message.ServerFields, error) {
	if msg.ConversationID == "" || msg.SenderID == "" {
		return message.ServerFields{}, errors.New("message requires conversationId and senderId")
	}
	if msg.Content == "" && msg.MediaURL == "" && msg.GifURL == "" {
		return message.ServerFields{}, errors.New("message has no content")
	}
	members, err := s.repo.Participants(ctx, msg.ConversationID)
	if err != nil {
		return message.ServerFields{}, err
	}
	if !slices.Contains(members, msg.SenderID) {
		return message.ServerFields{}, fmt.Errorf("sender %s is not a participant of %s", msg.SenderID, msg.ConversationID)
	}

	fields, err := s.repo.InsertMessage(ctx, msg)
	if err != nil {
		return message.ServerFields{}, err
	}
	s.persisted.Add(ctx, 1)
	slog.DebugContext(ctx, "Message persisted", "conversation", msg.ConversationID, "id", fields.ID, "temp_id", msg.TempID)
	return fields, nil
}
