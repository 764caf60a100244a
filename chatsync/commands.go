package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/connstate"
	"github.com/example/nats-chat-sync/pkg/presence"
	"github.com/example/nats-chat-sync/pkg/session"
	"github.com/example/nats-chat-sync/pkg/typing"
)

var errQuit = errors.New("quit")

type command struct {
	name string
	args []string
	text string
}

// parseLine splits an input line. Lines starting with '/' are commands;
// anything else is message text for the open conversation.
func parseLine(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errors.New("empty line")
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "say", text: line}, nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errors.New("missing command")
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}

	want := map[string]int{
		"open": 1, "leave": 1, "status": 1, "react": 2, "rename": 1, "new": 2,
		"gif": 1, "image": 1, "file": 1,
		"list": 0, "history": 0, "typing": 0, "who": 0, "quit": 0,
	}
	n, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s", cmd.name)
	}
	if len(cmd.args) < n {
		return command{}, fmt.Errorf("/%s needs %d argument(s)", cmd.name, n)
	}
	if cmd.name == "rename" {
		cmd.text = strings.Join(cmd.args, " ")
	}
	return cmd, nil
}

// ConversationStore is the persistence surface the command loop needs.
type ConversationStore interface {
	session.ConversationSource
	CreateConversation(ctx context.Context, conv chat.Conversation) (chat.Conversation, error)
	FindConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

type client struct {
	s      *session.Session
	convs  ConversationStore
	out    io.Writer
	locale typing.Locale
}

func (c *client) current() (string, error) {
	id := c.s.State.Current()
	if id == "" {
		return "", errors.New("no conversation open, use /open <id>")
	}
	return id, nil
}

func (c *client) run(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "quit":
		return errQuit
	case "say", "gif", "image", "file":
		conv, err := c.current()
		if err != nil {
			return err
		}
		typ, content := chat.TypeText, cmd.text
		if cmd.name != "say" {
			typ, content = chat.MessageType(cmd.name), cmd.args[0]
		}
		msg := c.s.SendMessage(ctx, conv, content, typ, nil)
		fmt.Fprintf(c.out, "  sending %s\n", msg.TempID)
	case "typing":
		conv, err := c.current()
		if err != nil {
			return err
		}
		return c.s.Typing.StartTyping(ctx, conv)
	case "open":
		if _, ok := c.s.State.Conversation(cmd.args[0]); !ok {
			conv, err := c.convs.Conversation(ctx, cmd.args[0])
			if err != nil {
				return err
			}
			c.s.State.AddConversation(conv)
		}
		return c.s.OpenConversation(ctx, cmd.args[0])
	case "leave":
		return c.s.LeaveConversation(ctx, cmd.args[0])
	case "status":
		st, err := presence.ParseStatus(cmd.args[0])
		if err != nil {
			return err
		}
		return c.s.SetStatus(ctx, st)
	case "react":
		conv, err := c.current()
		if err != nil {
			return err
		}
		_, err = c.s.Messages.ToggleReaction(ctx, conv, cmd.args[0], cmd.args[1])
		return err
	case "new":
		return c.create(ctx, cmd.args[0], cmd.args[1:])
	case "rename":
		return c.rename(ctx, cmd.text)
	case "list":
		c.list()
	case "history":
		conv, err := c.current()
		if err != nil {
			return err
		}
		c.history(conv)
	case "who":
		conv, err := c.current()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, "  "+c.typingLine(conv))
	}
	return nil
}

func (c *client) create(ctx context.Context, name string, members []string) error {
	self := c.s.UserID()
	parts := []chat.Participant{{ID: self}}
	for _, m := range members {
		if m != self {
			parts = append(parts, chat.Participant{ID: m})
		}
	}
	conv, err := c.convs.CreateConversation(ctx, chat.Conversation{
		Name:         name,
		IsGroup:      len(parts) > 2,
		OwnerID:      self,
		Participants: parts,
	})
	if err != nil {
		return err
	}
	c.s.State.AddConversation(conv)
	if err := c.s.Relay.NotifyNewConversation(ctx, self, conv); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "  created %s\n", conv.ID)
	return c.s.OpenConversation(ctx, conv.ID)
}

func (c *client) rename(ctx context.Context, name string) error {
	conv, err := c.current()
	if err != nil {
		return err
	}
	participants, err := c.convs.FindConversationParticipants(ctx, conv)
	if err != nil {
		return err
	}
	update := chat.ConversationUpdate{Name: &name}
	c.s.State.UpdateConversation(conv, update)
	return c.s.Relay.NotifyGroupUpdate(ctx, c.s.UserID(), conv, update, participants)
}

func (c *client) list() {
	current := c.s.State.Current()
	for _, conv := range c.s.State.Conversations() {
		mark := " "
		if conv.ID == current {
			mark = "*"
		}
		name := conv.Name
		if name == "" {
			name = strings.Join(conv.ParticipantIDs(), ", ")
		}
		fmt.Fprintf(c.out, "%s %s  %s  (%d unread)\n", mark, conv.ID, name, c.s.State.Unread(conv.ID))
	}
}

func (c *client) history(conv string) {
	for _, m := range c.s.State.Messages(conv) {
		fmt.Fprintln(c.out, formatMessage(m, c.s.Messages.Failed(m.TempID)))
	}
}

func formatMessage(m chat.Message, failed error) string {
	id := m.ID
	switch {
	case failed != nil:
		id = m.TempID + " (not sent)"
	case m.Pending():
		id = m.TempID + " (sending)"
	}
	who := m.SenderNickname
	if who == "" {
		who = m.SenderID
	}
	line := fmt.Sprintf("  [%s] %s %s: %s", m.CreatedAt.Format("15:04"), id, who, m.Content)
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		var parts []string
		for _, e := range order {
			parts = append(parts, fmt.Sprintf("%s%d", e, counts[e]))
		}
		line += "  " + strings.Join(parts, " ")
	}
	return line
}

func (c *client) typingLine(conv string) string {
	names := typing.Names(c.s.Typing.Typing(conv))
	if len(names) == 0 {
		return "nobody is typing"
	}
	return typing.Describe(names, c.locale)
}

type printAlerter struct{ out io.Writer }

func (p printAlerter) Alert(_ context.Context, a connstate.Alert) error {
	_, err := fmt.Fprintf(p.out, "\a[%s] %s: %s\n", a.ConversationID, a.Title, a.Body)
	return err
}
