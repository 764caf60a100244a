package connstate

import (
	"context"
	"fmt"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/presence"
)

// Host reports the foreground state of the application window.
type Host interface {
	// Focused reports whether the application is the foregrounded window.
	Focused() bool
	// Visible reports whether the application's tab or view is visible.
	Visible() bool
}

// StaticHost is a Host with fixed answers.
type StaticHost struct {
	IsFocused bool
	IsVisible bool
}

func (h StaticHost) Focused() bool { return h.IsFocused }
func (h StaticHost) Visible() bool { return h.IsVisible }

// ShouldNotify decides whether a message event in eventConv should raise an
// alert. The rules apply in order: busy users are never alerted; an
// unfocused or hidden application always alerts; otherwise only the open
// conversation is silenced. An empty focusedConv means no conversation is
// open.
func ShouldNotify(status presence.Status, focusedConv, eventConv string, host Host) bool {
	if status == presence.StatusBusy {
		return false
	}
	if !host.Focused() {
		return true
	}
	if !host.Visible() {
		return true
	}
	return focusedConv == "" || focusedConv != eventConv
}

const maxAlertBody = 100

// Alert is a user-visible notification for a message.
type Alert struct {
	Title          string
	Body           string
	Icon           string
	ConversationID string
	// Tag groups alerts of the same conversation.
	Tag string
}

// FormatAlert renders msg from senderName. Media messages get a placeholder
// body; text longer than 100 characters is truncated with "...".
func FormatAlert(senderName string, msg chat.Message) Alert {
	var body string
	switch msg.Type {
	case chat.TypeGIF:
		body = "🎬 Sent a GIF"
	case chat.TypeImage:
		body = "📷 Sent an image"
	case chat.TypeFile:
		body = "📎 Sent a file"
	default:
		body = truncate(msg.Content, maxAlertBody)
	}
	return Alert{
		Title:          senderName,
		Body:           body,
		Icon:           msg.SenderAvatar,
		ConversationID: msg.ConversationID,
		Tag:            fmt.Sprintf("message-%s", msg.ConversationID),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Alerter delivers alerts to the user.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, a Alert) error

func (f AlerterFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }
