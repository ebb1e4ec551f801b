package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
)

// UserGateway is the outward surface for messages addressed to the user
// principal. They are never scheduled into an LLM turn: the gateway prints
// them, publishes a console event, and records them in user's conversation.
type UserGateway struct {
	mu        sync.Mutex
	out       io.Writer
	delivered int64

	conv      *conversation.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewUserGateway writes user-facing lines to out (stdout in production).
func NewUserGateway(out io.Writer, conv *conversation.Store, publisher events.Publisher) *UserGateway {
	return &UserGateway{
		out:       out,
		conv:      conv,
		publisher: publisher,
		logger:    slog.With("component", "runtime.usergw"),
	}
}

// Deliver surfaces one message to the user.
func (g *UserGateway) Deliver(msg *models.Message) {
	line := fmt.Sprintf("[to user] from %s: %s", msg.From, msg.Content)
	if len(msg.QuickReplies) > 0 {
		line += fmt.Sprintf(" [replies: %s]", strings.Join(msg.QuickReplies, " | "))
	}

	g.mu.Lock()
	fmt.Fprintln(g.out, line)
	g.delivered++
	g.mu.Unlock()

	g.publisher.Publish(events.ChannelConsole, events.ConsolePayload{
		Type:         events.TypeConsoleOutput,
		From:         msg.From,
		Content:      msg.Content,
		QuickReplies: msg.QuickReplies,
		Timestamp:    events.Timestamp(),
	})

	// The record turn keeps the sender visible when the file is read back.
	g.conv.AppendUser(models.AgentUser,
		fmt.Sprintf("from %s: %s", msg.From, msg.Content), imageAttachments(msg))
}

// Drain pops and delivers everything queued for user. The scheduler calls it
// every pass; Finalize calls it once more after force-delivering delayed mail.
func (g *UserGateway) Drain(b *bus.MessageBus) int {
	n := 0
	for {
		msg := b.ReceiveNext(models.AgentUser)
		if msg == nil {
			return n
		}
		g.Deliver(msg)
		n++
	}
}

// Delivered returns the lifetime delivery count.
func (g *UserGateway) Delivered() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delivered
}

// imageAttachments filters a message's attachments down to images, the only
// kind the conversation keeps as structured parts.
func imageAttachments(msg *models.Message) []models.Attachment {
	var images []models.Attachment
	for _, att := range msg.Attachments {
		if att.Type == models.AttachmentImage {
			images = append(images, att)
		}
	}
	return images
}
