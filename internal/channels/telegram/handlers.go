package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/neomagi/neomagi/internal/agent"
	"github.com/neomagi/neomagi/internal/channels"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/sessions"
	"github.com/neomagi/neomagi/internal/store"
)

// telegramMaxMessageLen is the Bot API limit per message.
const telegramMaxMessageLen = 4096

// handleMessage processes one incoming Telegram message: gate, collect
// content, put up the placeholder, then dispatch asynchronously so the
// poll loop stays free.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	// DMs only. Group and channel traffic is dropped at the door.
	if message.Chat.Type != "private" {
		slog.Debug("telegram non-DM message ignored",
			"chat_type", message.Chat.Type,
			"chat_id", message.Chat.ID,
		)
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	if !c.IsAllowed(userID) && !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", userID,
			"username", user.Username,
		)
		return
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	// Photos are downloaded, sanitized into the workspace media dir and
	// referenced by a content tag so file tools can open them.
	if len(message.Photo) > 0 {
		path, err := c.resolvePhoto(ctx, message)
		if err != nil {
			slog.Warn("telegram photo handling failed", "user_id", userID, "error", err)
		} else if content != "" {
			content = imageTag(path) + "\n\n" + content
		} else {
			content = imageTag(path)
		}
	}

	if content == "" {
		content = "[empty message]"
	}

	slog.Debug("telegram message received",
		"sender_id", senderID,
		"chat_id", message.Chat.ID,
		"preview", channels.Truncate(content, 50),
	)

	identity := sessions.Identity{ChannelType: "telegram", PeerID: userID}
	_, sessionKey, err := sessions.ResolveScope(identity, c.dmScope)
	if err != nil {
		slog.Error("telegram scope resolution failed", "user_id", userID, "error", err)
		return
	}
	identity.SessionID = sessionKey

	chatID := message.Chat.ID
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))

	placeholderID := 0
	if pMsg, sendErr := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), "Thinking...")); sendErr == nil {
		placeholderID = pMsg.MessageID
	}

	req := dispatch.Request{
		SessionID: sessionKey,
		Message:   content,
		Identity:  identity,
		RunID:     "tg-" + uuid.NewString()[:8],
	}

	// The run can take a while; keep the poll loop reading updates. A
	// second message for the same session gets the busy reply from the
	// session lease.
	go c.respond(ctx, chatID, placeholderID, req)
}

// respond runs the dispatch and delivers the outcome over the
// placeholder message.
func (c *Channel) respond(ctx context.Context, chatID int64, placeholderID int, req dispatch.Request) {
	res, err := c.dispatcher.Send(ctx, req, func(agent.Event) {})
	if err != nil {
		slog.Error("telegram dispatch failed",
			"session_id", req.SessionID,
			"run_id", req.RunID,
			"error", err,
		)
		c.deliver(ctx, chatID, placeholderID, replyForError(err))
		return
	}
	c.deliver(ctx, chatID, placeholderID, res.Content)
}

// deliver edits the placeholder into the first chunk of content and
// sends the rest as follow-up messages. An empty reply deletes the
// placeholder instead of leaving "Thinking..." behind.
func (c *Channel) deliver(ctx context.Context, chatID int64, placeholderID int, content string) {
	chunks := splitMessage(content, telegramMaxMessageLen)
	if len(chunks) == 0 {
		if placeholderID != 0 {
			_ = c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
				ChatID:    tu.ID(chatID),
				MessageID: placeholderID,
			})
		}
		return
	}

	rest := chunks
	if placeholderID != 0 {
		_, editErr := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
			ChatID:    tu.ID(chatID),
			MessageID: placeholderID,
			Text:      chunks[0],
		})
		if editErr == nil {
			rest = chunks[1:]
		} else {
			slog.Warn("telegram placeholder edit failed, sending new message",
				"chat_id", chatID,
				"message_id", placeholderID,
				"error", editErr,
			)
		}
	}

	for _, chunk := range rest {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			slog.Error("telegram send failed", "chat_id", chatID, "error", err)
			return
		}
	}
}

// splitMessage cuts content into Telegram-sized chunks, preferring to
// break at a newline past the midpoint of the window.
func splitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// replyForError maps a dispatch failure to the text shown in the chat.
// Details stay in the log.
func replyForError(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrSessionBusy):
		return "Still working on your previous message, give me a moment."
	case errors.Is(err, store.ErrBudgetExceeded):
		return "The spending cap has been reached, so I can't run this right now."
	case errors.Is(err, providers.ErrProviderNotAvailable):
		return "No model provider is available right now."
	default:
		return "Something went wrong while handling that, please try again."
	}
}

// isServiceMessage reports whether the message is a Telegram service
// event (member joined, title changed, pinned, ...) rather than
// user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
