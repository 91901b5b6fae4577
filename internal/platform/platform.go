// Package platform defines the messaging-platform adapter interfaces from
// spec.md §6 and provides a concrete Telegram Bot API implementation. No
// bot-framework SDK appears anywhere in the example pack, so the client is
// built directly on net/http + encoding/json, the same way the teacher
// reaches external HTTP services it has no vendored client for (see
// DESIGN.md for the stdlib justification).
package platform

import (
	"context"
)

// Attachment describes one file the user sent alongside a message.
type Attachment struct {
	FileID   string
	FileName string
}

// Update is one inbound event from the messaging platform: a new message on
// a thread, addressed to the gateway.
type Update struct {
	ChatID      string
	ThreadID    string
	UserID      int64
	Text        string
	Caption     string
	Attachments []Attachment
}

// Inbound is the event source side of the adapter.
type Inbound interface {
	// Updates returns a channel of inbound Updates. The channel is closed
	// when the adapter's Run loop exits, which happens on context
	// cancellation; transport errors are retried, not fatal.
	Updates() <-chan Update
	// Run drives the adapter's receive loop (long-poll or webhook) until
	// ctx is cancelled.
	Run(ctx context.Context) error
}

// Outbound is the send side of the adapter: draft/message/document sends
// and file downloads. It satisfies stream.Sender.
type Outbound interface {
	SendDraft(ctx context.Context, chatID, threadID string, draftID int64, text, parseMode string) error
	SendMessage(ctx context.Context, chatID, threadID, text, parseMode string) error
	SendDocument(ctx context.Context, chatID, threadID, path, caption string) error
	Download(ctx context.Context, fileRef, destPath string) error
}

// Adapter is the full messaging-platform collaborator the gateway depends
// on.
type Adapter interface {
	Inbound
	Outbound
}

// TargetMarkup is the parse_mode value the Stream Adaptor converts into and
// passes to SendMessage/SendDraft.
const TargetMarkup = "MarkdownV2"
