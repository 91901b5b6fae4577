// Package stream implements the Stream Adaptor: it turns a driver's chunk
// events into throttled draft updates and, on turn-end, a finalized,
// markup-converted, size-split set of outbound messages.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// Window is the sliding-window size, in characters, shown in draft
	// updates once the accumulated buffer exceeds it.
	Window = 4000
	// DraftThrottle bounds how often send_draft may be called for one
	// Adaptor.
	DraftThrottle = 100 * time.Millisecond
	// SegmentLimit is the hard per-message size cap.
	SegmentLimit = 4096
	// softSplitLookback is how close to SegmentLimit a newline must be to
	// be preferred over a hard cut.
	softSplitLookback = 200
)

// Sender is the subset of the messaging-platform adapter's outbound
// primitives the Stream Adaptor needs.
type Sender interface {
	SendDraft(ctx context.Context, chatID, threadID string, draftID int64, text, parseMode string) error
	SendMessage(ctx context.Context, chatID, threadID, text, parseMode string) error
}

// Attachment is one file-send tag extracted from the agent's output, paired
// with its human-readable description.
type Attachment struct {
	Path        string
	Description string
}

// Adaptor accumulates one outbound response. It is not safe for concurrent
// use by more than one goroutine feeding chunks; Cancel may be called from
// any goroutine.
type Adaptor struct {
	sender     Sender
	chatID     string
	threadID   string
	draftID    int64
	parseMode  string
	logger     *slog.Logger

	mu         sync.Mutex
	buf        strings.Builder
	lastSentAt time.Time
	cancelled  bool
}

// New returns an Adaptor bound to one outbound response.
func New(sender Sender, chatID, threadID string, draftID int64, parseMode string, logger *slog.Logger) *Adaptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adaptor{sender: sender, chatID: chatID, threadID: threadID, draftID: draftID, parseMode: parseMode, logger: logger}
}

// Feed appends chunk text to the buffer and, subject to the 100ms throttle,
// sends the visible sliding window as a draft. A no-op once Cancel has been
// called.
func (a *Adaptor) Feed(ctx context.Context, chunk string) {
	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		return
	}
	a.buf.WriteString(chunk)
	now := time.Now()
	if now.Sub(a.lastSentAt) < DraftThrottle {
		a.mu.Unlock()
		return
	}
	visible := visibleWindow(a.buf.String())
	a.lastSentAt = now
	a.mu.Unlock()

	if err := a.sender.SendDraft(ctx, a.chatID, a.threadID, a.draftID, visible, a.parseMode); err != nil {
		a.logger.Debug("draft send failed, ignoring", "error", err)
		if delay, ok := retryDelay(err); ok {
			a.mu.Lock()
			a.lastSentAt = a.lastSentAt.Add(delay)
			a.mu.Unlock()
		}
	}
}

// visibleWindow returns the trailing Window characters of buf, prefixed
// with an ellipsis+newline if buf exceeds Window.
func visibleWindow(buf string) string {
	if len(buf) <= Window {
		return buf
	}
	return "…\n" + buf[len(buf)-Window:]
}

// retryDelay extracts a rate-limit hinted retry delay from a send error, if
// the Sender implementation attaches one. RateLimited errors implement this
// optional interface; other errors are simply swallowed.
type rateLimited interface {
	RetryAfter() time.Duration
}

func retryDelay(err error) (time.Duration, bool) {
	if rl, ok := err.(rateLimited); ok {
		return rl.RetryAfter(), true
	}
	return 0, false
}

// Cancel marks the Adaptor cancelled. It does not touch any already-sent
// draft: a leftover partial draft is preferred over an ellipsis that would
// otherwise persist with no final message to replace it.
func (a *Adaptor) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

// Finalize runs on turn-end: sends a closing ellipsis draft (replaced by
// the first final message), extracts and strips send_file tags, converts
// the remainder to the target markup, splits it into size-bounded
// segments, and sends each. It returns the attachments the caller should
// now resolve and deliver.
func (a *Adaptor) Finalize(ctx context.Context) []Attachment {
	a.mu.Lock()
	cancelled := a.cancelled
	raw := a.buf.String()
	a.mu.Unlock()

	if cancelled {
		return nil
	}
	if raw == "" {
		return nil
	}

	if err := a.sender.SendDraft(ctx, a.chatID, a.threadID, a.draftID, "…", a.parseMode); err != nil {
		a.logger.Debug("final ellipsis draft failed, ignoring", "error", err)
	}

	text, attachments := extractSendFileTags(raw)
	if strings.TrimSpace(text) == "" {
		return attachments
	}

	converted := ConvertMarkup(text)
	for _, segment := range SplitSegments(converted, SegmentLimit, softSplitLookback) {
		a.sendSegment(ctx, segment)
	}
	return attachments
}

// sendSegment sends one segment with the target parse mode, retrying once
// as plain text if the platform rejects it for markup-parse reasons.
func (a *Adaptor) sendSegment(ctx context.Context, segment string) {
	if err := a.sender.SendMessage(ctx, a.chatID, a.threadID, segment, a.parseMode); err != nil {
		a.logger.Warn("segment send rejected, retrying as plain text", "error", err)
		if err := a.sender.SendMessage(ctx, a.chatID, a.threadID, segment, ""); err != nil {
			a.logger.Error("segment send failed even as plain text", "error", err)
		}
	}
}
