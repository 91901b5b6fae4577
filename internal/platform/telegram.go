package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	telegramAPIBase   = "https://api.telegram.org/bot"
	telegramFileBase  = "https://api.telegram.org/file/bot"
	longPollTimeout   = 25 * time.Second
	defaultHTTPClient = 30 * time.Second
)

// TelegramClient implements Adapter against the Telegram Bot API: long-poll
// getUpdates for Inbound, sendMessage/editMessageText/sendDocument/getFile
// for Outbound. Each chat+thread's running draft is tracked by the message
// id of its most recent edit, matching the platform's "same draft_id
// animates one ephemeral message" semantics from spec.md §6.
type TelegramClient struct {
	token  string
	http   *http.Client
	logger *slog.Logger

	updates chan Update

	draftMu sync.Mutex
	drafts  map[draftKey]int64 // (chatID, threadID, draftID) -> telegram message_id

	offset int64

	// baseOverride replaces the Telegram API/file hosts with a test
	// server's URL when non-empty; unset in production.
	baseOverride     string
	fileBaseOverride string
}

type draftKey struct {
	chatID   string
	threadID string
	draftID  int64
}

// NewTelegramClient returns a client bound to the given bot token.
func NewTelegramClient(token string, logger *slog.Logger) *TelegramClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramClient{
		token:   token,
		http:    &http.Client{Timeout: defaultHTTPClient},
		logger:  logger,
		updates: make(chan Update, 64),
		drafts:  make(map[draftKey]int64),
	}
}

// Updates implements Inbound.
func (c *TelegramClient) Updates() <-chan Update { return c.updates }

// Run implements Inbound: a long-polling loop against getUpdates until ctx
// is cancelled.
func (c *TelegramClient) Run(ctx context.Context) error {
	defer close(c.updates)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		results, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("telegram getUpdates failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, r := range results {
			c.offset = r.UpdateID + 1
			upd, ok := toUpdate(r)
			if !ok {
				continue
			}
			select {
			case c.updates <- upd:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func toUpdate(r tgUpdate) (Update, bool) {
	if r.Message == nil {
		return Update{}, false
	}
	m := r.Message
	threadID := ""
	if m.MessageThreadID != 0 {
		threadID = strconv.FormatInt(m.MessageThreadID, 10)
	}
	u := Update{
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		ThreadID: threadID,
		Text:     m.Text,
		Caption:  m.Caption,
	}
	if m.From != nil {
		u.UserID = m.From.ID
	}
	if m.Document != nil {
		u.Attachments = append(u.Attachments, Attachment{FileID: m.Document.FileID, FileName: m.Document.FileName})
	}
	for _, p := range m.Photo {
		u.Attachments = append(u.Attachments, Attachment{FileID: p.FileID})
	}
	return u, true
}

// SendDraft implements Outbound: the first call for a (chat, thread,
// draftID) sends a fresh message; subsequent calls edit it in place,
// animating a single ephemeral message per the platform's draft semantics.
func (c *TelegramClient) SendDraft(ctx context.Context, chatID, threadID string, draftID int64, text, parseMode string) error {
	key := draftKey{chatID: chatID, threadID: threadID, draftID: draftID}

	c.draftMu.Lock()
	msgID, exists := c.drafts[key]
	c.draftMu.Unlock()

	if !exists {
		resp, err := c.sendMessage(ctx, chatID, threadID, text, parseMode)
		if err != nil {
			return err
		}
		c.draftMu.Lock()
		c.drafts[key] = resp.MessageID
		c.draftMu.Unlock()
		return nil
	}

	return c.editMessageText(ctx, chatID, msgID, text, parseMode)
}

// SendMessage implements Outbound: sends a final message and clears any
// draft tracked for this thread, since the platform clears drafts
// automatically when a final message lands in the same thread.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, threadID, text, parseMode string) error {
	_, err := c.sendMessage(ctx, chatID, threadID, text, parseMode)
	if err != nil {
		return err
	}
	c.draftMu.Lock()
	for k := range c.drafts {
		if k.chatID == chatID && k.threadID == threadID {
			delete(c.drafts, k)
		}
	}
	c.draftMu.Unlock()
	return nil
}

// SendDocument implements Outbound: uploads a local file as a document.
func (c *TelegramClient) SendDocument(ctx context.Context, chatID, threadID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", chatID)
	if threadID != "" {
		_ = w.WriteField("message_thread_id", threadID)
	}
	if caption != "" {
		_ = w.WriteField("caption", caption)
	}
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("telegram: create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: copy file content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("sendDocument"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram: sendDocument failed: %s", out.Description)
	}
	return nil
}

// Download implements Outbound: resolves fileRef via getFile, then streams
// the file body to destPath.
func (c *TelegramClient) Download(ctx context.Context, fileRef, destPath string) error {
	getFileURL := c.apiURL("getFile") + "?" + url.Values{"file_id": {fileRef}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getFileURL, nil)
	if err != nil {
		return err
	}

	var out struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
		Description string `json:"description"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("telegram: getFile failed: %s", out.Description)
	}

	fReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(out.Result.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(fReq)
	if err != nil {
		return fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: download status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("telegram: mkdir destination: %w", err)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("telegram: create destination: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("telegram: write destination: %w", err)
	}
	return nil
}

type tgMessage struct {
	MessageID       int64  `json:"message_id"`
	Text            string `json:"text"`
	Caption         string `json:"caption"`
	MessageThreadID int64  `json:"message_thread_id"`
	Chat            struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From *struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Document *struct {
		FileID   string `json:"file_id"`
		FileName string `json:"file_name"`
	} `json:"document"`
	Photo []struct {
		FileID string `json:"file_id"`
	} `json:"photo"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

func (c *TelegramClient) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	pollCtx, cancel := context.WithTimeout(ctx, longPollTimeout+5*time.Second)
	defer cancel()

	q := url.Values{
		"timeout": {strconv.FormatInt(int64(longPollTimeout.Seconds()), 10)},
		"offset":  {strconv.FormatInt(c.offset, 10)},
	}
	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, c.apiURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		OK     bool       `json:"ok"`
		Result []tgUpdate `json:"result"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram: getUpdates not ok")
	}
	return out.Result, nil
}

func (c *TelegramClient) sendMessage(ctx context.Context, chatID, threadID, text, parseMode string) (*tgMessage, error) {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	if threadID != "" {
		if id, err := strconv.ParseInt(threadID, 10, 64); err == nil {
			payload["message_thread_id"] = id
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		OK          bool      `json:"ok"`
		Result      tgMessage `json:"result"`
		Description string    `json:"description"`
		ErrorCode   int       `json:"error_code"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		if out.ErrorCode == http.StatusTooManyRequests && out.Parameters != nil {
			return nil, &rateLimitedError{msg: out.Description, retryAfter: time.Duration(out.Parameters.RetryAfter) * time.Second}
		}
		return nil, fmt.Errorf("telegram: sendMessage failed: %s", out.Description)
	}
	return &out.Result, nil
}

func (c *TelegramClient) editMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("editMessageText"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		ErrorCode   int    `json:"error_code"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if !out.OK {
		// "message is not modified" happens routinely when the sliding
		// window hasn't changed since the last edit; not an error worth
		// propagating to the draft throttle's swallow-and-log path.
		if out.ErrorCode == http.StatusBadRequest {
			return nil
		}
		if out.ErrorCode == http.StatusTooManyRequests && out.Parameters != nil {
			return &rateLimitedError{msg: out.Description, retryAfter: time.Duration(out.Parameters.RetryAfter) * time.Second}
		}
		return fmt.Errorf("telegram: editMessageText failed: %s", out.Description)
	}
	return nil
}

func (c *TelegramClient) apiURL(method string) string {
	if c.baseOverride != "" {
		return c.baseOverride + "/bot" + c.token + "/" + method
	}
	return telegramAPIBase + c.token + "/" + method
}

func (c *TelegramClient) fileURL(path string) string {
	if c.fileBaseOverride != "" {
		return c.fileBaseOverride + "/file/bot" + c.token + "/" + path
	}
	return telegramFileBase + c.token + "/" + path
}

func (c *TelegramClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telegram: decode response: %w", err)
	}
	return nil
}

// rateLimitedError implements the Stream Adaptor's optional RetryAfter()
// interface so draft throttling can push last_sent_at forward on 429s.
type rateLimitedError struct {
	msg        string
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string            { return fmt.Sprintf("telegram: rate limited: %s", e.msg) }
func (e *rateLimitedError) RetryAfter() time.Duration { return e.retryAfter }
