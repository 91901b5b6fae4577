// Package orchestrator implements the Turn Orchestrator: the per-request
// coroutine of spec.md §4.5 that glues the allowlist gate, workspace
// provisioning, file download, worker pool acquisition, session
// create/load, prompt streaming, missing-file retry, and the atomic
// release/dequeue handoff into one flow per inbound conversational turn.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmikhailov/agentrelay/internal/acl"
	"github.com/mmikhailov/agentrelay/internal/binding"
	"github.com/mmikhailov/agentrelay/internal/convlog"
	"github.com/mmikhailov/agentrelay/internal/domain"
	"github.com/mmikhailov/agentrelay/internal/driver"
	"github.com/mmikhailov/agentrelay/internal/platform"
	"github.com/mmikhailov/agentrelay/internal/pool"
	"github.com/mmikhailov/agentrelay/internal/router"
	"github.com/mmikhailov/agentrelay/internal/stream"
	"github.com/mmikhailov/agentrelay/internal/workspace"
)

// Orchestrator wires every collaborator the Turn Orchestrator needs. It is
// constructed once at startup as an immutable value and passed explicitly
// into every per-request task; there is no process-wide mutable singleton.
type Orchestrator struct {
	pool      *pool.Pool
	queue     *router.PendingQueue
	inflight  *router.InFlightTracker
	bindings  binding.Store
	workspace *workspace.Provisioner
	adapter   platform.Adapter
	allowlist *acl.List
	limiter   *acl.RateLimiter
	convlog   convlog.Logger
	logger    *slog.Logger
}

// New returns an Orchestrator. Callers must call pool.SetDispatcher(orch)
// immediately after, to wire the atomic release/dequeue handoff. cl may be
// nil, in which case conversation logging is a no-op.
func New(p *pool.Pool, queue *router.PendingQueue, inflight *router.InFlightTracker, bindings binding.Store, ws *workspace.Provisioner, adapter platform.Adapter, allowlist *acl.List, limiter *acl.RateLimiter, cl convlog.Logger, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cl == nil {
		cl = noopConvLog{}
	}
	return &Orchestrator{
		pool:      p,
		queue:     queue,
		inflight:  inflight,
		bindings:  bindings,
		workspace: ws,
		adapter:   adapter,
		allowlist: allowlist,
		limiter:   limiter,
		convlog:   cl,
		logger:    log,
	}
}

type noopConvLog struct{}

func (noopConvLog) Log(convlog.Event) {}
func (noopConvLog) Close() error      { return nil }

// Handle is the entrypoint for one inbound platform Update: spec.md §4.5
// steps 1-4, then either an immediate Acquire+serve or an enqueue. Callers
// run Handle as an independent goroutine per inbound event.
func (o *Orchestrator) Handle(ctx context.Context, upd platform.Update) {
	userID := strconv.FormatInt(upd.UserID, 10)
	threadID := upd.ThreadID
	if threadID == "" {
		threadID = upd.ChatID
	}

	if !o.allowlist.Allowed(upd.UserID) {
		o.logger.Warn("rejecting sender not in allowlist", "user_id", upd.UserID)
		if err := o.adapter.SendMessage(ctx, upd.ChatID, threadID, rejectionMessage(upd.UserID), ""); err != nil {
			o.logger.Warn("failed to send rejection message", "error", err)
		}
		return
	}

	if o.limiter != nil && !o.limiter.Allow(userID) {
		o.logger.Warn("dropping request over per-user rate limit", "user_id", userID)
		return
	}

	workspacePath, err := o.workspace.Ensure(userID, threadID)
	if err != nil {
		o.logger.Error("failed to provision workspace", "error", err, "user_id", userID, "thread_id", threadID)
		return
	}

	var filePaths []string
	for _, att := range upd.Attachments {
		dest := workspacePath + "/" + attachmentFileName(att)
		if err := o.adapter.Download(ctx, att.FileID, dest); err != nil {
			o.logger.Warn("attachment download failed", "error", err, "file_id", att.FileID)
			continue
		}
		filePaths = append(filePaths, dest)
	}

	text := upd.Text
	if text == "" {
		text = upd.Caption
	}

	turnID := uuid.NewString()

	o.convlog.Log(convlog.Event{
		TurnID:     turnID,
		UserID:     userID,
		ThreadID:   threadID,
		Channel:    "telegram",
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: text,
	})

	req := &domain.PendingRequest{
		TurnID:     turnID,
		ThreadID:   threadID,
		UserID:     userID,
		ChatID:     upd.ChatID,
		Text:       text,
		FilePaths:  filePaths,
		EnqueuedAt: time.Now(),
	}

	slot, ok := o.pool.Acquire(ctx, threadID, userID)
	if !ok {
		o.inflight.Cancel(threadID)
		o.queue.Enqueue(req)
		return
	}

	o.serve(ctx, slot, req)
}

// Dispatch implements pool.Dispatcher: the atomic release/dequeue handoff
// callback. It runs on a pool-spawned background task, so it derives its
// own background context rather than reusing the releasing request's.
func (o *Orchestrator) Dispatch(slot *pool.Slot, req *domain.PendingRequest) {
	o.serve(context.Background(), slot, req)
}

func attachmentFileName(att platform.Attachment) string {
	if att.FileName != "" {
		return att.FileName
	}
	return att.FileID
}

func rejectionMessage(userID int64) string {
	return fmt.Sprintf("You (user %d) are not authorized to use this bot.", userID)
}

// freshDraftID returns a fresh random positive int64, never reused across
// responses, per spec.md §9's open-question decision.
func freshDraftID() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	id := int64(binary.BigEndian.Uint64(b[:]))
	if id < 0 {
		id = -id
	}
	if id == 0 {
		id = 1
	}
	return id
}

// serve implements spec.md §4.5 steps 5-11: track in-flight, resolve the
// session (create/load/recover), stream the turn, resolve and retry missing
// files, then release the slot with its atomic dequeue handoff.
func (o *Orchestrator) serve(ctx context.Context, slot *pool.Slot, req *domain.PendingRequest) {
	cancelSignal := o.inflight.Track(req.ThreadID)
	workspacePath := o.workspace.Path(req.UserID, req.ThreadID)

	var sessionID string
	defer func() {
		o.pool.Release(slot, sessionID, req.ThreadID)
		o.inflight.Untrack(req.ThreadID)
	}()

	resolvedSessionID, ok := o.resolveSession(ctx, slot, req, workspacePath)
	if !ok {
		return
	}
	sessionID = resolvedSessionID

	content := buildPromptContent(req.FilePaths, req.Text)
	adaptor := stream.New(o.adapter, req.ChatID, req.ThreadID, freshDraftID(), platform.TargetMarkup, o.logger)
	attachments := o.streamTurn(ctx, slot.Driver, sessionID, content, adaptor, cancelSignal)

	o.convlog.Log(convlog.Event{
		TurnID:    req.TurnID,
		UserID:    req.UserID,
		ThreadID:  req.ThreadID,
		SessionID: sessionID,
		Channel:   "telegram",
		Direction: "outbound",
		EventType: "turn_end",
	})

	o.deliverAttachments(ctx, slot.Driver, sessionID, req, workspacePath, attachments, false)
}

// resolveSession implements spec.md §4.5 step 6: create a session for a
// thread with no binding, or load and, on stale-lock recovery, rebind.
func (o *Orchestrator) resolveSession(ctx context.Context, slot *pool.Slot, req *domain.PendingRequest, workspacePath string) (string, bool) {
	existing, err := o.bindings.Get(ctx, req.UserID, req.ThreadID)
	if errors.Is(err, binding.ErrNotFound) {
		sessionID, err := slot.Driver.SessionNew(ctx, workspacePath)
		if err != nil {
			o.logger.Error("session_new failed", "error", err, "thread_id", req.ThreadID)
			o.sendTransientError(ctx, req)
			return "", false
		}
		if err := o.bindings.Upsert(ctx, req.UserID, req.ThreadID, sessionID, workspacePath); err != nil {
			o.logger.Error("failed to persist new binding", "error", err)
		}
		return sessionID, true
	}
	if err != nil {
		o.logger.Error("binding store lookup failed", "error", err)
		o.sendTransientError(ctx, req)
		return "", false
	}

	loadErr := slot.Driver.SessionLoad(ctx, existing.SessionID, workspacePath)
	if loadErr == nil {
		return existing.SessionID, true
	}

	var conflict *driver.SessionLockConflict
	if errors.As(loadErr, &conflict) {
		if driver.HolderAlive(conflict.HolderPID) {
			o.logger.Warn("session lock held by live process, surfacing transient error", "holder_pid", conflict.HolderPID)
			o.sendTransientError(ctx, req)
			return "", false
		}
		o.logger.Info("recovering stale session lock", "holder_pid", conflict.HolderPID, "thread_id", req.ThreadID)
		if err := o.bindings.Delete(ctx, req.UserID, req.ThreadID); err != nil {
			o.logger.Warn("failed to delete stale binding", "error", err)
		}
		sessionID, err := slot.Driver.SessionNew(ctx, workspacePath)
		if err != nil {
			o.logger.Error("session_new after stale-lock recovery failed", "error", err)
			o.sendTransientError(ctx, req)
			return "", false
		}
		if err := o.bindings.Upsert(ctx, req.UserID, req.ThreadID, sessionID, workspacePath); err != nil {
			o.logger.Error("failed to persist recovered binding", "error", err)
		}
		return sessionID, true
	}

	o.logger.Warn("session_load failed, rebinding to a new session", "error", loadErr, "thread_id", req.ThreadID)
	sessionID, err := slot.Driver.SessionNew(ctx, workspacePath)
	if err != nil {
		o.logger.Error("session_new fallback failed", "error", err)
		o.sendTransientError(ctx, req)
		return "", false
	}
	if err := o.bindings.Upsert(ctx, req.UserID, req.ThreadID, sessionID, workspacePath); err != nil {
		o.logger.Error("failed to persist rebound binding", "error", err)
	}
	return sessionID, true
}

func (o *Orchestrator) sendTransientError(ctx context.Context, req *domain.PendingRequest) {
	msg := "The assistant is temporarily unavailable. Please try again shortly."
	if err := o.adapter.SendMessage(ctx, req.ChatID, req.ThreadID, msg, ""); err != nil {
		o.logger.Warn("failed to send transient-error message", "error", err)
	}
}

// streamTurn consumes session/prompt events into the adaptor, watching
// cancelSignal between chunks per spec.md §5's cooperative-cancellation
// model, and returns the attachments collected at Finalize.
func (o *Orchestrator) streamTurn(ctx context.Context, d *driver.Driver, sessionID string, content []driver.ContentBlock, adaptor *stream.Adaptor, cancelSignal *router.CancelSignal) []stream.Attachment {
	for ev, err := range d.Prompt(ctx, sessionID, content) {
		if err != nil {
			o.logger.Warn("prompt stream error", "error", err, "session_id", sessionID)
			return nil
		}

		if cancelSignal.IsSet() {
			if err := d.SessionCancel(sessionID); err != nil {
				o.logger.Warn("session_cancel notify failed", "error", err)
			}
			adaptor.Cancel()
			return nil
		}

		switch ev.Kind {
		case driver.EventMessageChunk:
			adaptor.Feed(ctx, ev.Text)
		case driver.EventTurnEnd:
			return adaptor.Finalize(ctx)
		}
	}
	return nil
}

// buildPromptContent implements spec.md §4.5 step 7: a text segment
// referencing each downloaded file by absolute path, concatenated with any
// user text/caption.
func buildPromptContent(filePaths []string, text string) []driver.ContentBlock {
	var b strings.Builder
	for _, p := range filePaths {
		b.WriteString("Attached file: ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	if text != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return []driver.ContentBlock{{Type: "text", Text: b.String()}}
}
