package orchestrator

import (
	"context"
	"os"
	"strings"

	"github.com/mmikhailov/agentrelay/internal/domain"
	"github.com/mmikhailov/agentrelay/internal/driver"
	"github.com/mmikhailov/agentrelay/internal/platform"
	"github.com/mmikhailov/agentrelay/internal/router"
	"github.com/mmikhailov/agentrelay/internal/stream"
	"github.com/mmikhailov/agentrelay/internal/workspace"
)

// deliverAttachments implements spec.md §4.5 step 10: each (path,
// description) the agent reported is validated to resolve inside the
// workspace (escapes are dropped with a warning, never retried), existing
// files are delivered, and if any resolved-but-missing files remain and
// retry has not yet been used for this turn, one internal follow-up prompt
// is sent listing them back to the agent before giving up.
func (o *Orchestrator) deliverAttachments(ctx context.Context, d *driver.Driver, sessionID string, req *domain.PendingRequest, workspacePath string, attachments []stream.Attachment, retried bool) {
	var missing []string

	for _, att := range attachments {
		resolved, err := workspace.Resolve(workspacePath, att.Path)
		if err != nil {
			o.logger.Warn("dropping send_file tag escaping workspace", "path", att.Path, "error", err)
			continue
		}
		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, resolved)
				continue
			}
			o.logger.Warn("failed to stat attachment", "path", resolved, "error", err)
			continue
		}
		if err := o.adapter.SendDocument(ctx, req.ChatID, req.ThreadID, resolved, att.Description); err != nil {
			o.logger.Warn("failed to deliver attachment", "path", resolved, "error", err)
		}
	}

	if len(missing) == 0 || retried {
		return
	}

	o.logger.Info("retrying turn once for missing attachments", "missing", missing, "thread_id", req.ThreadID)
	retryContent := buildMissingFilesPrompt(missing)
	// The internal follow-up prompt is not itself user-cancellable; it
	// uses a fresh signal that is never set rather than the original
	// turn's (already-consumed) cancel signal.
	cancelSignal := router.NewCancelSignal()
	adaptor := stream.New(o.adapter, req.ChatID, req.ThreadID, freshDraftID(), platform.TargetMarkup, o.logger)
	retryAttachments := o.streamTurn(ctx, d, sessionID, retryContent, adaptor, cancelSignal)
	o.deliverAttachments(ctx, d, sessionID, req, workspacePath, retryAttachments, true)
}

func buildMissingFilesPrompt(missing []string) []driver.ContentBlock {
	var b strings.Builder
	b.WriteString("The following file(s) you referenced were not found on disk. Please create them and resend:\n")
	for _, m := range missing {
		b.WriteString("- ")
		b.WriteString(m)
		b.WriteString("\n")
	}
	return []driver.ContentBlock{{Type: "text", Text: b.String()}}
}
