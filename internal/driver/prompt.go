package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
)

// Prompt sends session/prompt and returns a stream of Events terminating
// when the response for the same id arrives or a turn_end discriminator is
// observed, whichever comes first. Only MessageChunk and TurnEnd are
// yielded; tool-call/plan updates are logged and swallowed.
//
// A drain of stale notifications is performed before sending the request —
// the second of the protocol's two defined drain points, absorbing
// stragglers emitted asynchronously after a prior session_load response.
func (d *Driver) Prompt(ctx context.Context, sessionID string, content []ContentBlock) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if d.State() != StateReady {
			yield(Event{}, ErrNotReady)
			return
		}

		d.drainReplayNotifications()
		d.cancelled.Store(false)
		d.setState(StateBusy)
		turnEnded := false
		defer func() {
			if d.State() == StateBusy {
				d.setState(StateReady)
			}
		}()

		id := d.nextID.Add(1)
		idJSON, _ := json.Marshal(id)
		key := string(idJSON)

		respCh := make(chan *inboundMessage, 1)
		d.pendingMu.Lock()
		d.pending[key] = respCh
		d.pendingMu.Unlock()

		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "session/prompt",
			Params:  sessionPromptParams{SessionID: sessionID, Prompt: content},
		}

		d.writeMu.Lock()
		err := d.transport.send(req)
		d.writeMu.Unlock()
		if err != nil {
			d.pendingMu.Lock()
			delete(d.pending, key)
			d.pendingMu.Unlock()
			yield(Event{}, fmt.Errorf("session/prompt: %w", err))
			return
		}

		for !turnEnded {
			// Drain any already-queued notifications before considering the
			// terminal response: both arrive via the same single stdio
			// stream in write order, but a bare select across two channels
			// does not preserve that order once both are ready, so chunks
			// must be given non-blocking priority over the response.
			select {
			case notif := <-d.notifCh:
				if !d.emitNotification(notif, &turnEnded, yield) {
					d.forgetPending(key)
					return
				}
				continue
			default:
			}

			select {
			case notif := <-d.notifCh:
				if !d.emitNotification(notif, &turnEnded, yield) {
					d.forgetPending(key)
					return
				}

			case resp := <-respCh:
				turnEnded = true
				if resp.Error != nil {
					yield(Event{}, fmt.Errorf("session/prompt: %w", resp.Error))
					return
				}
				var result sessionPromptResult
				if err := json.Unmarshal(resp.Result, &result); err != nil {
					yield(Event{}, fmt.Errorf("session/prompt: parse result: %w", err))
					return
				}
				yield(Event{Kind: EventTurnEnd, StopReason: result.StopReason}, nil)
				return

			case <-d.done:
				yield(Event{}, ErrConnectionLost)
				return

			case <-ctx.Done():
				d.pendingMu.Lock()
				delete(d.pending, key)
				d.pendingMu.Unlock()
				yield(Event{}, ctx.Err())
				return
			}
		}
	}
}

// emitNotification decodes a session/update notification and yields it if
// it is a MessageChunk or TurnEnd; other discriminators are swallowed after
// logging. Returns false if the caller broke iteration early.
func (d *Driver) emitNotification(notif *inboundMessage, turnEnded *bool, yield func(Event, error) bool) bool {
	ev, ok := decodeSessionUpdate(notif, d.logger)
	if !ok {
		return true
	}
	if ev.Kind == EventTurnEnd {
		*turnEnded = true
	}
	return yield(ev, nil)
}

func (d *Driver) forgetPending(key string) {
	d.pendingMu.Lock()
	delete(d.pending, key)
	d.pendingMu.Unlock()
}

func decodeSessionUpdate(notif *inboundMessage, logger interface {
	Debug(msg string, args ...interface{})
}) (Event, bool) {
	if notif.Method != "session/update" {
		logger.Debug("ignoring vendor notification", "method", notif.Method)
		return Event{}, false
	}

	var params sessionUpdateParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		logger.Debug("malformed session/update params", "error", err)
		return Event{}, false
	}

	switch params.Update.SessionUpdate {
	case sessionUpdateAgentMessageChunk:
		text := ""
		if params.Update.Content != nil {
			text = params.Update.Content.Text
		}
		return Event{Kind: EventMessageChunk, Text: text}, true
	case sessionUpdateTurnEnd:
		return Event{Kind: EventTurnEnd, StopReason: stopReasonEndTurn}, true
	case sessionUpdateToolCall, sessionUpdateToolCallUpdate, sessionUpdatePlan:
		logger.Debug("observed non-streamed session update", "kind", params.Update.SessionUpdate)
		return Event{}, false
	default:
		logger.Debug("unknown session update discriminator", "kind", params.Update.SessionUpdate)
		return Event{}, false
	}
}
