package driver

import (
	"encoding/json"
	"strings"
)

// serverRequestLoop answers every server-initiated request for the life of
// the driver. session/request_permission is the only method the protocol
// defines; omitting or malforming a reply blocks the agent indefinitely, so
// this loop runs unconditionally from driver construction, independent of
// whether a Prompt call is active.
func (d *Driver) serverRequestLoop() {
	for {
		select {
		case msg, ok := <-d.reqCh:
			if !ok {
				return
			}
			d.handleServerRequest(msg)
		case <-d.done:
			return
		}
	}
}

func (d *Driver) handleServerRequest(msg *inboundMessage) {
	switch msg.Method {
	case "session/request_permission":
		d.replyPermissionRequest(msg)
	default:
		d.logger.Warn("unhandled server-initiated request", "method", msg.Method)
		d.sendReply(msg.ID, nil, &RPCError{Code: -32601, Message: "method not supported"})
	}
}

// replyPermissionRequest implements the default fallback policy: prefer the
// option whose kind is exactly "allow once"; else the first option whose
// kind has prefix "allow_"/"allow-"/"allow"; else reply "cancelled".
func (d *Driver) replyPermissionRequest(msg *inboundMessage) {
	if d.cancelled.Load() {
		d.sendReply(msg.ID, requestPermissionResult{Outcome: requestPermissionOutcome{Outcome: "cancelled"}}, nil)
		return
	}

	var params requestPermissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		d.logger.Warn("malformed request_permission params", "error", err)
		d.sendReply(msg.ID, requestPermissionResult{Outcome: requestPermissionOutcome{Outcome: "cancelled"}}, nil)
		return
	}

	chosen, ok := selectPermissionOption(params.Options)
	if !ok {
		d.sendReply(msg.ID, requestPermissionResult{Outcome: requestPermissionOutcome{Outcome: "cancelled"}}, nil)
		return
	}
	d.sendReply(msg.ID, requestPermissionResult{
		Outcome: requestPermissionOutcome{Outcome: "selected", OptionID: chosen.OptionID},
	}, nil)
}

func selectPermissionOption(options []permissionOption) (permissionOption, bool) {
	for _, opt := range options {
		if opt.Kind == "allow once" {
			return opt, true
		}
	}
	for _, opt := range options {
		k := strings.ToLower(opt.Kind)
		if strings.HasPrefix(k, "allow_") || strings.HasPrefix(k, "allow-") || strings.HasPrefix(k, "allow") {
			return opt, true
		}
	}
	return permissionOption{}, false
}

func (d *Driver) sendReply(id json.RawMessage, result interface{}, rpcErr *RPCError) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.transport.send(rpcReply{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}); err != nil {
		d.logger.Warn("failed to send server-request reply", "error", err)
	}
}
