// Package driver implements the Agent Driver: a reliable duplex JSON-RPC 2.0
// state machine over one external agent subprocess's stdio.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	protocolVersion    = 1
	terminationGrace   = 5 * time.Second
	staleDrainIdle     = 100 * time.Millisecond
	staleDrainWindow   = 500 * time.Millisecond
	notificationBuffer = 256
	requestBuffer      = 16
)

// Driver owns one subprocess and exposes the typed ACP-style API described
// by the protocol: initialize, session create/load/prompt/cancel/set-model.
// A single Driver instance is owned by exactly one WorkerSlot at a time.
type Driver struct {
	transport transport
	logger    *slog.Logger

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *inboundMessage

	notifCh chan *inboundMessage
	reqCh   chan *inboundMessage

	stateMu sync.Mutex
	state   State

	writeMu sync.Mutex

	doneOnce sync.Once
	done     chan struct{}

	// currentSessionID tracks the session bound by the most recent
	// successful session_new/session_load, used only for logging context.
	currentSessionID string

	cancelled atomic.Bool
}

// Spawn starts the agent subprocess in a new process group and returns a
// Driver in StateIdle. Callers must call Initialize before any session
// operation.
func Spawn(binaryPath string, args []string, workDir string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := newProcessTransport(binaryPath, args, defaultEnviron(), workDir, logger)
	if err != nil {
		return nil, fmt.Errorf("spawn agent subprocess: %w", err)
	}
	return newDriver(t, logger), nil
}

func newDriver(t transport, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		transport: t,
		logger:    logger,
		pending:   make(map[string]chan *inboundMessage),
		notifCh:   make(chan *inboundMessage, notificationBuffer),
		reqCh:     make(chan *inboundMessage, requestBuffer),
		state:     StateIdle,
		done:      make(chan struct{}),
	}
	go d.readLoop()
	go d.serverRequestLoop()
	return d
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

// PID returns the process group id of the subprocess, for liveness probing
// by SessionLockConflict recovery.
func (d *Driver) PID() int {
	return d.transport.pid()
}

func (d *Driver) setState(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

// readLoop demultiplexes inbound lines into responses, notifications, and
// server-initiated requests.
func (d *Driver) readLoop() {
	for line := range d.transport.recvLines() {
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			d.logger.Warn("malformed line from agent", "error", err)
			continue
		}

		switch {
		case msg.isResponse():
			d.routeResponse(&msg)
		case msg.isServerRequest():
			select {
			case d.reqCh <- &msg:
			default:
				d.logger.Warn("server-request channel full, dropping", "method", msg.Method)
			}
		case msg.isNotification():
			select {
			case d.notifCh <- &msg:
			default:
				d.logger.Warn("notification channel full, dropping", "method", msg.Method)
			}
		}
	}
	d.markDead(fmt.Errorf("agent stdout closed"))
}

func (d *Driver) routeResponse(msg *inboundMessage) {
	key := string(msg.ID)
	d.pendingMu.Lock()
	ch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// markDead transitions the driver to StateDead exactly once: empties the
// pending-response map signalling every waiter with ErrConnectionLost, and
// clears the notification queue.
func (d *Driver) markDead(cause error) {
	d.doneOnce.Do(func() {
		d.setState(StateDead)
		d.logger.Warn("driver transitioned to dead", "cause", cause)

		d.pendingMu.Lock()
		for id, ch := range d.pending {
			select {
			case ch <- &inboundMessage{Error: &RPCError{Message: ErrConnectionLost.Error()}}:
			default:
			}
			delete(d.pending, id)
		}
		d.pendingMu.Unlock()

		drainChan(d.notifCh)
		close(d.done)
	})
}

func drainChan(ch chan *inboundMessage) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// call sends a request and blocks for its matching response.
func (d *Driver) call(ctx context.Context, method string, params interface{}) (*inboundMessage, error) {
	if d.State() == StateDead {
		return nil, ErrConnectionLost
	}

	id := d.nextID.Add(1)
	idJSON, _ := json.Marshal(id)
	key := string(idJSON)

	respCh := make(chan *inboundMessage, 1)
	d.pendingMu.Lock()
	d.pending[key] = respCh
	d.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	d.writeMu.Lock()
	err := d.transport.send(req)
	d.writeMu.Unlock()
	if err != nil {
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message == ErrConnectionLost.Error() && len(resp.Error.Data) == 0 && resp.Result == nil {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrConnectionLost
	}
}

func (d *Driver) notify(method string, params interface{}) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.transport.send(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// Initialize sends the initialize request declaring client capabilities and
// transitions IDLE -> READY on success.
func (d *Driver) Initialize(ctx context.Context) error {
	d.setState(StateInitializing)

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientCapabilities: clientCapabilities{
			FS:       &fsCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
		ClientInfo: clientInfo{Name: "agentrelay-gateway", Version: "1.0.0"},
	}

	resp, err := d.call(ctx, "initialize", params)
	if err != nil {
		d.markDead(err)
		return &ProtocolError{Op: "initialize", Err: err}
	}
	if resp.Error != nil {
		d.markDead(resp.Error)
		return &ProtocolError{Op: "initialize", Err: resp.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		d.markDead(err)
		return &ProtocolError{Op: "initialize", Err: fmt.Errorf("%w: %v", ErrProtocolMismatch, err)}
	}
	if result.ProtocolVersion != protocolVersion {
		err := fmt.Errorf("%w: server protocol version %d, client %d", ErrProtocolMismatch, result.ProtocolVersion, protocolVersion)
		d.markDead(err)
		return &ProtocolError{Op: "initialize", Err: err}
	}

	d.setState(StateReady)
	return nil
}

// SessionNew creates a fresh session rooted at cwd.
func (d *Driver) SessionNew(ctx context.Context, cwd string) (string, error) {
	if d.State() != StateReady {
		return "", ErrNotReady
	}
	resp, err := d.call(ctx, "session/new", sessionNewParams{CWD: cwd, MCPServers: []interface{}{}})
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("session/new: %w", resp.Error)
	}
	var result sessionNewResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("session/new: parse result: %w", err)
	}
	d.currentSessionID = result.SessionID
	return result.SessionID, nil
}

// SessionLoad loads a previously created session. After the response it
// drains any notifications queued as replay-history for the loaded session.
func (d *Driver) SessionLoad(ctx context.Context, sessionID, cwd string) error {
	if d.State() != StateReady {
		return ErrNotReady
	}
	resp, err := d.call(ctx, "session/load", sessionLoadParams{SessionID: sessionID, CWD: cwd, MCPServers: []interface{}{}})
	if err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	if resp.Error != nil {
		if conflict := parseSessionLockConflict(resp.Error); conflict != nil {
			return conflict
		}
		return fmt.Errorf("session/load: %w", resp.Error)
	}
	d.currentSessionID = sessionID
	d.drainReplayNotifications()
	return nil
}

func parseSessionLockConflict(rpcErr *RPCError) *SessionLockConflict {
	if rpcErr == nil || len(rpcErr.Data) == 0 {
		return nil
	}
	var data sessionLockConflictData
	if err := json.Unmarshal(rpcErr.Data, &data); err != nil || data.HolderPID == 0 {
		return nil
	}
	return &SessionLockConflict{HolderPID: data.HolderPID, Err: rpcErr}
}

// HolderAlive probes a reported lock-holder pid's liveness with a signal-0
// probe, per §7's stale-lock recovery policy.
func HolderAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil
}

// drainReplayNotifications discards anything currently buffered in notifCh:
// the first of the spec's two defined drain points (end of session_load).
func (d *Driver) drainReplayNotifications() {
	drainChan(d.notifCh)
}

// SessionSetModel sets the active model for a session.
func (d *Driver) SessionSetModel(ctx context.Context, sessionID, model string) error {
	resp, err := d.call(ctx, "session/set_model", sessionSetModelParams{SessionID: sessionID, ModelID: model})
	if err != nil {
		return fmt.Errorf("session/set_model: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("session/set_model: %w", resp.Error)
	}
	return nil
}

// SessionCancel sends a fire-and-forget session/cancel notification; legal
// in any state. It also marks the current turn cancelled so that any
// server-initiated permission request racing with cancellation is answered
// with outcome "cancelled" rather than the default "allow once".
func (d *Driver) SessionCancel(sessionID string) error {
	d.cancelled.Store(true)
	return d.notify("session/cancel", sessionCancelParams{SessionID: sessionID})
}
