package driver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// loopbackTransport is an in-memory transport used only by NewTestDriver.
// With no scripted behavior configured it answers every outbound request
// with an empty successful result and models kill as a permanent close —
// enough for pool tests that only need liveness transitions. With scripts
// configured (see TestHarness.Script) it answers with the scripted
// notifications and response instead, letting
// callers outside this package (notably internal/orchestrator) drive a real
// Driver through session_new/session_load/session_prompt without a
// subprocess.
type loopbackTransport struct {
	mu      sync.Mutex
	lines   chan []byte
	killed  bool
	sent    []sentCall
	scripts map[string][]scriptedCall
}

// sentCall records one outbound message for test assertions.
type sentCall struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// scriptedCall configures a loopback transport's automatic reply to the
// next outbound request for one method: any notifications are pushed onto
// recvLines() first (simulating streamed session/update events), then the
// request's response.
type scriptedCall struct {
	Notifications []interface{}
	Result        interface{}
	Err           *RPCError
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{lines: make(chan []byte, 256), scripts: make(map[string][]scriptedCall)}
}

func (l *loopbackTransport) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(data, &generic)

	l.mu.Lock()
	l.sent = append(l.sent, sentCall{ID: generic.ID, Method: generic.Method, Params: generic.Params})
	killed := l.killed
	hasID := len(generic.ID) > 0 && string(generic.ID) != "null"
	var call scriptedCall
	haveCall := false
	if hasID {
		if q, ok := l.scripts[generic.Method]; ok && len(q) > 0 {
			call = q[0]
			l.scripts[generic.Method] = q[1:]
			haveCall = true
		}
	}
	l.mu.Unlock()

	if killed || !hasID {
		return nil
	}
	if !haveCall {
		call = scriptedCall{Result: map[string]interface{}{}}
	}
	id := generic.ID
	go l.deliver(id, call)
	return nil
}

func (l *loopbackTransport) deliver(id json.RawMessage, call scriptedCall) {
	for _, n := range call.Notifications {
		l.pushRaw(n)
	}
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": id}
	if call.Err != nil {
		resp["error"] = call.Err
	} else {
		resp["result"] = call.Result
	}
	l.pushRaw(resp)
}

func (l *loopbackTransport) pushRaw(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.killed {
		return
	}
	select {
	case l.lines <- data:
	default:
	}
}

func (l *loopbackTransport) recvLines() <-chan []byte { return l.lines }

func (l *loopbackTransport) closeWriter() error { return nil }

func (l *loopbackTransport) kill(_ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.killed {
		l.killed = true
		close(l.lines)
	}
	return nil
}

func (l *loopbackTransport) pid() int { return -1 }

// TestHarness controls a Driver created by NewTestDriver: it is exported
// solely so that other internal packages (notably internal/pool and
// internal/orchestrator) can exercise real Driver lifecycle transitions and
// protocol exchanges without spawning a subprocess.
type TestHarness struct {
	transport *loopbackTransport
}

// Kill severs the loopback transport, driving the owning Driver to
// StateDead exactly as a real subprocess exit would.
func (h *TestHarness) Kill() {
	_ = h.transport.kill(0)
}

// Script queues one scripted reply for the next outbound request matching
// method. Calls for the same method are served in FIFO order; an
// unconfigured method defaults to an empty successful result so that calls
// the test doesn't care about (e.g. session/set_model) don't hang.
func (h *TestHarness) Script(method string, call scriptedCall) {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	h.transport.scripts[method] = append(h.transport.scripts[method], call)
}

// ScriptResult is a convenience wrapper around Script for a plain
// successful reply with no streamed notifications.
func (h *TestHarness) ScriptResult(method string, result interface{}) {
	h.Script(method, scriptedCall{Result: result})
}

// ScriptError is a convenience wrapper around Script for an error reply.
func (h *TestHarness) ScriptError(method string, rpcErr *RPCError) {
	h.Script(method, scriptedCall{Err: rpcErr})
}

// SessionUpdateNotification builds a session/update notification payload
// suitable for scriptedCall.Notifications, matching the wire shape
// sessionUpdateParams expects.
func SessionUpdateNotification(kind string, text string) map[string]interface{} {
	update := map[string]interface{}{"sessionUpdate": kind}
	if text != "" {
		update["content"] = map[string]interface{}{"text": text}
	}
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]interface{}{"update": update},
	}
}

// ScriptPrompt configures session/prompt to stream chunks (in order) and
// then resolve with the given stopReason ("end_turn" when empty).
func (h *TestHarness) ScriptPrompt(chunks []string, stopReason string) {
	var notifs []interface{}
	for _, c := range chunks {
		notifs = append(notifs, SessionUpdateNotification("agent_message_chunk", c))
	}
	if stopReason == "" {
		stopReason = "end_turn"
	}
	h.Script("session/prompt", scriptedCall{Notifications: notifs, Result: map[string]interface{}{"stopReason": stopReason}})
}

// SentMethods returns, in order, the method of every outbound request or
// notification sent so far.
func (h *TestHarness) SentMethods() []string {
	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	methods := make([]string, len(h.transport.sent))
	for i, c := range h.transport.sent {
		methods[i] = c.Method
	}
	return methods
}

// NewTestDriver returns a Driver already in StateReady, paired with a
// TestHarness that can simulate process death and script protocol replies.
// Used by tests of packages that hold a *Driver (e.g. the worker pool, the
// turn orchestrator) and need to exercise real state transitions and
// exchanges without a real agent binary.
func NewTestDriver(logger *slog.Logger) (*Driver, *TestHarness) {
	if logger == nil {
		logger = slog.Default()
	}
	t := newLoopbackTransport()
	d := newDriver(t, logger)
	d.setState(StateReady)
	return d, &TestHarness{transport: t}
}
