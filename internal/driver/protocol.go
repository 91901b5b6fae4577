package driver

import "encoding/json"

// rpcRequest is an outbound JSON-RPC 2.0 request, carrying a client-assigned
// monotonically increasing id.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcNotification is an outbound JSON-RPC 2.0 notification; it carries no id
// and expects no response.
type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcReply is a synchronous response the driver sends back to a
// server-initiated request (e.g. session/request_permission), echoing the
// peer's id verbatim so it may be either a number or a string.
type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// inboundMessage is the generic shape every line from the subprocess is first
// parsed into, before being classified as a response, notification, or
// server-initiated request.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *inboundMessage) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

func (m *inboundMessage) isServerRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

func (m *inboundMessage) isNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// ACP-derived protocol types. Field shapes follow the ACP (Agent Client
// Protocol) stdio convention: session/new and session/load share a
// parameter shape, and session/update notifications carry a nested
// discriminator.

type clientCapabilities struct {
	FS       *fsCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities clientCapabilities `json:"clientCapabilities"`
	ClientInfo         clientInfo         `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// ContentBlock is one element of a prompt's content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type sessionNewParams struct {
	CWD        string        `json:"cwd"`
	MCPServers []interface{} `json:"mcpServers"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// sessionLoadParams must match sessionNewParams exactly plus the prior
// session id; an abbreviated shape produces a silent failure in the agent.
type sessionLoadParams struct {
	SessionID  string        `json:"sessionId"`
	CWD        string        `json:"cwd"`
	MCPServers []interface{} `json:"mcpServers"`
}

type sessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type sessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

type sessionSetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type sessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

type sessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

type sessionUpdate struct {
	SessionUpdate string        `json:"sessionUpdate"`
	Content       *contentField `json:"content,omitempty"`
}

type contentField struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// permissionOption is one choice offered by a session/request_permission call.
type permissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	Options   []permissionOption `json:"options"`
}

type requestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

type requestPermissionResult struct {
	Outcome requestPermissionOutcome `json:"outcome"`
}

// sessionLockConflictData is the expected shape of a session/load error's
// Data payload when the lock is held by a live or dead process.
type sessionLockConflictData struct {
	HolderPID int `json:"holderPid"`
}

const (
	sessionUpdateAgentMessageChunk = "agent_message_chunk"
	sessionUpdateToolCall          = "tool_call"
	sessionUpdateToolCallUpdate    = "tool_call_update"
	sessionUpdateTurnEnd           = "turn_end"
	sessionUpdatePlan              = "plan"

	stopReasonEndTurn = "end_turn"
)
