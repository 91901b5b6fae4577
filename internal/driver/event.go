package driver

// EventKind tags the variant of a streamed session/prompt Event. Only
// MessageChunk and TurnEnd are surfaced to callers of Prompt; ToolCall,
// ToolCallUpdate and Plan updates are observed internally and logged, never
// yielded, per the protocol's streaming semantics.
type EventKind int

const (
	// EventMessageChunk carries an incremental (not cumulative) text
	// fragment of the agent's reply.
	EventMessageChunk EventKind = iota
	// EventTurnEnd marks completion of the prompt turn.
	EventTurnEnd
)

// Event is the tagged sum of content the driver emits while streaming a
// session/prompt turn.
type Event struct {
	Kind       EventKind
	Text       string // populated for EventMessageChunk
	StopReason string // populated for EventTurnEnd
}
