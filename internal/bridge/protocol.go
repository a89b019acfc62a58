package bridge

import "encoding/json"

// outboundRPC is the shape written to the child's stdin for every RPC call
// (§6): {id, type, ...params}. params is flattened into the object rather
// than nested so the child sees a flat map regardless of call type.
type outboundRPC struct {
	ID     string
	Type   string
	Params map[string]any
}

// MarshalJSON flattens Params alongside id/type.
func (o outboundRPC) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Params)+2)
	for k, v := range o.Params {
		m[k] = v
	}
	m["id"] = o.ID
	m["type"] = o.Type
	return json.Marshal(m)
}

// inboundEnvelope is decoded once per stdout line to discover the event
// type before dispatching to a type-specific struct.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`

	AssistantMessageEvent *assistantMessageEvent `json:"assistantMessageEvent"`
	ToolName              string                 `json:"toolName"`
	Args                  json.RawMessage        `json:"args"`
	ToolCallID            string                 `json:"toolCallId"`
	IsError               bool                   `json:"isError"`
	Result                json.RawMessage        `json:"result"`
}

type assistantMessageEvent struct {
	Type  string `json:"type"` // "text_delta" or "thinking_delta"
	Delta string `json:"delta"`
}

// Inbound event type tags, as emitted by the child on stdout.
const (
	inResponse            = "response"
	inMessageUpdate       = "message_update"
	inToolExecutionStart  = "tool_execution_start"
	inToolExecutionEnd    = "tool_execution_end"
	inAgentStart          = "agent_start"
	inAgentEnd            = "agent_end"
	inAutoCompactionStart = "auto_compaction_start"
	inAutoCompactionEnd   = "auto_compaction_end"
)

// Outbound RPC type tags, written to the child's stdin.
const (
	RPCFollowUp           = "follow_up"
	RPCAbort              = "abort"
	RPCCompact            = "compact"
	RPCNewSession         = "new_session"
	RPCGetAvailableModels = "get_available_models"
	RPCSetModel           = "set_model"
	RPCPrompt             = "prompt"
	RPCGetState           = "get_state"
	RPCGetSessionStats    = "get_session_stats"
)

// ToolStartInfo is passed to the onToolStart callback (§4.2/§4.4).
type ToolStartInfo struct {
	ToolName string
	Args     map[string]any
}
