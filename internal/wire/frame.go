package wire

// FramePayloadType discriminates the payload union carried by a TunnelFrame
// (spec §6: "payload is one of: grpc_request, grpc_response,
// stream{data, end_of_stream}, heartbeat, error{code, message}").
type FramePayloadType string

const (
	PayloadGRPCRequest  FramePayloadType = "grpc_request"
	PayloadGRPCResponse FramePayloadType = "grpc_response"
	PayloadStream       FramePayloadType = "stream"
	PayloadHeartbeat    FramePayloadType = "heartbeat"
	PayloadErrorFrame   FramePayloadType = "error"
)

// Frame is the unit exchanged over a daemon's tunnel stream to the relay,
// and over the relay's client-facing stream. Frames for the same
// RequestID preserve order; frames for different RequestIDs may interleave
// arbitrarily (spec §5).
type Frame struct {
	RequestID   string           `json:"request_id"`
	Sequence    uint64           `json:"sequence"`
	ServiceName string           `json:"service_name,omitempty"`
	MethodName  string           `json:"method_name,omitempty"`
	Type        FramePayloadType `json:"type"`

	Body          []byte `json:"body,omitempty"`
	StreamData    []byte `json:"stream_data,omitempty"`
	EndOfStream   bool   `json:"end_of_stream,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Priority is the buffering priority class of spec §3/§4.3: 0 is highest
// (delivered first on reconnect).
type Priority int

const (
	PriorityPermissionResponse Priority = 0
	PriorityCancellation       Priority = 1
	PriorityUserMessage        Priority = 2
	PrioritySessionControl     Priority = 3
	PriorityHeartbeat          Priority = 4
)

// RegistrationFrame is sent once by a daemon immediately after the tunnel
// stream is admitted (spec §4.3 tunnel admission).
type RegistrationFrame struct {
	MachineID    string   `json:"machine_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HeartbeatFrame carries liveness and reported metrics (spec §3 Tunnel
// Registration: "reported metrics").
type HeartbeatFrame struct {
	MachineID string         `json:"machine_id"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}
