package mcp

import (
	"encoding/json"
	"fmt"
)

// MessageKind identifies which JSON-RPC variant a Message carries.
type MessageKind int

// MessageKind values.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// RequestID is a JSON-RPC correlation token. The protocol allows both string
// and number ids, and responses must echo the request id exactly as it was
// sent, so the underlying wire value is preserved instead of being normalized
// to a string.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or integer value.
func NewRequestID(value any) RequestID {
	switch v := value.(type) {
	case string, int, int64, uint64, float64:
		return RequestID{value: v}
	default:
		return RequestID{}
	}
}

// String returns the canonical string form of the id, used as the key into
// pending-request tables. Ids of different wire types never collide within
// one connection because a Peer allocates ids of a single type.
func (id RequestID) String() string {
	switch v := id.value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IsZero reports whether the id is absent, which distinguishes notifications
// from requests.
func (id RequestID) IsZero() bool {
	return id.value == nil
}

// MarshalJSON implements json.Marshaler, emitting the original wire type.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings and numbers.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("request id must be a string or number, got %s", string(data))
}

// Message represents a JSON-RPC 2.0 envelope used for communication in the MCP
// protocol. It can represent either a request, response, or notification
// depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs; absent on notifications.
	ID RequestID `json:"id,omitzero"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response payload as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *Error `json:"error,omitempty"`
}

// Error represents an error object in the JSON-RPC 2.0 protocol.
type Error struct {
	// Code indicates the error type that occurred. Must use standard JSON-RPC
	// error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Kind classifies the message. A message with a method is a request when it
// carries an id and a notification when it does not; a message without a
// method must carry exactly one of result or error to be a valid response.
func (m Message) Kind() MessageKind {
	if m.Method != "" {
		if m.Error != nil || len(m.Result) > 0 {
			return KindInvalid
		}
		if m.ID.IsZero() {
			return KindNotification
		}
		return KindRequest
	}
	if m.ID.IsZero() {
		return KindInvalid
	}
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	if hasResult == hasError {
		return KindInvalid
	}
	return KindResponse
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}

// Role fixes which request and notification methods a local actor may emit.
// It is a static contract between the two ends of a connection, never
// negotiated at runtime.
type Role int

// Role values.
const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// mayCall reports whether the role is permitted to emit the given request
// method. Methods outside the known protocol set are allowed for both roles
// so integrators can extend the protocol.
func (r Role) mayCall(method string) bool {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall:
		return r == RoleClient
	case MethodRootsList, MethodSamplingCreateMessage:
		return r == RoleServer
	default:
		return true
	}
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// protocolVersion is the MCP revision this package implements.
	protocolVersion = "2025-03-26"
)

// Method names for requests the core understands.
const (
	// MethodInitialize is the method name for the protocol handshake.
	MethodInitialize = "initialize"
	// MethodPing is the method name for connection health checks.
	MethodPing = "ping"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for creating a new sampling message.
	MethodSamplingCreateMessage = "sampling/createMessage"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
)

// JSON-RPC error codes.
const (
	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

type cancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// newRequest builds a request message, marshaling params when present.
func newRequest(id RequestID, method string, params any) (Message, error) {
	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return msg, nil
}

// newResultResponse builds a successful response carrying the original id.
func newResultResponse(id RequestID, result any) (Message, error) {
	bs, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  bs,
	}, nil
}

// newErrorResponse builds an error response carrying the original id.
func newErrorResponse(id RequestID, code int, message string, data map[string]any) Message {
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
