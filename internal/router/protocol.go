package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/austinbrady/Assist-sub001/internal/backend"
	"github.com/austinbrady/Assist-sub001/internal/dispatch"
	"github.com/austinbrady/Assist-sub001/internal/storage"
)

// MessageType names a request on the message channel.
type MessageType string

const (
	TypeSendMessage         MessageType = "SEND_MESSAGE"
	TypeCheckConnection     MessageType = "CHECK_CONNECTION"
	TypeGetConnectionStatus MessageType = "GET_CONNECTION_STATUS"
	TypeSetToken            MessageType = "SET_TOKEN"
	TypeGetToken            MessageType = "GET_TOKEN"
	TypeUpdateConfig        MessageType = "UPDATE_CONFIG"
	TypeGetConfig           MessageType = "GET_CONFIG"
	TypeStartHealthChecks   MessageType = "START_HEALTH_CHECKS"
	TypeStopHealthChecks    MessageType = "STOP_HEALTH_CHECKS"
)

// Pushed to channel subscribers, never sent as a request.
const TypeConnectionStatusChanged = "CONNECTION_STATUS_CHANGED"

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Error codes used in reply envelopes next to the dispatch codes.
const (
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeCancelled          = "CANCELLED"
	CodeInternal           = "INTERNAL_ERROR"
)

// Request is one inbound message. ID is echoed in the reply and generated
// when the caller leaves it empty.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Reply is the envelope sent back for every request, exactly once.
type Reply struct {
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ReplyFunc receives the settled reply of a deferred request.
type ReplyFunc func(Reply)

// StatusPush is the unsolicited status notification sent to channel clients.
type StatusPush struct {
	Type   string                   `json:"type"`
	Status backend.ConnectionStatus `json:"status"`
}

type StatusResponse struct {
	Status backend.ConnectionStatus `json:"status"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type TokenResponse struct {
	Token *string `json:"token"`
}

type ConfigResponse struct {
	Config storage.APIConfig `json:"config"`
}

// NewReply builds the envelope for a handler outcome.
func NewReply(id string, result interface{}, err error) Reply {
	if err != nil {
		return Reply{ID: id, Error: errorBody(err)}
	}
	return Reply{ID: id, OK: true, Result: result}
}

func errorBody(err error) *ErrorBody {
	var derr *dispatch.Error
	switch {
	case errors.As(err, &derr):
		return &ErrorBody{
			Code:      string(derr.Code),
			Message:   derr.Message,
			Status:    derr.Status,
			Retryable: derr.Retryable,
		}
	case errors.Is(err, ErrUnknownMessageType):
		return &ErrorBody{Code: CodeUnknownMessageType, Message: err.Error()}
	case errors.Is(err, ErrInvalidPayload):
		return &ErrorBody{Code: CodeInvalidPayload, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &ErrorBody{Code: CodeCancelled, Message: err.Error(), Retryable: true}
	default:
		return &ErrorBody{Code: CodeInternal, Message: err.Error()}
	}
}
