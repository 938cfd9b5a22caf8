// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known method names exchanged between the runner client and the
// runner subprocess.
const (
	MethodModel                     = "model"
	MethodRouteLocation             = "route_location"
	MethodAssociationTargetLocation = "association_target_location"
	MethodRouteInfo                 = "route_info"
	MethodReload                    = "reload"
	MethodShutdown                  = "shutdown"
	MethodPendingMigrations         = "pending_migrations_message"
	MethodRunMigrations             = "run_migrations"
	MethodAddonRegister             = "server_addon/register"
	MethodAddonDelegate             = "server_addon/delegate"
	MethodLogMessage                = "window/logMessage"
)

// Log message types carried in window/logMessage params.
const (
	LogTypeError   = 1
	LogTypeWarning = 2
	LogTypeInfo    = 3
	LogTypeLog     = 4
)

// =============================================================================
// MESSAGE
// =============================================================================

// Kind classifies a decoded Message.
type Kind int

const (
	// KindRequest has an id and a method and expects exactly one response.
	KindRequest Kind = iota

	// KindNotification has a method and no id. It is never answered.
	KindNotification

	// KindResponse has no method. The boot handshake is a response without an id.
	KindResponse
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is the single envelope used in both directions.
//
// Requests set ID and Method. Notifications set Method only. Responses
// set ID (except the boot handshake) and exactly one of Result or Error.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// Kind reports what the message is.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.ID != nil:
		return KindRequest
	case m.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// HasResult reports whether the message carries a non-null result.
func (m *Message) HasResult() bool {
	return !IsNull(m.Result)
}

// NewRequest builds a request envelope. params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification envelope. params may be nil.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResult builds a successful response. A nil id produces the id-less
// form used by the boot handshake. A nil result is sent as JSON null.
func NewResult(id *int64, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewError builds a failed response carrying msg.
func NewError(id *int64, msg string) *Message {
	return &Message{ID: id, Error: &ErrorPayload{Message: msg}}
}

// Int64 returns a pointer to v, for building ids.
func Int64(v int64) *int64 {
	return &v
}

// IsNull reports whether raw is absent or the JSON literal null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// =============================================================================
// ERROR PAYLOAD
// =============================================================================

// ErrorPayload is the error field of a response.
//
// It is written as a bare JSON string. On decode it also accepts an object
// with a "message" member so peers that follow JSON-RPC conventions are
// understood.
type ErrorPayload struct {
	Message string
}

// MarshalJSON writes the payload as a JSON string.
func (e ErrorPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Message)
}

// UnmarshalJSON accepts "msg" or {"message": "msg", ...}.
func (e *ErrorPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Message = s
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.New("error field must be a string or an object with a message")
	}
	e.Message = obj.Message
	return nil
}

// LogParams is the params object of a window/logMessage notification.
type LogParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}
