// Package protocol defines the JSON frame envelope exchanged with clients
// and the system frames emitted by the hub itself.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// SystemTopic carries frames addressed to or originating from the hub itself.
const SystemTopic = "system"

// Inbound event names recognised by the router.
const (
	EventAuth      = "auth"
	EventJoin      = "join"
	EventLeave     = "leave"
	EventHeartbeat = "heartbeat"
)

// Outbound event names produced by the hub.
const (
	EventAuthReply    = "auth_reply"
	EventJoinReply    = "join_reply"
	EventLeaveReply   = "leave_reply"
	EventHeartbeatAck = "heartbeat_ack"
	EventError        = "error"
	EventShutdown     = "server_shutdown"
)

// Error codes carried in error frame payloads.
const (
	CodeBadFrame       = "bad_frame"
	CodeBadPayload     = "bad_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeAuthInvalid    = "auth_invalid"
	CodeAuthForbidden  = "auth_forbidden"
	CodeAuthRequired   = "auth_required"
	CodeActionFailed   = "action_failed"
	CodeNotSubscribed  = "not_subscribed"
	CodeServerShutdown = "server_shutdown"
)

var (
	errEmptyFrame   = errors.New("empty frame")
	errMissingTopic = errors.New("frame missing topic")
	errMissingEvent = errors.New("frame missing event")
)

// Frame is the logical envelope shared by every inbound and outbound message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// AuthRequest is the payload of an EventAuth frame.
type AuthRequest struct {
	Token string `json:"token"`
}

// ErrorPayload is the payload of an EventError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses a raw websocket text frame and validates the envelope.
func Decode(raw []byte) (*Frame, error) {
	//1.- Reject empty input before invoking the JSON parser.
	if len(raw) == 0 {
		return nil, errEmptyFrame
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	frame.Topic = strings.TrimSpace(frame.Topic)
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Topic == "" {
		return nil, errMissingTopic
	}
	if frame.Event == "" {
		return nil, errMissingEvent
	}
	return &frame, nil
}

// Encode serialises the frame for transmission.
func (f *Frame) Encode() ([]byte, error) {
	if f == nil {
		return nil, errEmptyFrame
	}
	return json.Marshal(f)
}

// WithRef returns a copy of the frame tagged with the request reference.
func (f *Frame) WithRef(ref string) *Frame {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Ref = ref
	return &clone
}

func mustPayload(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// ErrorFrame builds a structured error response addressed to the offending topic.
func ErrorFrame(topic, ref, code, message string) *Frame {
	if strings.TrimSpace(topic) == "" {
		topic = SystemTopic
	}
	return &Frame{
		Topic:   topic,
		Event:   EventError,
		Payload: mustPayload(ErrorPayload{Code: code, Message: message}),
		Ref:     ref,
	}
}

// HeartbeatProbe builds the periodic liveness probe enqueued to every client.
func HeartbeatProbe() *Frame {
	return &Frame{Topic: SystemTopic, Event: EventHeartbeat, Payload: json.RawMessage(`{}`)}
}

// HeartbeatAck acknowledges a client-initiated heartbeat.
func HeartbeatAck(ref string) *Frame {
	return &Frame{Topic: SystemTopic, Event: EventHeartbeatAck, Payload: json.RawMessage(`{}`), Ref: ref}
}

// ShutdownNotice informs clients that the hub is terminating.
func ShutdownNotice(message string) *Frame {
	return &Frame{
		Topic:   SystemTopic,
		Event:   EventShutdown,
		Payload: mustPayload(map[string]string{"message": message}),
	}
}

// AuthReply reports the outcome of an authentication attempt.
func AuthReply(subject string, ref string) *Frame {
	return &Frame{
		Topic:   SystemTopic,
		Event:   EventAuthReply,
		Payload: mustPayload(map[string]any{"status": "ok", "subject": subject}),
		Ref:     ref,
	}
}

// JoinReply acknowledges a successful channel join.
func JoinReply(topic, ref string) *Frame {
	return &Frame{
		Topic:   topic,
		Event:   EventJoinReply,
		Payload: mustPayload(map[string]string{"status": "ok"}),
		Ref:     ref,
	}
}

// LeaveReply acknowledges a channel leave.
func LeaveReply(topic, ref string) *Frame {
	return &Frame{
		Topic:   topic,
		Event:   EventLeaveReply,
		Payload: mustPayload(map[string]string{"status": "ok"}),
		Ref:     ref,
	}
}
