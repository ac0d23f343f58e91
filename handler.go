package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"netwire/hub/internal/protocol"
)

// ErrUnknownAction reports a domain event the handler does not understand.
var ErrUnknownAction = errors.New("unknown action")

// ClientInfo is the identity snapshot handed to domain handlers. Handlers
// never see the connection itself.
type ClientInfo struct {
	ID         uuid.UUID
	RemoteAddr string
	Subject    string
	Scopes     []string
}

// OutboundEvent is a frame a handler wants published to a topic.
type OutboundEvent struct {
	Topic   string
	Event   string
	Payload json.RawMessage
}

// Result carries the outcome of a domain action: an optional direct reply to
// the sender and an optional event to broadcast.
type Result struct {
	Reply *protocol.Frame
	Emit  *OutboundEvent
}

// DomainHandler receives every frame the hub itself does not consume. The hub
// carries no knowledge of the application domain beyond this boundary.
type DomainHandler interface {
	HandleAction(ctx context.Context, client ClientInfo, frame *protocol.Frame) (*Result, error)
}

// DomainHandlerFunc adapts a function to the DomainHandler interface.
type DomainHandlerFunc func(ctx context.Context, client ClientInfo, frame *protocol.Frame) (*Result, error)

// HandleAction invokes the wrapped function.
func (f DomainHandlerFunc) HandleAction(ctx context.Context, client ClientInfo, frame *protocol.Frame) (*Result, error) {
	if f == nil {
		return nil, ErrUnknownAction
	}
	return f(ctx, client, frame)
}

// ChatHandler is the built-in domain handler: it relays chat messages on
// chat:* topics back to the room, stamped with the sender's subject.
type ChatHandler struct{}

type chatMessage struct {
	Body string `json:"body"`
	From string `json:"from,omitempty"`
}

// HandleAction relays "message" events on chat topics and rejects the rest.
func (ChatHandler) HandleAction(_ context.Context, client ClientInfo, frame *protocol.Frame) (*Result, error) {
	if frame == nil {
		return nil, ErrUnknownAction
	}
	if !strings.HasPrefix(frame.Topic, "chat:") || frame.Event != "message" {
		return nil, ErrUnknownAction
	}
	var msg chatMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode chat message: %w", err)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil, errors.New("chat message body must not be empty")
	}
	msg.From = client.Subject
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Result{
		Emit: &OutboundEvent{Topic: frame.Topic, Event: "message", Payload: payload},
	}, nil
}
