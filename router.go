package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"netwire/hub/internal/auth"
	"netwire/hub/internal/broadcast"
	"netwire/hub/internal/channels"
	"netwire/hub/internal/logging"
	"netwire/hub/internal/protocol"
)

// Router classifies inbound frames into connection management, channel
// management, and domain actions. Every outcome is a reply frame; protocol
// errors never terminate the connection.
type Router struct {
	verifier *auth.Verifier
	policy   *auth.Policy
	channels *channels.Manager
	engine   *broadcast.Engine
	handler  DomainHandler
	logger   *logging.Logger
}

func newRouter(verifier *auth.Verifier, policy *auth.Policy, manager *channels.Manager, engine *broadcast.Engine, handler DomainHandler, logger *logging.Logger) *Router {
	return &Router{
		verifier: verifier,
		policy:   policy,
		channels: manager,
		engine:   engine,
		handler:  handler,
		logger:   logger.With(logging.String("component", "router")),
	}
}

// authRequired reports whether token verification is configured.
func (r *Router) authRequired() bool {
	return r != nil && r.verifier != nil
}

// Route processes one decoded frame for the client. The returned frame is the
// reply to enqueue; a non-nil error marks the frame as failed for the stats
// counters while the reply still describes the failure to the client.
func (r *Router) Route(ctx context.Context, client *Client, frame *protocol.Frame) (*protocol.Frame, error) {
	if r == nil || client == nil || frame == nil {
		return nil, errors.New("router not initialised")
	}

	switch frame.Event {
	case protocol.EventAuth:
		return r.routeAuth(client, frame)
	case protocol.EventJoin:
		return r.routeJoin(client, frame)
	case protocol.EventLeave:
		return r.routeLeave(client, frame)
	case protocol.EventHeartbeat:
		//1.- Activity was already recorded by the read pump; just acknowledge.
		return protocol.HeartbeatAck(frame.Ref), nil
	default:
		return r.routeAction(ctx, client, frame)
	}
}

func (r *Router) routeAuth(client *Client, frame *protocol.Frame) (*protocol.Frame, error) {
	if !r.authRequired() {
		//1.- With verification disabled every connection is the anonymous subject.
		client.setClaims(&auth.Claims{Subject: "anonymous"})
		return protocol.AuthReply("anonymous", frame.Ref), nil
	}
	var request protocol.AuthRequest
	if err := json.Unmarshal(frame.Payload, &request); err != nil {
		return protocol.ErrorFrame(protocol.SystemTopic, frame.Ref, protocol.CodeBadPayload, "auth payload must carry a token"), err
	}
	claims, err := r.verifier.Verify(request.Token)
	if err != nil {
		r.logger.Debug("authentication failed",
			logging.String("client_id", client.ID().String()),
			logging.Error(err),
		)
		return protocol.ErrorFrame(protocol.SystemTopic, frame.Ref, protocol.CodeAuthInvalid, "token rejected"), err
	}
	client.setClaims(claims)
	r.logger.Info("client authenticated",
		logging.String("client_id", client.ID().String()),
		logging.String("subject", claims.Subject),
	)
	return protocol.AuthReply(claims.Subject, frame.Ref), nil
}

func (r *Router) routeJoin(client *Client, frame *protocol.Frame) (*protocol.Frame, error) {
	//1.- Every join passes the access policy; there is no privileged caller path.
	if err := r.authorizeJoin(client, frame.Topic); err != nil {
		code := protocol.CodeAuthForbidden
		if client.Claims() == nil {
			code = protocol.CodeAuthRequired
		}
		return protocol.ErrorFrame(frame.Topic, frame.Ref, code, err.Error()), err
	}
	if err := r.channels.Join(frame.Topic, client.ID()); err != nil {
		return protocol.ErrorFrame(frame.Topic, frame.Ref, protocol.CodeActionFailed, "join failed"), err
	}
	return protocol.JoinReply(frame.Topic, frame.Ref), nil
}

func (r *Router) authorizeJoin(client *Client, topic string) error {
	if !r.authRequired() {
		if topic == protocol.SystemTopic {
			return fmt.Errorf("%w: system topic is not joinable", auth.ErrForbidden)
		}
		return nil
	}
	return r.policy.Authorize(client.Claims(), topic)
}

func (r *Router) routeLeave(client *Client, frame *protocol.Frame) (*protocol.Frame, error) {
	if err := r.channels.Leave(frame.Topic, client.ID()); err != nil {
		return protocol.ErrorFrame(frame.Topic, frame.Ref, protocol.CodeNotSubscribed, "not subscribed"), err
	}
	return protocol.LeaveReply(frame.Topic, frame.Ref), nil
}

func (r *Router) routeAction(ctx context.Context, client *Client, frame *protocol.Frame) (*protocol.Frame, error) {
	if r.authRequired() && client.Claims() == nil {
		err := fmt.Errorf("%w: authenticate before sending actions", auth.ErrForbidden)
		return protocol.ErrorFrame(frame.Topic, frame.Ref, protocol.CodeAuthRequired, "authentication required"), err
	}
	//1.- Actions target a topic the client is subscribed to.
	if !r.channels.IsMember(frame.Topic, client.ID()) {
		err := channels.ErrNotSubscribed
		return protocol.ErrorFrame(frame.Topic, frame.Ref, protocol.CodeNotSubscribed, "join the topic first"), err
	}
	if r.handler == nil {
		err := fmt.Errorf("%w: %q", ErrUnknownAction, frame.Event)
		return protocol.ErrorFrame(frame.Topic, frame.Ref, protocol.CodeUnknownEvent, "unsupported event"), err
	}

	result, err := r.handler.HandleAction(ctx, client.info(), frame)
	if err != nil {
		code := protocol.CodeActionFailed
		if errors.Is(err, ErrUnknownAction) {
			code = protocol.CodeUnknownEvent
		}
		return protocol.ErrorFrame(frame.Topic, frame.Ref, code, err.Error()), err
	}
	if result == nil {
		return nil, nil
	}
	if result.Emit != nil {
		r.engine.Publish(&protocol.Frame{
			Topic:   result.Emit.Topic,
			Event:   result.Emit.Event,
			Payload: result.Emit.Payload,
		})
	}
	if result.Reply != nil {
		return result.Reply.WithRef(frame.Ref), nil
	}
	return nil, nil
}
