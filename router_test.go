package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"netwire/hub/internal/auth"
	"netwire/hub/internal/broadcast"
	"netwire/hub/internal/channels"
	"netwire/hub/internal/logging"
	"netwire/hub/internal/protocol"
)

const testSecret = "topsecret"

func mintToken(t *testing.T, subject string, scopes []string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"iat":    time.Now().Unix(),
		"exp":    expires.Unix(),
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	claims := base64.RawURLEncoding.EncodeToString(body)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(header + "." + claims))
	return header + "." + claims + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// memorySink collects enqueued frames keyed by client id.
type memorySink struct {
	mu     sync.Mutex
	frames map[uuid.UUID][][]byte
}

func newMemorySink() *memorySink {
	return &memorySink{frames: make(map[uuid.UUID][][]byte)}
}

func (s *memorySink) Enqueue(id uuid.UUID, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[id] = append(s.frames[id], frame)
	return nil
}

func (s *memorySink) framesFor(id uuid.UUID) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[id]
}

type routerFixture struct {
	router  *Router
	manager *channels.Manager
	sink    *memorySink
}

func newRouterFixture(t *testing.T, withAuth bool) *routerFixture {
	t.Helper()
	logger := logging.NewTestLogger()
	manager := channels.NewManager()
	sink := newMemorySink()
	engine, err := broadcast.NewEngine(manager, sink, broadcast.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var verifier *auth.Verifier
	var policy *auth.Policy
	if withAuth {
		verifier, err = auth.NewVerifier(testSecret, 0)
		if err != nil {
			t.Fatalf("NewVerifier: %v", err)
		}
		policy = auth.NewPolicy(nil)
	}
	return &routerFixture{
		router:  newRouter(verifier, policy, manager, engine, ChatHandler{}, logger),
		manager: manager,
		sink:    sink,
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return newClient(nil, "127.0.0.1:50000", logging.NewTestLogger(), time.Now())
}

func decodeErrorPayload(t *testing.T, frame *protocol.Frame) protocol.ErrorPayload {
	t.Helper()
	if frame == nil || frame.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %+v", frame)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return payload
}

func authFrame(t *testing.T, token, ref string) *protocol.Frame {
	t.Helper()
	payload, err := json.Marshal(protocol.AuthRequest{Token: token})
	if err != nil {
		t.Fatalf("marshal auth payload: %v", err)
	}
	return &protocol.Frame{Topic: protocol.SystemTopic, Event: protocol.EventAuth, Payload: payload, Ref: ref}
}

func authenticate(t *testing.T, fx *routerFixture, client *Client, subject string) {
	t.Helper()
	token := mintToken(t, subject, nil, time.Now().Add(time.Hour))
	reply, err := fx.router.Route(context.Background(), client, authFrame(t, token, ""))
	if err != nil {
		t.Fatalf("auth route: %v", err)
	}
	if reply.Event != protocol.EventAuthReply {
		t.Fatalf("expected auth reply, got %+v", reply)
	}
}

func TestRouteAuthSuccess(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)
	token := mintToken(t, "pilot-7", []string{"admin"}, time.Now().Add(time.Hour))

	reply, err := fx.router.Route(context.Background(), client, authFrame(t, token, "r-1"))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if reply.Event != protocol.EventAuthReply || reply.Ref != "r-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	claims := client.Claims()
	if claims == nil || claims.Subject != "pilot-7" {
		t.Fatalf("claims not recorded: %+v", claims)
	}
}

func TestRouteAuthInvalidToken(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)

	reply, err := fx.router.Route(context.Background(), client, authFrame(t, "garbage", "r-2"))
	if err == nil {
		t.Fatal("expected routing error")
	}
	payload := decodeErrorPayload(t, reply)
	if payload.Code != protocol.CodeAuthInvalid {
		t.Fatalf("expected %s, got %s", protocol.CodeAuthInvalid, payload.Code)
	}
	//1.- A failed attempt leaves the connection anonymous but open.
	if client.Claims() != nil {
		t.Fatal("claims must stay nil after a rejected token")
	}
}

func TestRouteJoinRequiresAuth(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)

	frame := &protocol.Frame{Topic: "lobby:global", Event: protocol.EventJoin}
	reply, err := fx.router.Route(context.Background(), client, frame)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if payload := decodeErrorPayload(t, reply); payload.Code != protocol.CodeAuthRequired {
		t.Fatalf("expected %s, got %s", protocol.CodeAuthRequired, payload.Code)
	}
}

func TestRouteJoinAndLeave(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)
	authenticate(t, fx, client, "pilot-7")

	join := &protocol.Frame{Topic: "chat:general", Event: protocol.EventJoin, Ref: "r-3"}
	reply, err := fx.router.Route(context.Background(), client, join)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.Event != protocol.EventJoinReply || reply.Topic != "chat:general" || reply.Ref != "r-3" {
		t.Fatalf("unexpected join reply %+v", reply)
	}
	if !fx.manager.IsMember("chat:general", client.ID()) {
		t.Fatal("membership not recorded")
	}

	leave := &protocol.Frame{Topic: "chat:general", Event: protocol.EventLeave}
	reply, err = fx.router.Route(context.Background(), client, leave)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if reply.Event != protocol.EventLeaveReply {
		t.Fatalf("unexpected leave reply %+v", reply)
	}

	//1.- Leaving twice reports the protocol error without dropping the client.
	reply, err = fx.router.Route(context.Background(), client, leave)
	if !errors.Is(err, channels.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
	if payload := decodeErrorPayload(t, reply); payload.Code != protocol.CodeNotSubscribed {
		t.Fatalf("expected %s, got %s", protocol.CodeNotSubscribed, payload.Code)
	}
}

func TestRouteJoinForbiddenTopic(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)
	authenticate(t, fx, client, "pilot-7")

	frame := &protocol.Frame{Topic: "user:somebody-else", Event: protocol.EventJoin}
	reply, err := fx.router.Route(context.Background(), client, frame)
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if payload := decodeErrorPayload(t, reply); payload.Code != protocol.CodeAuthForbidden {
		t.Fatalf("expected %s, got %s", protocol.CodeAuthForbidden, payload.Code)
	}
	if fx.manager.IsMember("user:somebody-else", client.ID()) {
		t.Fatal("forbidden join must not record membership")
	}
}

func TestRouteHeartbeatAck(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)

	frame := &protocol.Frame{Topic: protocol.SystemTopic, Event: protocol.EventHeartbeat, Ref: "hb-1"}
	reply, err := fx.router.Route(context.Background(), client, frame)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if reply.Event != protocol.EventHeartbeatAck || reply.Ref != "hb-1" {
		t.Fatalf("unexpected ack %+v", reply)
	}
}

func TestRouteChatMessageBroadcasts(t *testing.T) {
	fx := newRouterFixture(t, true)
	sender := newTestClient(t)
	listener := newTestClient(t)
	authenticate(t, fx, sender, "pilot-7")
	authenticate(t, fx, listener, "pilot-9")

	for _, client := range []*Client{sender, listener} {
		frame := &protocol.Frame{Topic: "chat:general", Event: protocol.EventJoin}
		if _, err := fx.router.Route(context.Background(), client, frame); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	message := &protocol.Frame{
		Topic:   "chat:general",
		Event:   "message",
		Payload: json.RawMessage(`{"body":"hello room"}`),
	}
	reply, err := fx.router.Route(context.Background(), sender, message)
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if reply != nil {
		t.Fatalf("chat relay has no direct reply, got %+v", reply)
	}

	for name, id := range map[string]uuid.UUID{"sender": sender.ID(), "listener": listener.ID()} {
		frames := fx.sink.framesFor(id)
		if len(frames) != 1 {
			t.Fatalf("%s: expected one broadcast frame, got %d", name, len(frames))
		}
		broadcasted, err := protocol.Decode(frames[0])
		if err != nil {
			t.Fatalf("%s: decode broadcast: %v", name, err)
		}
		var msg struct {
			Body string `json:"body"`
			From string `json:"from"`
		}
		if err := json.Unmarshal(broadcasted.Payload, &msg); err != nil {
			t.Fatalf("%s: unmarshal payload: %v", name, err)
		}
		if msg.Body != "hello room" || msg.From != "pilot-7" {
			t.Fatalf("%s: unexpected message %+v", name, msg)
		}
	}
}

func TestRouteActionRequiresMembership(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)
	authenticate(t, fx, client, "pilot-7")

	message := &protocol.Frame{Topic: "chat:general", Event: "message", Payload: json.RawMessage(`{"body":"hi"}`)}
	reply, err := fx.router.Route(context.Background(), client, message)
	if !errors.Is(err, channels.ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
	if payload := decodeErrorPayload(t, reply); payload.Code != protocol.CodeNotSubscribed {
		t.Fatalf("expected %s, got %s", protocol.CodeNotSubscribed, payload.Code)
	}
}

func TestRouteUnknownActionEvent(t *testing.T) {
	fx := newRouterFixture(t, true)
	client := newTestClient(t)
	authenticate(t, fx, client, "pilot-7")
	join := &protocol.Frame{Topic: "chat:general", Event: protocol.EventJoin}
	if _, err := fx.router.Route(context.Background(), client, join); err != nil {
		t.Fatalf("join: %v", err)
	}

	frame := &protocol.Frame{Topic: "chat:general", Event: "dance"}
	reply, err := fx.router.Route(context.Background(), client, frame)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if payload := decodeErrorPayload(t, reply); payload.Code != protocol.CodeUnknownEvent {
		t.Fatalf("expected %s, got %s", protocol.CodeUnknownEvent, payload.Code)
	}
}

func TestRouteWithAuthDisabled(t *testing.T) {
	fx := newRouterFixture(t, false)
	client := newTestClient(t)

	//1.- Any topic except system is joinable without credentials.
	join := &protocol.Frame{Topic: "telemetry:raw", Event: protocol.EventJoin}
	reply, err := fx.router.Route(context.Background(), client, join)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if reply.Event != protocol.EventJoinReply {
		t.Fatalf("unexpected reply %+v", reply)
	}

	system := &protocol.Frame{Topic: protocol.SystemTopic, Event: protocol.EventJoin}
	if _, err := fx.router.Route(context.Background(), client, system); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for system topic, got %v", err)
	}
}
