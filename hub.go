package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"netwire/hub/internal/auth"
	"netwire/hub/internal/broadcast"
	"netwire/hub/internal/channels"
	"netwire/hub/internal/config"
	"netwire/hub/internal/journal"
	"netwire/hub/internal/logging"
	"netwire/hub/internal/protocol"
)

var (
	// ErrHubClosed reports operations against a hub that is shutting down.
	ErrHubClosed = errors.New("hub closed")
	// ErrCapacity reports a registration attempt beyond the connection limit.
	ErrCapacity = errors.New("connection capacity reached")
)

// ServerStats is the aggregate view surfaced on the stats APIs.
type ServerStats struct {
	ActiveConnections int       `json:"active_connections"`
	TotalConnections  uint64    `json:"total_connections"`
	PeakConnections   int       `json:"peak_connections"`
	MessagesProcessed uint64    `json:"messages_processed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	Broadcasts        uint64    `json:"broadcasts"`
	ActiveChannels    int       `json:"active_channels"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	CapturedAt        time.Time `json:"captured_at"`
}

// Hub owns the connection registry and orchestrates authentication, channel
// membership, broadcasting, and the periodic maintenance loops.
type Hub struct {
	logger  *logging.Logger
	now     func() time.Time
	started time.Time

	maxConnections    int
	maxPayloadBytes   int64
	heartbeatInterval time.Duration
	livenessThreshold time.Duration
	sweepInterval     time.Duration
	statsInterval     time.Duration

	upgrader      websocket.Upgrader
	authenticator handshakeAuthenticator
	verifier      *auth.Verifier
	policy        *auth.Policy
	channels      *channels.Manager
	engine        *broadcast.Engine
	router        *Router
	handler       DomainHandler
	journal       *journal.Writer

	mu      sync.Mutex
	clients map[uuid.UUID]*Client
	closed  bool
	total   uint64
	peak    int

	processed atomic.Uint64
	failed    atomic.Uint64

	statsMu  sync.RWMutex
	snapshot ServerStats

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HubOption customises hub construction.
type HubOption func(*Hub)

// WithClock overrides the hub clock, enabling deterministic tests.
func WithClock(clock func() time.Time) HubOption {
	return func(h *Hub) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithLogger overrides the hub logger.
func WithLogger(logger *logging.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithDomainHandler installs the application handler for non-system frames.
func WithDomainHandler(handler DomainHandler) HubOption {
	return func(h *Hub) {
		if handler != nil {
			h.handler = handler
		}
	}
}

// WithJournal attaches a broadcast journal owned (and closed) by the hub.
func WithJournal(writer *journal.Writer) HubOption {
	return func(h *Hub) { h.journal = writer }
}

// WithHandshakeAuthenticator wires a custom handshake-time authenticator.
func WithHandshakeAuthenticator(authenticator handshakeAuthenticator) HubOption {
	return func(h *Hub) {
		if authenticator != nil {
			h.authenticator = authenticator
		}
	}
}

// NewHub assembles a hub from the validated configuration.
func NewHub(cfg *config.Config, opts ...HubOption) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	hub := &Hub{
		logger:            logging.L(),
		now:               time.Now,
		maxConnections:    cfg.MaxConnections,
		maxPayloadBytes:   cfg.MaxPayloadBytes,
		heartbeatInterval: cfg.HeartbeatInterval,
		livenessThreshold: cfg.LivenessThreshold,
		sweepInterval:     cfg.SweepInterval,
		statsInterval:     cfg.StatsInterval,
		handler:           ChatHandler{},
		clients:           make(map[uuid.UUID]*Client),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(hub)
	}
	hub.logger = hub.logger.With(logging.String("component", "hub"))
	hub.started = hub.now()
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	if !cfg.Auth.Disabled {
		verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret, cfg.Auth.TokenLeeway)
		if err != nil {
			return nil, err
		}
		hub.verifier = verifier
		hub.policy = auth.NewPolicy(cfg.Auth.PublicTopics)
		if hub.authenticator == nil && cfg.Auth.Handshake {
			hub.authenticator = newTokenHandshakeAuthenticator(verifier)
		}
	}

	hub.channels = channels.NewManager()
	hub.channels.WithClock(hub.now)

	engineOpts := []broadcast.EngineOption{broadcast.WithLogger(hub.logger)}
	if hub.journal != nil {
		engineOpts = append(engineOpts, broadcast.WithJournal(hub.journal))
	}
	engine, err := broadcast.NewEngine(hub.channels, hub, engineOpts...)
	if err != nil {
		return nil, err
	}
	hub.engine = engine
	hub.router = newRouter(hub.verifier, hub.policy, hub.channels, engine, hub.handler, hub.logger)
	hub.refreshStats()
	return hub, nil
}

// Start launches the heartbeat, liveness sweep, and stats loops.
func (h *Hub) Start() {
	if h == nil {
		return
	}
	h.wg.Add(3)
	go h.loop(h.heartbeatInterval, h.broadcastHeartbeats)
	go h.loop(h.sweepInterval, func() { h.sweepExpired() })
	go h.loop(h.statsInterval, h.refreshStats)
}

func (h *Hub) loop(interval time.Duration, tick func()) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tick()
		case <-h.stopCh:
			return
		}
	}
}

// ServeWS upgrades an HTTP request into a tracked hub connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	//1.- Refuse cheaply before the upgrade when full or shutting down.
	if !h.Ready() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.ConnectionCount() >= h.maxConnections {
		h.logger.Warn("connection rejected at capacity", logging.Int("max_connections", h.maxConnections))
		http.Error(w, "capacity reached", http.StatusServiceUnavailable)
		return
	}

	//2.- Handshake authentication is optional; a missing token defers to the
	// in-band auth frame, an invalid one is rejected outright.
	var claims *auth.Claims
	if h.authenticator != nil {
		verified, err := h.authenticator.Authenticate(r)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		claims = verified
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	client := newClient(conn, r.RemoteAddr, h.logger, h.now())
	if claims != nil {
		client.setClaims(claims)
	}
	//3.- The capacity check repeats under the registry lock; the race between
	// pre-check and upgrade must not overshoot the limit.
	if err := h.register(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump(h.heartbeatInterval)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(client)
	}()
}

func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.clients) >= h.maxConnections {
		return ErrCapacity
	}
	h.clients[client.ID()] = client
	h.total++
	if len(h.clients) > h.peak {
		h.peak = len(h.clients)
	}
	h.logger.Info("client connected",
		logging.String("client_id", client.ID().String()),
		logging.String("remote_addr", client.remoteAddr),
		logging.Int("active", len(h.clients)),
	)
	return nil
}

// removeClient tears a connection down exactly once: registry, channel
// membership, outbound queue, socket.
func (h *Hub) removeClient(client *Client, reason string) {
	if h == nil || client == nil {
		return
	}
	h.mu.Lock()
	if _, present := h.clients[client.ID()]; !present {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID())
	active := len(h.clients)
	h.mu.Unlock()

	topics := h.channels.RemoveEverywhere(client.ID())
	client.queue.Close()
	if client.conn != nil {
		_ = client.conn.Close()
	}
	h.logger.Info("client disconnected",
		logging.String("client_id", client.ID().String()),
		logging.String("reason", reason),
		logging.Strings("topics", topics),
		logging.Int("active", active),
	)
}

func (h *Hub) readLoop(client *Client) {
	defer h.removeClient(client, "connection closed")

	client.conn.SetReadLimit(h.maxPayloadBytes)
	client.conn.SetPongHandler(func(string) error {
		client.Touch(h.now())
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.Touch(h.now())
		client.messagesIn.Add(1)

		frame, err := protocol.Decode(raw)
		if err != nil {
			//1.- Malformed input earns an error frame, never a disconnect.
			h.failed.Add(1)
			_ = client.EnqueueFrame(protocol.ErrorFrame(protocol.SystemTopic, "", protocol.CodeBadFrame, "malformed frame"))
			continue
		}

		reply, routeErr := h.router.Route(context.Background(), client, frame)
		if routeErr != nil {
			h.failed.Add(1)
		} else {
			h.processed.Add(1)
		}
		if reply != nil {
			_ = client.EnqueueFrame(reply)
		}
	}
}

// Enqueue implements broadcast.Enqueuer against the registry.
func (h *Hub) Enqueue(id uuid.UUID, frame []byte) error {
	h.mu.Lock()
	client, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return errQueueClosed
	}
	return client.Enqueue(frame)
}

// broadcastHeartbeats enqueues a liveness probe to every connection.
func (h *Hub) broadcastHeartbeats() {
	probe, err := protocol.HeartbeatProbe().Encode()
	if err != nil {
		return
	}
	for _, client := range h.clientList() {
		_ = client.Enqueue(probe)
	}
}

// sweepExpired disconnects every client silent past the liveness threshold
// and returns how many were removed.
func (h *Hub) sweepExpired() int {
	cutoff := h.now().Add(-h.livenessThreshold)
	var stale []*Client
	for _, client := range h.clientList() {
		if client.lastActiveTime().Before(cutoff) {
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		h.removeClient(client, "liveness timeout")
	}
	return len(stale)
}

// Stats computes the live aggregate counters.
func (h *Hub) Stats() ServerStats {
	if h == nil {
		return ServerStats{}
	}
	h.mu.Lock()
	active := len(h.clients)
	total := h.total
	peak := h.peak
	h.mu.Unlock()
	now := h.now()
	return ServerStats{
		ActiveConnections: active,
		TotalConnections:  total,
		PeakConnections:   peak,
		MessagesProcessed: h.processed.Load(),
		MessagesFailed:    h.failed.Load(),
		Broadcasts:        h.engine.Total(),
		ActiveChannels:    h.channels.Count(),
		UptimeSeconds:     int64(now.Sub(h.started) / time.Second),
		CapturedAt:        now,
	}
}

// refreshStats caches a snapshot readable without touching the registry lock.
func (h *Hub) refreshStats() {
	stats := h.Stats()
	h.statsMu.Lock()
	h.snapshot = stats
	h.statsMu.Unlock()
	h.logger.Debug("stats refreshed",
		logging.Int("active", stats.ActiveConnections),
		logging.Uint64("processed", stats.MessagesProcessed),
		logging.Uint64("broadcasts", stats.Broadcasts),
	)
}

// Snapshot returns the most recent cached stats.
func (h *Hub) Snapshot() ServerStats {
	if h == nil {
		return ServerStats{}
	}
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	return h.snapshot
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Ready reports whether the hub accepts new connections.
func (h *Hub) Ready() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// ChannelInfo describes every live channel.
func (h *Hub) ChannelInfo() []channels.Info {
	if h == nil {
		return nil
	}
	return h.channels.Describe()
}

// ClientStatsList snapshots every connection for the inspection API.
func (h *Hub) ClientStatsList() []ClientStats {
	list := h.clientList()
	stats := make([]ClientStats, 0, len(list))
	for _, client := range list {
		stats = append(stats, client.stats(h.channels.TopicsOf(client.ID())))
	}
	return stats
}

// GetClient returns the snapshot for one connection id.
func (h *Hub) GetClient(id uuid.UUID) (ClientStats, bool) {
	h.mu.Lock()
	client, ok := h.clients[id]
	h.mu.Unlock()
	if !ok {
		return ClientStats{}, false
	}
	return client.stats(h.channels.TopicsOf(id)), true
}

// BroadcastGlobalEvent publishes a server-originated frame to a topic.
func (h *Hub) BroadcastGlobalEvent(topic, event string, payload json.RawMessage) broadcast.DeliveryReport {
	if h == nil {
		return broadcast.DeliveryReport{}
	}
	return h.engine.Publish(&protocol.Frame{Topic: topic, Event: event, Payload: payload})
}

func (h *Hub) clientList() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		list = append(list, client)
	}
	return list
}

// RequestShutdown stops the loops, notifies every client, flushes their
// queues, and waits for the pumps to exit or the context to expire.
func (h *Hub) RequestShutdown(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		clients := make([]*Client, 0, len(h.clients))
		for _, client := range h.clients {
			clients = append(clients, client)
		}
		h.mu.Unlock()

		close(h.stopCh)
		h.logger.Info("shutdown requested", logging.Int("active", len(clients)))

		//1.- Best-effort notice, then the queue close lets each write pump
		// flush buffered frames before dropping the socket.
		notice, err := protocol.ShutdownNotice("server shutting down").Encode()
		for _, client := range clients {
			if err == nil {
				_ = client.Enqueue(notice)
			}
			client.queue.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	//2.- Force-drop anything still registered and release the journal.
	for _, client := range h.clientList() {
		h.removeClient(client, "shutdown")
	}
	if h.journal != nil {
		if err := h.journal.Close(); err != nil {
			h.logger.Warn("journal close failed", logging.Error(err))
		}
	}
	h.logger.Info("shutdown complete")
	return waitErr
}
