// Package broadcast fans published frames out to every subscriber of a topic.
package broadcast

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"netwire/hub/internal/logging"
	"netwire/hub/internal/protocol"
)

// Enqueuer delivers an encoded frame to one connected client's outbound queue.
type Enqueuer interface {
	Enqueue(id uuid.UUID, frame []byte) error
}

// Memberships resolves the subscriber set for a topic.
type Memberships interface {
	Subscribers(topic string) []uuid.UUID
	RecordMessage(topic string)
}

// Journal receives a best-effort copy of every published frame.
type Journal interface {
	Append(topic, event string, payload []byte) error
}

// DeliveryReport summarises one publish: how many subscribers were targeted
// and how many enqueues succeeded.
type DeliveryReport struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Engine serialises a frame once and enqueues it to every subscriber.
// Publishes to the same engine are mutually exclusive, which keeps delivery
// order consistent per topic.
type Engine struct {
	mu       sync.Mutex
	members  Memberships
	sink     Enqueuer
	journal  Journal
	logger   *logging.Logger
	total    uint64
	perTopic map[string]uint64
}

// EngineOption customises engine construction.
type EngineOption func(*Engine)

// WithJournal attaches a best-effort journal to the engine.
func WithJournal(journal Journal) EngineOption {
	return func(e *Engine) { e.journal = journal }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs a broadcast engine over the given membership source and sink.
func NewEngine(members Memberships, sink Enqueuer, opts ...EngineOption) (*Engine, error) {
	if members == nil {
		return nil, errors.New("membership source must be provided")
	}
	if sink == nil {
		return nil, errors.New("enqueuer must be provided")
	}
	engine := &Engine{
		members:  members,
		sink:     sink,
		logger:   logging.L(),
		perTopic: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Publish delivers the frame to every current subscriber of its topic. A
// failed enqueue counts against the report but never aborts delivery to the
// remaining subscribers.
func (e *Engine) Publish(frame *protocol.Frame) DeliveryReport {
	if e == nil || frame == nil {
		return DeliveryReport{}
	}
	encoded, err := frame.Encode()
	if err != nil {
		e.logger.Error("broadcast encode failed",
			logging.String("topic", frame.Topic),
			logging.Error(err),
		)
		return DeliveryReport{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	//1.- Resolve the subscriber set under the publish lock so concurrent
	// publishes to one topic observe a consistent ordering.
	subscribers := e.members.Subscribers(frame.Topic)
	report := DeliveryReport{Attempted: len(subscribers)}
	for _, id := range subscribers {
		if err := e.sink.Enqueue(id, encoded); err != nil {
			report.Failed++
			continue
		}
		report.Delivered++
	}

	e.total++
	e.perTopic[frame.Topic]++
	e.members.RecordMessage(frame.Topic)

	//2.- Journal after delivery; a journal failure is logged, never surfaced.
	if e.journal != nil {
		if err := e.journal.Append(frame.Topic, frame.Event, frame.Payload); err != nil {
			e.logger.Warn("journal append failed",
				logging.String("topic", frame.Topic),
				logging.Error(err),
			)
		}
	}

	if report.Failed > 0 {
		e.logger.Debug("broadcast partially delivered",
			logging.String("topic", frame.Topic),
			logging.Int("attempted", report.Attempted),
			logging.Int("failed", report.Failed),
		)
	}
	return report
}

// Total reports the cumulative number of publishes.
func (e *Engine) Total() uint64 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// TopicTotals returns a copy of the per-topic publish counters.
func (e *Engine) TopicTotals() map[string]uint64 {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	totals := make(map[string]uint64, len(e.perTopic))
	for topic, count := range e.perTopic {
		totals[topic] = count
	}
	return totals
}
