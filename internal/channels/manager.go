// Package channels tracks topic membership for connected clients.
package channels

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotSubscribed reports a leave for a topic the client never joined.
var ErrNotSubscribed = errors.New("not subscribed")

var errEmptyTopic = errors.New("empty topic")

// Info is a point-in-time description of one channel.
type Info struct {
	Topic           string    `json:"topic"`
	Subscribers     int       `json:"subscribers"`
	PeakSubscribers int       `json:"peak_subscribers"`
	Messages        uint64    `json:"messages"`
	CreatedAt       time.Time `json:"created_at"`
}

type channel struct {
	members   map[uuid.UUID]struct{}
	peak      int
	messages  uint64
	createdAt time.Time
}

// Manager owns the topic→subscriber mapping. Channels come into existence on
// first join and disappear when the last subscriber leaves.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channel
	now      func() time.Time
}

// NewManager constructs an empty channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*channel), now: time.Now}
}

// WithClock overrides the manager clock, enabling deterministic unit tests.
func (m *Manager) WithClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.now = clock
}

// Join subscribes the client to the topic, creating the channel if needed.
// Joining a topic twice is a no-op.
func (m *Manager) Join(topic string, id uuid.UUID) error {
	if m == nil {
		return errors.New("manager not initialised")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errEmptyTopic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[topic]
	if !ok {
		ch = &channel{members: make(map[uuid.UUID]struct{}), createdAt: m.now()}
		m.channels[topic] = ch
	}
	ch.members[id] = struct{}{}
	if len(ch.members) > ch.peak {
		ch.peak = len(ch.members)
	}
	return nil
}

// Leave removes the client from the topic and deletes the channel when it
// empties.
func (m *Manager) Leave(topic string, id uuid.UUID) error {
	if m == nil {
		return errors.New("manager not initialised")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[topic]
	if !ok {
		return ErrNotSubscribed
	}
	if _, member := ch.members[id]; !member {
		return ErrNotSubscribed
	}
	delete(ch.members, id)
	if len(ch.members) == 0 {
		delete(m.channels, topic)
	}
	return nil
}

// Subscribers returns the ids currently joined to the topic. The slice is a
// copy and safe to iterate without holding the manager lock.
func (m *Manager) Subscribers(topic string) []uuid.UUID {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[topic]
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(ch.members))
	for id := range ch.members {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether the client is subscribed to the topic.
func (m *Manager) IsMember(topic string, id uuid.UUID) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[topic]
	if !ok {
		return false
	}
	_, member := ch.members[id]
	return member
}

// RemoveEverywhere drops the client from every channel it joined and returns
// the affected topics. Safe to call for ids that were never subscribed.
func (m *Manager) RemoveEverywhere(id uuid.UUID) []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var topics []string
	for topic, ch := range m.channels {
		if _, member := ch.members[id]; !member {
			continue
		}
		delete(ch.members, id)
		topics = append(topics, topic)
		if len(ch.members) == 0 {
			delete(m.channels, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// TopicsOf lists the topics the client is currently joined to, sorted.
func (m *Manager) TopicsOf(id uuid.UUID) []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var topics []string
	for topic, ch := range m.channels {
		if _, member := ch.members[id]; member {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// RecordMessage bumps the per-channel delivery counter.
func (m *Manager) RecordMessage(topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[topic]; ok {
		ch.messages++
	}
}

// ActiveTopics lists the channels that currently have subscribers, sorted.
func (m *Manager) ActiveTopics() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.channels))
	for topic := range m.channels {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Count returns the number of live channels.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Describe returns stats for every live channel, sorted by topic.
func (m *Manager) Describe() []Info {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.channels))
	for topic, ch := range m.channels {
		infos = append(infos, Info{
			Topic:           topic,
			Subscribers:     len(ch.members),
			PeakSubscribers: ch.peak,
			Messages:        ch.messages,
			CreatedAt:       ch.createdAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Topic < infos[j].Topic })
	return infos
}
