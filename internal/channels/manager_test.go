package channels

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestJoinLeaveLifecycle(t *testing.T) {
	manager := NewManager()
	alice := uuid.New()
	bob := uuid.New()

	if err := manager.Join("chat:general", alice); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := manager.Join("chat:general", bob); err != nil {
		t.Fatalf("join: %v", err)
	}
	//1.- A repeated join must not duplicate membership.
	if err := manager.Join("chat:general", alice); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if got := len(manager.Subscribers("chat:general")); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
	if !manager.IsMember("chat:general", alice) {
		t.Fatal("expected alice to be a member")
	}

	if err := manager.Leave("chat:general", alice); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := manager.Leave("chat:general", alice); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed on second leave, got %v", err)
	}
	if err := manager.Leave("chat:general", bob); err != nil {
		t.Fatalf("leave: %v", err)
	}
	//2.- The channel disappears with its last subscriber.
	if got := manager.Count(); got != 0 {
		t.Fatalf("expected 0 channels, got %d", got)
	}
	if subs := manager.Subscribers("chat:general"); subs != nil {
		t.Fatalf("expected nil subscribers, got %v", subs)
	}
}

func TestLeaveUnknownTopic(t *testing.T) {
	manager := NewManager()
	if err := manager.Leave("chat:ghost", uuid.New()); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestJoinRejectsEmptyTopic(t *testing.T) {
	manager := NewManager()
	if err := manager.Join("   ", uuid.New()); err == nil {
		t.Fatal("expected error for blank topic")
	}
}

func TestRemoveEverywhere(t *testing.T) {
	manager := NewManager()
	alice := uuid.New()
	bob := uuid.New()
	for _, topic := range []string{"chat:general", "lobby:global", "user:alice"} {
		if err := manager.Join(topic, alice); err != nil {
			t.Fatalf("join %s: %v", topic, err)
		}
	}
	if err := manager.Join("chat:general", bob); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := manager.TopicsOf(alice); len(got) != 3 {
		t.Fatalf("expected 3 topics for alice, got %v", got)
	}

	topics := manager.RemoveEverywhere(alice)
	want := []string{"chat:general", "lobby:global", "user:alice"}
	if len(topics) != len(want) {
		t.Fatalf("expected %v, got %v", want, topics)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, topics)
		}
	}
	//1.- Channels with remaining members survive, empty ones are pruned.
	if got := manager.ActiveTopics(); len(got) != 1 || got[0] != "chat:general" {
		t.Fatalf("expected only chat:general to remain, got %v", got)
	}
	//2.- A second removal is a harmless no-op.
	if topics := manager.RemoveEverywhere(alice); topics != nil {
		t.Fatalf("expected nil on repeat removal, got %v", topics)
	}
}

func TestDescribeTracksStats(t *testing.T) {
	manager := NewManager()
	created := time.Unix(1_700_000_000, 0)
	manager.WithClock(func() time.Time { return created })

	alice := uuid.New()
	bob := uuid.New()
	if err := manager.Join("chat:general", alice); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := manager.Join("chat:general", bob); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := manager.Leave("chat:general", bob); err != nil {
		t.Fatalf("leave: %v", err)
	}
	manager.RecordMessage("chat:general")
	manager.RecordMessage("chat:general")

	infos := manager.Describe()
	if len(infos) != 1 {
		t.Fatalf("expected one channel, got %d", len(infos))
	}
	info := infos[0]
	if info.Topic != "chat:general" || info.Subscribers != 1 || info.PeakSubscribers != 2 {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Messages != 2 {
		t.Fatalf("expected 2 messages, got %d", info.Messages)
	}
	if !info.CreatedAt.Equal(created) {
		t.Fatalf("expected created-at %v, got %v", created, info.CreatedAt)
	}
}
