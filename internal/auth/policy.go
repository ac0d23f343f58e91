package auth

import (
	"fmt"
	"strings"
)

// Policy decides which topics a verified claim set may subscribe to.
type Policy struct {
	public map[string]struct{}
}

// DefaultPublicTopics are joinable by any authenticated client.
var DefaultPublicTopics = []string{"lobby:global", "system:announcements"}

// NewPolicy builds a policy with the supplied public topic list. A nil list
// falls back to DefaultPublicTopics.
func NewPolicy(publicTopics []string) *Policy {
	if publicTopics == nil {
		publicTopics = DefaultPublicTopics
	}
	public := make(map[string]struct{}, len(publicTopics))
	for _, topic := range publicTopics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		public[topic] = struct{}{}
	}
	return &Policy{public: public}
}

// Authorize reports whether the claims may join the topic. A nil claim set is
// an anonymous client and is denied everything.
func (p *Policy) Authorize(claims *Claims, topic string) error {
	if p == nil {
		return fmt.Errorf("%w: policy not configured", ErrForbidden)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrForbidden)
	}
	//1.- The system topic is reserved for hub-originated frames.
	if topic == "system" {
		return fmt.Errorf("%w: system topic is not joinable", ErrForbidden)
	}
	if claims == nil {
		return fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	//2.- Public topics admit any authenticated client.
	if _, ok := p.public[topic]; ok {
		return nil
	}
	//3.- Ownership-scoped topics require a matching subject or the admin scope.
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || id == "" {
		return fmt.Errorf("%w: unknown topic %q", ErrForbidden, topic)
	}
	switch kind {
	case "user", "game":
		if claims.Subject == id || claims.HasScope(AdminScope) {
			return nil
		}
		return fmt.Errorf("%w: %s topic owned by another subject", ErrForbidden, kind)
	case "chat":
		return nil
	default:
		return fmt.Errorf("%w: unknown topic %q", ErrForbidden, topic)
	}
}
