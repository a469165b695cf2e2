package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/tenantflow/event"
)

// Topic names are relative to the subscriber's organization:
//
//	all                 every event of the organization
//	instance:<id>       events for one instance
//	entity:<ref>        entity change notifications for one business entity
//	kind:<event kind>   one event kind, e.g. kind:step.failed
const TopicAll = "all"

// InstanceTopic returns the topic for a single instance.
func InstanceTopic(instanceID string) string { return "instance:" + instanceID }

// EntityTopic returns the topic for a business entity reference.
func EntityTopic(ref string) string { return "entity:" + ref }

// KindTopic returns the topic for one event kind.
func KindTopic(k event.Kind) string { return "kind:" + string(k) }

// topicKey scopes a topic to an organization inside the registry.
func topicKey(orgID, topic string) string { return orgID + "\x00" + topic }

// TopicRegistry manages subscriber sets per organization and topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // org+topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds sub to topic within its organization.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	key := topicKey(sub.OrgID(), topic)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[key]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[key] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes sub from topic. Empty topics are dropped.
func (tr *TopicRegistry) Unsubscribe(topic string, sub *Subscriber) {
	key := topicKey(sub.OrgID(), topic)

	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[key]
	if !ok {
		return
	}
	if _, exists := subs[sub.ID()]; exists {
		sub.removeTopic(topic)
		delete(subs, sub.ID())
	}
	if len(subs) == 0 {
		delete(tr.topics, key)
	}
}

// UnsubscribeAll removes sub from every topic it is on.
func (tr *TopicRegistry) UnsubscribeAll(sub *Subscriber) {
	for _, topic := range sub.Topics() {
		tr.Unsubscribe(topic, sub)
	}
}

// Broadcast delivers evt to every subscriber of orgID on any of topics.
// A subscriber on several of the topics receives evt once. It returns the
// number of deliveries and drops.
func (tr *TopicRegistry) Broadcast(orgID string, topics []string, evt *event.Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topicKey(orgID, topic)] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active (organization, topic) pairs.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers of orgID on topic.
func (tr *TopicRegistry) SubscriberCount(orgID, topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topicKey(orgID, topic)])
}

// resolveTopics returns every topic evt belongs to.
func resolveTopics(evt *event.Event) []string {
	topics := []string{TopicAll, KindTopic(evt.Kind)}
	if s := evt.InstanceID.String(); s != "" {
		topics = append(topics, InstanceTopic(s))
	}
	if evt.EntityRef != "" {
		topics = append(topics, EntityTopic(evt.EntityRef))
	}
	return topics
}

// ParseTopicEntity splits "instance:inst_123" into ("instance", "inst_123").
// Returns ("", "") for TopicAll.
func ParseTopicEntity(topic string) (entityType, entityID string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	if topic == TopicAll {
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}

	switch entityType {
	case "instance", "entity", "kind":
		return nil
	default:
		return fmt.Errorf("stream: unknown topic entity type %q", entityType)
	}
}
