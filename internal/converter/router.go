package converter

import (
	"strings"
	"sync"
)

// TopicRouter maps an index to its destination topic.
//
// In single-topic mode every index maps to the configured topic. In per-index
// mode the topic is prefix+lowercase(index); each distinct index is computed
// once and remembered for the router's lifetime. Index cardinality is bounded
// by the operator, so entries are never evicted.
type TopicRouter struct {
	topic    string
	perIndex bool

	mu     sync.Mutex
	routes map[string]string
}

// NewTopicRouter creates a router. topic is the shared topic, or the topic
// prefix when perIndex is set.
func NewTopicRouter(topic string, perIndex bool) *TopicRouter {
	return &TopicRouter{
		topic:    topic,
		perIndex: perIndex,
		routes:   make(map[string]string),
	}
}

// Resolve returns the topic for index. Lookups are case-insensitive.
func (t *TopicRouter) Resolve(index string) string {
	if !t.perIndex {
		return t.topic
	}

	key := strings.ToLower(index)

	t.mu.Lock()
	defer t.mu.Unlock()

	if topic, ok := t.routes[key]; ok {
		return topic
	}
	topic := t.topic + key
	t.routes[key] = topic
	return topic
}

// Len returns the number of memoized routes.
func (t *TopicRouter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}
