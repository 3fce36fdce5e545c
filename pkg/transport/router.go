package transport

import (
	"strings"
	"sync"
)

// MatchTopic reports whether topic matches an MQTT subscription pattern.
// "+" matches one level, a trailing "#" matches the parent level and everything below it,
// and wildcards in the first level never match topics that start with "$".
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (patternLevels[0] == "+" || patternLevels[0] == "#") {
		return false
	}

	for i, p := range patternLevels {
		if p == "#" {
			return i == len(patternLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if p != "+" && p != topicLevels[i] {
			return false
		}
	}
	return len(patternLevels) == len(topicLevels)
}

// ValidPattern reports whether a subscription pattern is well formed
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

type route struct {
	pattern string
	handler Handler
}

// Router dispatches inbound messages to handlers keyed by topic pattern
type Router struct {
	mu     sync.RWMutex
	routes []route
}

// NewRouter creates an empty dispatch table
func NewRouter() *Router {
	return &Router{}
}

// Add registers a handler, replacing any handler already bound to the same pattern
func (r *Router) Add(pattern string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.routes {
		if r.routes[i].pattern == pattern {
			r.routes[i].handler = handler
			return
		}
	}
	r.routes = append(r.routes, route{pattern: pattern, handler: handler})
}

// Remove drops the handlers for the given patterns
func (r *Router) Remove(patterns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.routes[:0]
	for _, rt := range r.routes {
		if !containsString(patterns, rt.pattern) {
			kept = append(kept, rt)
		}
	}
	for i := len(kept); i < len(r.routes); i++ {
		r.routes[i] = route{}
	}
	r.routes = kept
}

// Clear drops every handler
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = nil
}

// Matches reports whether any registered pattern matches topic
func (r *Router) Matches(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if MatchTopic(rt.pattern, topic) {
			return true
		}
	}
	return false
}

// Patterns returns the registered patterns in registration order
func (r *Router) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.pattern)
	}
	return out
}

// Dispatch invokes every handler whose pattern matches the message topic, in
// registration order, and returns how many ran.
func (r *Router) Dispatch(msg Message) int {
	r.mu.RLock()
	var handlers []Handler
	for _, rt := range r.routes {
		if MatchTopic(rt.pattern, msg.Topic) {
			handlers = append(handlers, rt.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
