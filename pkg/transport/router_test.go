package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"$agent-client/c1/#", "$agent-client/c1", true},
		{"$agent-client/c1/#", "$agent-client/c1/agent", true},
		{"$agent-client/c1/#", "$agent-client/c1/a/b", true},
		{"$agent-client/c1/#", "$agent-client/c2/agent", false},
		{"$mcp-rpc/+/s1/devices", "$mcp-rpc/agent-7/s1/devices", true},
		{"$mcp-rpc/+/s1/devices", "$mcp-rpc/s1/devices", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/b", "a/b/c", false},
		{"#", "a/b", true},
		{"#", "$agent/x", false},
		{"+/x", "$agent/x", false},
		{"$agent/+/c1", "$agent/a1/c1", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}

func TestValidPattern(t *testing.T) {
	assert.True(t, ValidPattern("$agent-client/c1/#"))
	assert.True(t, ValidPattern("$mcp-rpc/+/s/n"))
	assert.False(t, ValidPattern(""))
	assert.False(t, ValidPattern("a/#/b"))
	assert.False(t, ValidPattern("a/b+/c"))
}

func TestRouter(t *testing.T) {
	t.Run("should dispatch to every matching pattern in order", func(t *testing.T) {
		r := NewRouter()
		var calls []string
		r.Add("a/#", func(msg Message) { calls = append(calls, "wide") })
		r.Add("a/b", func(msg Message) { calls = append(calls, "exact") })
		r.Add("x/#", func(msg Message) { calls = append(calls, "other") })

		n := r.Dispatch(Message{Topic: "a/b"})

		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"wide", "exact"}, calls)
	})

	t.Run("should replace handler for same pattern", func(t *testing.T) {
		r := NewRouter()
		var got string
		r.Add("a", func(msg Message) { got = "first" })
		r.Add("a", func(msg Message) { got = "second" })

		r.Dispatch(Message{Topic: "a"})
		assert.Equal(t, "second", got)
		assert.Equal(t, []string{"a"}, r.Patterns())
	})

	t.Run("should remove and clear patterns", func(t *testing.T) {
		r := NewRouter()
		r.Add("a", func(msg Message) {})
		r.Add("b", func(msg Message) {})
		r.Add("c", func(msg Message) {})

		r.Remove("b")
		assert.Equal(t, []string{"a", "c"}, r.Patterns())
		assert.False(t, r.Matches("b"))

		r.Clear()
		assert.Equal(t, 0, r.Dispatch(Message{Topic: "a"}))
	})
}
