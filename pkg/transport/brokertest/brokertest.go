// Package brokertest runs an embedded MQTT broker on a loopback port for tests,
// in the manner of net/http/httptest.
package brokertest

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Server is a running broker
type Server struct {
	URL string

	srv  *mqtt.Server
	hold *holdHook

	closeOnce sync.Once
}

// NewServer starts a broker listening on 127.0.0.1 with a random port.
// The broker is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("brokertest: listen: %v", err)
	}

	srv := mqtt.New(&mqtt.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("brokertest: allow hook: %v", err)
	}
	hold := &holdHook{prefixes: make(map[string]chan struct{})}
	if err := srv.AddHook(hold, nil); err != nil {
		t.Fatalf("brokertest: hold hook: %v", err)
	}
	if err := srv.AddListener(listeners.NewNet("brokertest", ln)); err != nil {
		t.Fatalf("brokertest: listener: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("brokertest: serve: %v", err)
	}

	s := &Server{
		URL:  "tcp://" + ln.Addr().String(),
		srv:  srv,
		hold: hold,
	}
	t.Cleanup(s.Close)
	return s
}

// HoldSubscriptions delays the SUBACK for every filter starting with prefix until
// the returned release func is called. Release is idempotent and also runs on Close.
func (s *Server) HoldSubscriptions(prefix string) (release func()) {
	gate := s.hold.add(prefix)
	return func() { s.hold.release(prefix, gate) }
}

// Close disconnects every client and stops the broker
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.hold.releaseAll()
		_ = s.srv.Close()
	})
}

// holdHook blocks OnSubscribe for matching filters. mochi answers SUBACK only after
// OnSubscribe returns.
type holdHook struct {
	mqtt.HookBase

	mu       sync.Mutex
	prefixes map[string]chan struct{}
}

func (h *holdHook) ID() string {
	return "brokertest-hold"
}

func (h *holdHook) Provides(b byte) bool {
	return bytes.Contains([]byte{mqtt.OnSubscribe}, []byte{b})
}

func (h *holdHook) OnSubscribe(cl *mqtt.Client, pk packets.Packet) packets.Packet {
	for _, sub := range pk.Filters {
		if gate := h.gate(sub.Filter); gate != nil {
			<-gate
		}
	}
	return pk
}

func (h *holdHook) gate(filter string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	for prefix, gate := range h.prefixes {
		if strings.HasPrefix(filter, prefix) {
			return gate
		}
	}
	return nil
}

func (h *holdHook) add(prefix string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	gate := make(chan struct{})
	h.prefixes[prefix] = gate
	return gate
}

func (h *holdHook) release(prefix string, gate chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.prefixes[prefix] == gate {
		delete(h.prefixes, prefix)
		close(gate)
	}
}

func (h *holdHook) releaseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for prefix, gate := range h.prefixes {
		close(gate)
		delete(h.prefixes, prefix)
	}
}
