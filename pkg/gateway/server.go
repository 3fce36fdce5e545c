// Package gateway exposes the engine to a local presentation layer: engine events
// stream to websocket clients and session control is offered as JSON-RPC over
// both the websocket and a single-shot HTTP endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/harun/agentlink/internal/metrics"
	"github.com/harun/agentlink/pkg/engine"
	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// SecretHeader carries the shared secret on /rpc
const SecretHeader = "X-Agentlink-Secret"

const maxRPCBody = 1 << 20

// SessionController is the engine surface the gateway drives
type SessionController interface {
	Start(ctx context.Context, endpoint, agentID, clientID string) error
	Stop(ctx context.Context) error
	SendTextTalk(ctx context.Context, text string) (string, error)
	Status() engine.Status
	Tools() *toolexecutor.ToolExecutor
	Subscribe(buffer int) *events.Subscription
}

var _ SessionController = (*engine.Engine)(nil)

// Config holds server configuration
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr         string
	SharedSecret string
	// DefaultEndpoint is used by session.start when the caller names none
	DefaultEndpoint string
	Controller      SessionController
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger
	ShutdownTimeout time.Duration
}

// Server bridges the engine to local presentation clients over HTTP and websockets
type Server struct {
	addr            string
	defaultEndpoint string
	shutdownTimeout time.Duration
	controller      SessionController
	metrics         *metrics.Metrics
	logger          zerolog.Logger

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	events      *events.Subscription

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	stopOnce       sync.Once
}

// NewServer creates a gateway and subscribes it to the controller's events
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("session controller is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	clients := NewClientRegistry()
	s := &Server{
		addr:            cfg.Addr,
		defaultEndpoint: cfg.DefaultEndpoint,
		shutdownTimeout: cfg.ShutdownTimeout,
		controller:      cfg.Controller,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		clients:         clients,
		router:          NewRPCRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, cfg.Logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	s.events = cfg.Controller.Subscribe(256)
	s.broadcaster.Pump(s.events)

	return s, nil
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWebSocket)
	r.Post("/rpc", s.handleRPC)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down. It does not stop
// the session.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.shutdownMu.Lock()
		s.isShuttingDown = true
		s.shutdownMu.Unlock()

		s.logger.Info().Msg("Shutting down gateway")

		s.events.Unsubscribe()
		s.broadcaster.Wait()
		s.broadcaster.broadcastMessage(EventMessage{
			Type:      "event",
			Event:     "server.shutdown",
			Data:      map[string]interface{}{"message": "Server is shutting down"},
			Timestamp: time.Now().UnixMilli(),
		})

		done := make(chan struct{})
		go func() {
			s.inFlightReqs.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.shutdownTimeout):
			s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
		case <-ctx.Done():
		}

		for _, client := range s.clients.GetAll() {
			_ = client.Close()
		}

		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
			defer cancel()
			if shutdownErr := s.server.Shutdown(shutdownCtx); shutdownErr != nil {
				err = fmt.Errorf("failed to shutdown gateway: %w", shutdownErr)
				return
			}
		}
		s.logger.Info().Msg("Gateway stopped")
	})
	return err
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.controller.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"phase":     status.Phase,
		"connected": status.Connected,
		"clients":   s.clients.Count(),
	})
}

// handleWebSocket upgrades the connection and runs the client's read loop
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := NewClient(gonanoid.Must(), conn, r.RemoteAddr)
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", client.ID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if s.authHandler.Required() {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth challenge")
			_ = client.Close()
			s.clients.Remove(client.ID)
			return
		}
	} else {
		client.SetAuthenticated(true)
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles one inbound frame. It returns false when the client
// must be disconnected.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()

		ctx := withTraceID(withClientID(context.Background(), client.ID), newTraceID())
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error:   toRPCError(err),
		})
		return
	}

	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = newTraceID()
	}
	ctx := withTraceID(r.Context(), traceID)
	logger := loggerFromContext(ctx, s.logger)
	logger.Info().
		Str("requestId", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.Header().Set(TraceHeader, traceID)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		return client.AuthAttempts < maxAuthAttempts
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// RegisterMethod registers an extra RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods returns the registered RPC method names
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients describes the connected websocket clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
