package gateway

import (
	"context"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// registerBuiltinMethods registers the session control methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("session.start", s.handleSessionStart)
	_ = s.RegisterMethod("session.stop", s.handleSessionStop)
	_ = s.RegisterMethod("session.sendText", s.handleSessionSendText)
	_ = s.RegisterMethod("session.status", s.handleSessionStatus)
	_ = s.RegisterMethod("tools.list", s.handleToolsList)
}

func (s *Server) handleSessionStart(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	endpoint, err := optionalString(params, "endpoint")
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = s.defaultEndpoint
	}
	if endpoint == "" {
		return nil, invalidParams("endpoint is required")
	}

	agentID, err := optionalString(params, "agentId")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, invalidParams("agentId is required")
	}

	clientID, err := optionalString(params, "clientId")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = gonanoid.Must(12)
	}

	logger := loggerFromContext(ctx, s.logger)
	logger.Info().
		Str("endpoint", endpoint).
		Str("agentId", agentID).
		Str("sessionClientId", clientID).
		Msg("Gateway starting session")

	if err := s.controller.Start(ctx, endpoint, agentID, clientID); err != nil {
		return nil, err
	}
	return s.controller.Status(), nil
}

func (s *Server) handleSessionStop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if err := s.controller.Stop(ctx); err != nil {
		return nil, err
	}
	return s.controller.Status(), nil
}

func (s *Server) handleSessionSendText(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text, err := optionalString(params, "text")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, invalidParams("text is required")
	}

	taskID, err := s.controller.SendTextTalk(ctx, text)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": taskID}, nil
}

func (s *Server) handleSessionStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.controller.Status(), nil
}

func (s *Server) handleToolsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"tools": s.controller.Tools().Descriptors(),
	}, nil
}

func optionalString(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s must be a string", key)
	}
	return value, nil
}
