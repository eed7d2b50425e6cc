package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/pulse/pkg/log"
	"github.com/cuemby/pulse/pkg/metrics"
	"github.com/cuemby/pulse/pkg/router"
	"github.com/cuemby/pulse/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Control message results, used as metric labels
const (
	resultOK        = "ok"
	resultInvalid   = "invalid"
	resultForbidden = "forbidden"
	resultError     = "error"
)

// handleWS authenticates and admits a client, then upgrades it and runs
// its control loop. Failures before the upgrade answer 401 or 503.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Resolve(r)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket authentication failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.registry.Acquire(r.Context(), userID)
	if err != nil {
		if errors.Is(err, types.ErrAdmissionRejected) {
			w.Header().Set("Retry-After", "5")
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		}
		// otherwise the client went away while waiting
		return
	}
	defer s.registry.Release(conn)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetCloser(func() { _ = ws.Close() })

	logger := log.WithConnectionID(conn.ID).With().
		Str("component", "api").
		Str("user_id", userID).
		Logger()

	if err := s.router.Join(conn, types.UserTopic(userID)); err != nil {
		logger.Warn().Err(err).Msg("Failed to join user topic")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, conn, logger)
	}()

	// server shutdown closes the transport, which ends the read loop
	stop := context.AfterFunc(r.Context(), func() { s.registry.Release(conn) })
	defer func() {
		stop()
		s.registry.Release(conn)
		<-writerDone
	}()

	logger.Info().Msg("Client connected")
	s.readLoop(r.Context(), ws, conn, logger)
	logger.Info().Msg("Client disconnected")
}

// readLoop applies control messages until the transport fails
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *types.Connection, logger zerolog.Logger) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}
		s.registry.Touch(conn)
		s.handleControl(ctx, conn, data, logger)
	}
}

// writeLoop is the only writer of ws. It drains the connection buffer
// until the connection is released.
func (s *Server) writeLoop(ws *websocket.Conn, conn *types.Connection, logger zerolog.Logger) {
	for msg := range conn.Send() {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("WebSocket write failed")
			_ = ws.Close()
			break
		}
	}
	// until released
	for range conn.Send() {
	}
}

// handleControl parses and applies one control message. Invalid messages
// are logged and ignored; only ping gets a reply.
func (s *Server) handleControl(ctx context.Context, conn *types.Connection, data []byte, logger zerolog.Logger) {
	var msg types.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.ControlMessagesTotal.WithLabelValues("unknown", resultInvalid).Inc()
		logger.Debug().Err(err).Msg("Ignoring malformed control message")
		return
	}

	err := s.applyControl(ctx, conn, msg)
	result := controlResult(err)
	metrics.ControlMessagesTotal.WithLabelValues(controlLabel(msg.Type), result).Inc()

	if err != nil {
		evt := logger.Debug()
		if result == resultError {
			evt = logger.Warn()
		}
		evt.Err(err).
			Str("type", string(msg.Type)).
			Str("topic", msg.Topic).
			Msg("Control message rejected")
	}
}

func (s *Server) applyControl(ctx context.Context, conn *types.Connection, msg types.ControlMessage) error {
	switch msg.Type {
	case types.ControlJoin:
		return s.join(ctx, conn, msg.Topic)

	case types.ControlLeave:
		t, err := types.ParseTopic(msg.Topic)
		if err != nil {
			return err
		}
		s.router.Leave(conn, t.String())
		return nil

	case types.ControlSetRefreshInterval:
		if msg.Seconds == nil {
			return types.NewValidationError("seconds", "is required")
		}
		if s.push == nil {
			return types.ValidateRefreshInterval(*msg.Seconds)
		}
		return s.push.SetInterval(conn.UserID, *msg.Seconds)

	case types.ControlPing:
		pong, err := types.NewMessage(types.MessagePong, "", nil, time.Now())
		if err != nil {
			return err
		}
		conn.Deliver(pong)
		return nil
	}
	return types.NewValidationError("type", fmt.Sprintf("unknown control type %q", msg.Type))
}

// join checks the topic namespace and, for business topics, the user's
// entitlement before subscribing
func (s *Server) join(ctx context.Context, conn *types.Connection, topic string) error {
	t, err := router.Authorize(conn.UserID, topic)
	if err != nil {
		return err
	}

	if t.Kind == types.TopicKindBusiness {
		if s.entitlements == nil {
			return fmt.Errorf("%w: business topics are unavailable", types.ErrForbidden)
		}
		checkCtx, cancel := context.WithTimeout(ctx, s.cfg.EntitlementTimeout)
		defer cancel()

		ok, err := s.entitlements.OwnsBusiness(checkCtx, conn.UserID, t.BusinessID)
		if err != nil {
			return fmt.Errorf("failed to check entitlement: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: business %s is not owned by the caller", types.ErrForbidden, t.BusinessID)
		}
	}

	return s.router.Join(conn, t.String())
}

func controlResult(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, types.ErrValidation):
		return resultInvalid
	case errors.Is(err, types.ErrForbidden):
		return resultForbidden
	default:
		return resultError
	}
}

// controlLabel bounds the type label to the known control types
func controlLabel(t types.ControlType) string {
	switch t {
	case types.ControlJoin, types.ControlLeave, types.ControlSetRefreshInterval, types.ControlPing:
		return string(t)
	}
	return "unknown"
}
