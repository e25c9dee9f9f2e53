package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/manager"
	"github.com/parleyhq/parley/pkg/session"
)

// handleWS upgrades the connection and runs the observer protocol until
// the client disconnects. The session itself outlives the connection.
func (s *Server) handleWS(c *gin.Context) {
	wsConn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}

	conn := events.NewConnection(wsConn)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		conn.WriteLoop(ctx)
		cancel()
	}()

	// Bootstrap: tell the client who is on the team before any run starts.
	conn.Send(events.NewAgentTeamNames(s.sessions.TeamNames()))
	conn.Send(events.NewAgentDetails(s.sessions.AgentDetails()))
	conn.Send(events.NewParticipantNames(s.sessions.ParticipantNames()))

	slog.Info("Observer connected", "connection_id", conn.ID)
	sess := s.readLoop(ctx, conn)

	if sess != nil {
		sess.DetachObserver(conn.ID)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
	slog.Info("Observer disconnected", "connection_id", conn.ID)
}

// readLoop demultiplexes client frames onto the observer's session. It
// returns the session the observer was attached to, if any.
func (s *Server) readLoop(ctx context.Context, conn *events.Connection) *session.Session {
	var sess *session.Session

	for {
		_, data, err := conn.Conn.Read(ctx)
		if err != nil {
			return sess
		}

		frame, err := events.ParseInbound(data)
		if err != nil {
			conn.Send(events.NewError(events.ErrCodeBadFrame, err.Error()))
			continue
		}

		if f, ok := frame.(*events.StartRun); ok {
			sess = s.startRun(ctx, conn, sess, f)
			continue
		}
		if sess == nil {
			conn.Send(events.NewError(events.ErrCodeNoSession, "no session started on this connection"))
			continue
		}

		switch f := frame.(type) {
		case *events.UserInterrupt:
			sess.Interrupt()
			conn.Send(events.NewInterruptAcknowledged())

		case *events.UserDirectedMessage:
			if err := sess.SendUserDirected(f.TargetAgent, f.Content, f.TrimCount); err != nil {
				conn.Send(events.NewError(errorCodeFor(err), err.Error()))
			}

		case *events.HumanInputResponse:
			if !sess.ProvideInput(f.RequestID, f.UserInput) {
				slog.Debug("Stale human input response ignored",
					"request_id", f.RequestID, "connection_id", conn.ID)
			}

		case *events.TerminateRequest:
			if err := sess.Terminate("terminated by user"); err != nil {
				conn.Send(events.NewError(errorCodeFor(err), err.Error()))
			}

		case *events.ComponentGenerationRequest:
			if _, err := sess.GenerateComponents(ctx, f.AnalysisPrompt); err != nil {
				conn.Send(events.NewError(events.ErrCodeInternalError, err.Error()))
			}
		}
	}
}

// startRun attaches the observer to the requested session, creating (or
// restoring) it on first use, and kicks off the run for a fresh session.
func (s *Server) startRun(ctx context.Context, conn *events.Connection, prev *session.Session, f *events.StartRun) *session.Session {
	sessionID := f.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess, created, err := s.sessions.GetOrCreate(sessionID)
	if err != nil {
		conn.Send(events.NewError(events.ErrCodeInternalError, err.Error()))
		return prev
	}
	if prev != nil && prev != sess {
		prev.DetachObserver(conn.ID)
	}
	sess.AttachObserver(conn)

	if f.TriggerThreshold > 0 {
		sess.SetAnalysisThreshold(f.TriggerThreshold)
	}
	if f.AnalysisPrompt != "" {
		if _, err := sess.GenerateComponents(ctx, f.AnalysisPrompt); err != nil {
			conn.Send(events.NewError(events.ErrCodeInternalError, err.Error()))
		}
	}

	conn.Send(events.NewRunStartConfirmed(sessionID))

	if topic := f.Topic(); created && topic != "" {
		if err := sess.Start(topic); err != nil {
			conn.Send(events.NewError(errorCodeFor(err), err.Error()))
		}
	}
	return sess
}

// errorCodeFor maps manager errors onto wire error codes.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, manager.ErrNotRunning):
		return events.ErrCodeNoSession
	case errors.Is(err, manager.ErrValidation):
		msg := err.Error()
		switch {
		case strings.Contains(msg, "unknown target"):
			return events.ErrCodeUnknownAgent
		case strings.Contains(msg, "empty"):
			return events.ErrCodeEmptyContent
		case strings.Contains(msg, "trim"):
			return events.ErrCodeInvalidTrim
		}
		return events.ErrCodeBadFrame
	default:
		return events.ErrCodeInternalError
	}
}
