package api

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/broker"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// Stream handles GET /api/v1/ws. The connection is registered with the
// broker, optionally subscribed to ?task_id, and then serves client control
// messages until it closes.
func (s *Server) Stream(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	conn := broker.NewWSConn(ws)
	ctx := c.Request().Context()

	connID, err := s.deps.Broker.Connect(ctx, conn, c.QueryParam("task_id"))
	if connID == "" {
		s.logger.Debug("connection rejected", zap.Error(err))
		_ = conn.Close()
		return nil
	}
	defer s.deps.Broker.Disconnect(connID)
	if err != nil {
		return nil
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("connection closed", zap.String("connection_id", connID), zap.Error(err))
			return nil
		}
		s.handleControl(ctx, connID, data)
	}
}

func (s *Server) handleControl(ctx context.Context, connID string, data []byte) {
	msg, err := types.UnmarshalControl(data)
	if err != nil {
		s.reply(ctx, connID, types.ErrorReply{Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case types.SubscribeTask:
		if m.TaskID == "" {
			s.reply(ctx, connID, types.ErrorReply{Message: "task_id is required"})
			return
		}
		if err := s.deps.Broker.Subscribe(ctx, connID, m.TaskID); err != nil {
			s.logger.Debug("subscribe failed", zap.String("task_id", m.TaskID), zap.Error(err))
		}

	case types.UnsubscribeTask:
		if m.TaskID == "" {
			s.reply(ctx, connID, types.ErrorReply{Message: "task_id is required"})
			return
		}
		if err := s.deps.Broker.Unsubscribe(ctx, connID, m.TaskID); err != nil {
			s.logger.Debug("unsubscribe failed", zap.String("task_id", m.TaskID), zap.Error(err))
		}

	case types.GetTaskStatus:
		s.replyStatus(ctx, connID, m.TaskID)

	case types.CancelTask:
		if err := s.deps.Coordinator.Cancel(m.TaskID); err != nil {
			msg := err.Error()
			if errors.Is(err, state.ErrTaskTerminal) {
				msg = "task already finished"
			}
			s.reply(ctx, connID, types.ErrorReply{Message: msg, TaskID: m.TaskID})
			return
		}
		s.replyStatus(ctx, connID, m.TaskID)

	case types.Ping:
		s.reply(ctx, connID, types.Pong{Timestamp: m.Timestamp})
	}
}

func (s *Server) replyStatus(ctx context.Context, connID, taskID string) {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		s.reply(ctx, connID, types.ErrorReply{Message: err.Error(), TaskID: taskID})
		return
	}
	s.reply(ctx, connID, types.TaskStatusReply{TaskID: taskID, Task: &task, Timestamp: time.Now()})
}

func (s *Server) reply(ctx context.Context, connID string, ev types.Event) {
	if err := s.deps.Broker.Send(ctx, connID, ev); err != nil {
		s.logger.Debug("reply failed", zap.String("connection_id", connID), zap.Error(err))
	}
}
