package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/logger"
	"github.com/lyzr/flowengine/engine"
	"github.com/lyzr/flowengine/events"
	"github.com/lyzr/flowengine/fault"
	"github.com/lyzr/flowengine/ports"
	"github.com/lyzr/flowengine/workflow"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second
)

// Server exposes the engine over HTTP: execution control, event streaming
// over NDJSON and WebSocket, and expression tooling.
type Server struct {
	engine   *engine.Engine
	store    ports.Store
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP surface over an engine
func NewServer(eng *engine.Engine, store ports.Store, log *logger.Logger) *Server {
	return &Server{
		engine: eng,
		store:  store,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches all API routes
func (s *Server) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/workflows/validate", s.handleValidate)
	api.POST("/executions", s.handleExecute)
	api.GET("/executions", s.handleListActive)
	api.GET("/executions/:id", s.handleSnapshot)
	api.POST("/executions/:id/cancel", s.handleCancel)
	api.GET("/executions/:id/events", s.handleEventStream)

	api.GET("/connectors", s.handleConnectors)
	api.GET("/connectors/stats", s.handleConnectorStats)
	api.POST("/expressions/test", s.handleTestExpression)

	e.GET("/ws", s.handleWebSocket)
}

type executeRequest struct {
	WorkflowID string               `json:"workflowId,omitempty"`
	Workflow   *workflow.Definition `json:"workflow,omitempty"`
	Input      map[string]any       `json:"input,omitempty"`
	DryRun     bool                 `json:"dryRun,omitempty"`
	Wait       bool                 `json:"wait,omitempty"`
}

// handleExecute starts an execution. By default the call returns immediately
// with the execution id; wait=true blocks until the terminal state.
func (s *Server) handleExecute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(fault.Validation("invalid request body")))
	}
	if req.Workflow == nil && req.WorkflowID == "" {
		return c.JSON(http.StatusBadRequest, errorBody(fault.Validation("workflow or workflowId is required")))
	}

	executionID := uuid.New().String()
	opts := engine.ExecuteOptions{ExecutionID: executionID, DryRun: req.DryRun}

	run := func() (*engine.Result, error) {
		ctx := c.Request().Context()
		if !req.Wait {
			// Detached runs outlive the HTTP request
			ctx = context.WithoutCancel(ctx)
		}
		if req.Workflow != nil {
			return s.engine.ExecuteWorkflow(ctx, req.Workflow, req.Input, opts)
		}
		return s.engine.ExecuteWorkflowByID(ctx, req.WorkflowID, req.Input, opts)
	}

	if req.Wait {
		result, err := run()
		if err != nil && result == nil {
			return s.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, result)
	}

	go func() {
		if _, err := run(); err != nil {
			_, msg, _ := fault.Public(err)
			s.log.Warn("execution finished with error", "execution_id", executionID, "error", msg)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"executionId": executionID,
		"seq":         s.engine.EventSeq(executionID),
	})
}

func (s *Server) handleValidate(c echo.Context) error {
	var def workflow.Definition
	if err := c.Bind(&def); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(fault.Validation("invalid request body")))
	}
	return c.JSON(http.StatusOK, s.engine.ValidateWorkflow(&def))
}

func (s *Server) handleListActive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"active": s.engine.ActiveExecutions()})
}

func (s *Server) handleSnapshot(c echo.Context) error {
	snapshot, ok := s.engine.ExecutionSnapshot(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody(fault.Validation("execution not found")))
	}
	return c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.engine.CancelExecution(c.Param("id"), fault.ReasonUserCancelled); err != nil {
		return s.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleEventStream tails an execution's events as NDJSON. The first line is
// a connected event carrying the current sequence so clients can resume.
func (s *Server) handleEventStream(c echo.Context) error {
	executionID := c.Param("id")
	fromSeq := parseSeq(c.QueryParam("fromSeq"))
	connectionID := uuid.New().String()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	connected := events.Event{
		ExecutionID: executionID,
		Kind:        events.Connected,
		Timestamp:   time.Now(),
		Data:        map[string]any{"seq": s.engine.EventSeq(executionID)},
	}
	if err := enc.Encode(connected); err != nil {
		return err
	}
	resp.Flush()

	ch := s.engine.Subscribe(executionID, connectionID, fromSeq)
	defer s.engine.Unsubscribe(executionID, connectionID)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			resp.Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// handleWebSocket streams execution events over a WebSocket connection
func (s *Server) handleWebSocket(c echo.Context) error {
	executionID := c.QueryParam("executionId")
	if executionID == "" {
		return c.JSON(http.StatusBadRequest, errorBody(fault.Validation("executionId is required")))
	}
	fromSeq := parseSeq(c.QueryParam("fromSeq"))

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	connectionID := uuid.New().String()
	ch := s.engine.Subscribe(executionID, connectionID, fromSeq)

	go s.readPump(conn, executionID, connectionID)
	go s.writePump(conn, executionID, ch)
	return nil
}

// readPump drains client frames to service ping/pong and detect disconnects
func (s *Server) readPump(conn *websocket.Conn, executionID, connectionID string) {
	defer func() {
		s.engine.Unsubscribe(executionID, connectionID)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump pushes events to the peer and keeps the connection alive
func (s *Server) writePump(conn *websocket.Conn, executionID string, ch <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleConnectors(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Connectors())
}

func (s *Server) handleConnectorStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.ConnectorStats())
}

type testExpressionRequest struct {
	Expression string         `json:"expression"`
	Variables  map[string]any `json:"variables,omitempty"`
}

func (s *Server) handleTestExpression(c echo.Context) error {
	var req testExpressionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(fault.Validation("invalid request body")))
	}

	result, err := s.engine.TestExpression(c.Request().Context(), req.Expression, req.Variables)
	if err != nil {
		kind, msg, _ := fault.Public(err)
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "errorKind": string(kind), "error": msg})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindCapacity:
		status = http.StatusTooManyRequests
	case fault.KindCancelled:
		status = http.StatusConflict
	}
	return c.JSON(status, errorBody(err))
}

func errorBody(err error) map[string]any {
	kind, msg, nodeID := fault.Public(err)
	body := map[string]any{"errorKind": string(kind), "error": msg}
	if nodeID != "" {
		body["nodeId"] = nodeID
	}
	return body
}

func parseSeq(raw string) uint64 {
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
