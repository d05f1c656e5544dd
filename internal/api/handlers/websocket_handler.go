package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/pkg/logger"
)

// WebSocketHandler streams loop progress per iteration, then the final
// answer, over one connection per client.
type WebSocketHandler struct {
	engine *crag.Engine
}

func NewWebSocketHandler(engine *crag.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	// Connection-scoped context: once the client is gone, no run started
	// from this connection keeps burning collaborator calls.
	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type     string            `json:"type"`
			Content  string            `json:"content"`
			TaskType string            `json:"task_type"`
			Context  map[string]string `json:"context"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Error("Failed to read WebSocket message", zap.Error(err))
			break
		}

		if msg.Type != "query" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.String("query", msg.Content))

		q := crag.Query{
			Text:    msg.Content,
			Task:    taskType(msg.TaskType),
			Context: msg.Context,
		}

		err = h.streamRun(ctx, c, q)
		if err != nil {
			logger.Error("Failed to stream run", zap.Error(err))
			h.sendError(c, runErrorMessage(err))
		}
	}
}

func (h *WebSocketHandler) streamRun(ctx context.Context, c *websocket.Conn, q crag.Query) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	h.sendEvent(c, map[string]interface{}{
		"type":    "status",
		"content": "Processing query...",
	})

	observe := runObserver(func(msg map[string]interface{}) error {
		return h.sendEvent(c, msg)
	}, cancelRun)

	result, err := h.engine.ProcessQueryObserved(runCtx, q, observe)
	if err != nil {
		return err
	}

	observeRun(result)

	words := strings.Fields(result.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}

		err := h.sendEvent(c, map[string]interface{}{
			"type":    "chunk",
			"content": chunk,
		})
		if err != nil {
			return err
		}
	}

	return h.sendComplete(c, result)
}

// runObserver converts loop transitions into wire events. A failed send
// means the client is gone, so the run is cancelled instead of streaming
// into a dead connection.
func runObserver(send func(map[string]interface{}) error, cancel context.CancelFunc) func(crag.ProgressEvent) {
	return func(ev crag.ProgressEvent) {
		var msg map[string]interface{}

		switch ev.Phase {
		case "assessed":
			msg = map[string]interface{}{
				"type":      "iteration",
				"run_id":    ev.RunID,
				"iteration": ev.Iteration,
				"score":     ev.Overall,
			}
		case "corrected":
			msg = map[string]interface{}{
				"type":      "iteration",
				"run_id":    ev.RunID,
				"iteration": ev.Iteration,
				"score":     ev.Overall,
				"strategy":  ev.Strategy,
				"failed":    ev.Failed,
			}
		case "terminated":
			msg = map[string]interface{}{
				"type":   "terminated",
				"run_id": ev.RunID,
				"reason": string(ev.Reason),
			}
		default:
			return
		}

		if err := send(msg); err != nil {
			logger.Warn("Progress send failed, cancelling run", zap.Error(err))
			cancel()
		}
	}
}

func (h *WebSocketHandler) sendEvent(c *websocket.Conn, msg map[string]interface{}) error {
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, result *crag.CRAGResult) error {
	msg := map[string]interface{}{
		"type":        "complete",
		"run_id":      result.RunID,
		"final_score": result.Final.Overall,
		"iterations":  result.IterationCount,
		"reason":      string(result.Reason),
		"latency_ms":  result.Elapsed.Milliseconds(),
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
