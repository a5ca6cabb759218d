package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/poemux/poemux/core"
	"github.com/poemux/poemux/dispatch"
	"github.com/poemux/poemux/ratelimit"
	"github.com/poemux/poemux/tool"
)

// invokeRequest is the wire shape of an operation call.
type invokeRequest struct {
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args"`
}

// streamRequest is the wire shape of a streamed ask.
type streamRequest struct {
	Prompt         string `json:"prompt"`
	SessionID      string `json:"session_id,omitempty"`
	Model          string `json:"model,omitempty"`
	Priority       string `json:"priority,omitempty"`
	ThinkingBudget int    `json:"thinking_budget,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}

// errorBody is the wire shape of every failure response.
type errorBody struct {
	Error struct {
		Message  string `json:"message"`
		Category string `json:"category,omitempty"`
		Code     string `json:"code,omitempty"`
	} `json:"error"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "", "")
		return
	}
	if req.Operation == "" {
		writeJSONError(w, http.StatusBadRequest, "operation is required", "", "")
		return
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}

	result, err := s.registry.Invoke(r.Context(), req.Operation, req.Args)
	if err != nil {
		s.logger.Warn("invoke failed", "operation", req.Operation, "error", err.Error())
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleInvokeStream relays reassembled deltas as server-sent events. Every
// event is a JSON object; the terminal event carries finished=true together
// with session metadata, and failures surface as an "error" event after any
// partial content already sent.
func (s *Server) handleInvokeStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "", "")
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required", "", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	dreq := dispatch.Request{
		Prompt:    req.Prompt,
		SessionID: req.SessionID,
		Model:     req.Model,
		Priority:  ratelimit.ParsePriority(req.Priority),
		Offset:    req.Offset,
	}
	if req.ThinkingBudget > 0 {
		dreq.Thinking = &core.ThinkingConfig{BudgetTokens: int64(req.ThinkingBudget)}
	}

	res, err := s.dispatcher.AskStream(r.Context(), dreq, func(f core.Fragment) {
		if f.Finished {
			return
		}
		writeSSE(w, "", map[string]any{
			"index":    f.Index,
			"delta":    f.Text,
			"finished": false,
		})
		flusher.Flush()
	})
	if err != nil {
		event := map[string]any{
			"message":  err.Error(),
			"category": string(core.CategoryOf(err)),
		}
		if res != nil {
			event["partial"] = res.Partial
			event["last_offset"] = res.LastOffset
			event["session_id"] = res.SessionID
		}
		writeSSE(w, "error", event)
		flusher.Flush()
		return
	}

	writeSSE(w, "", map[string]any{
		"finished":   true,
		"session_id": res.SessionID,
		"model":      res.Model,
		"usage":      res.Usage,
	})
	flusher.Flush()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.dispatcher.Metrics().Health(s.dispatcher.Store().Active())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          health.Status,
		"version":         s.version,
		"uptime_seconds":  health.UptimeSeconds,
		"active_sessions": health.ActiveSessions,
		"circuit_state":   s.dispatcher.Limiter().State(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Metrics().Snapshot())
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, _ *http.Request) {
	s.dispatcher.Metrics().Reset()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// writeError maps a pipeline failure onto an HTTP status via its category.
func writeError(w http.ResponseWriter, err error) {
	category := core.CategoryOf(err)

	var status int
	switch category {
	case core.CategoryInvalidRequest:
		status = http.StatusBadRequest
	case core.CategoryAuthentication:
		status = http.StatusUnauthorized
	case core.CategorySessionNotFound:
		status = http.StatusNotFound
	case core.CategoryThrottled:
		status = http.StatusTooManyRequests
		if ra := core.RetryAfterOf(err); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
		}
	case core.CategoryCircuitOpen, core.CategoryUnavailable:
		status = http.StatusServiceUnavailable
	case core.CategoryTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	code := ""
	var opErr *tool.OperationError
	if errors.As(err, &opErr) {
		code = opErr.Code
		// Caller mistakes, not pipeline failures.
		if code == "VALIDATION_ERROR" || code == "UNKNOWN_OPERATION" {
			status = http.StatusBadRequest
		}
	}

	writeJSONError(w, status, err.Error(), string(category), code)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message, category, code string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Category = category
	body.Error.Code = code
	writeJSON(w, status, body)
}

// writeSSE emits one server-sent event. An empty name omits the event line.
func writeSSE(w http.ResponseWriter, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
