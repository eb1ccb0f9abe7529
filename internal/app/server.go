package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/calldeck/calldeck/internal/guideline"
	"github.com/calldeck/calldeck/internal/tool"
	"github.com/calldeck/calldeck/internal/validator"
)

// Server exposes the per-turn pipeline and the tool executor over HTTP, for
// the telephony frontend that drives the conversation.
type Server struct {
	pipeline *Pipeline
	executor *tool.Executor
	log      *slog.Logger
}

// NewServer constructs a Server. logger may be nil.
func NewServer(pipeline *Pipeline, executor *tool.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: pipeline, executor: executor, log: logger}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions/{session}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{session}/validate", s.handleValidate)
	mux.HandleFunc("POST /v1/sessions/{session}/tools/{tool}", s.handleTool)
}

// turnRequest is the body of a turn processing call.
type turnRequest struct {
	Utterance string `json:"utterance"`
}

// matchedGuideline is one matched guideline in a turn response.
type matchedGuideline struct {
	Name       string  `json:"name"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// turnResponse reports the injection and journey position after a turn.
type turnResponse struct {
	SystemPrompt       string             `json:"system_prompt"`
	JourneyName        string             `json:"journey_name,omitempty"`
	CurrentState       string             `json:"current_state,omitempty"`
	Guidelines         []matchedGuideline `json:"guidelines"`
	IsNewJourney       bool               `json:"is_new_journey"`
	TransitionOccurred bool               `json:"transition_occurred"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Utterance == "" {
		writeError(w, http.StatusBadRequest, "utterance is required")
		return
	}

	turn, err := s.pipeline.ProcessUserTurn(r.Context(), sessionID, req.Utterance)
	if err != nil {
		s.log.ErrorContext(r.Context(), "turn processing failed",
			"session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn processing failed")
		return
	}

	resp := turnResponse{
		SystemPrompt:       turn.SystemPrompt,
		Guidelines:         toMatchedGuidelines(turn.Guidelines),
		IsNewJourney:       turn.Meta.IsNewJourney,
		TransitionOccurred: turn.Meta.TransitionOccurred,
	}
	if turn.Context != nil {
		resp.JourneyName = turn.Context.JourneyName
		resp.CurrentState = turn.Context.CurrentState
	}
	writeJSON(w, http.StatusOK, resp)
}

// validateRequest is the body of a reply validation call.
type validateRequest struct {
	Reply string `json:"reply"`
}

// validateResponse reports the validation verdict and the text to speak.
type validateResponse struct {
	Reply      string                `json:"reply"`
	IsValid    bool                  `json:"is_valid"`
	Fixed      bool                  `json:"fixed"`
	Violations []validator.Violation `json:"violations,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, result, err := s.pipeline.ValidateReply(r.Context(), sessionID, req.Reply)
	if err != nil {
		s.log.ErrorContext(r.Context(), "reply validation failed",
			"session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "reply validation failed")
		return
	}

	resp := validateResponse{Reply: reply, IsValid: true}
	if result != nil {
		resp.IsValid = result.IsValid
		resp.Fixed = reply != req.Reply
		resp.Violations = result.Violations
	}
	writeJSON(w, http.StatusOK, resp)
}

// toolRequest is the body of a tool execution call.
type toolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// toolResponse wraps a successful tool result.
type toolResponse struct {
	Result any `json:"result"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session")
	toolName := r.PathValue("tool")

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Arguments == nil {
		req.Arguments = make(map[string]any)
	}

	result, err := s.executor.Execute(r.Context(), toolName, req.Arguments,
		tool.CallContext{SessionID: sessionID})
	if err != nil {
		switch {
		case errors.Is(err, tool.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, tool.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, tool.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		default:
			s.log.ErrorContext(r.Context(), "tool execution failed",
				"tool", toolName, "session_id", sessionID, "error", err)
			writeError(w, http.StatusInternalServerError, "tool execution failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{Result: result})
}

func toMatchedGuidelines(matches []guideline.Match) []matchedGuideline {
	out := make([]matchedGuideline, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchedGuideline{
			Name:       m.Guideline.Name,
			Action:     m.Guideline.Action,
			Confidence: m.Confidence,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
