// Package api provides HTTP handlers for the onboarding service endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/util"
	"github.com/mlground/onboard/internal/workflow"
)

// messageRequest is the body of POST /api/v1/messages.
type messageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// messageResponse carries the rendered reply plus the observable turn outcome.
type messageResponse struct {
	UserID            string              `json:"user_id"`
	Reply             string              `json:"reply"`
	Step              models.WorkflowStep `json:"step"`
	ErrorKind         models.ErrorKind    `json:"error_kind,omitempty"`
	AttemptsRemaining *int                `json:"attempts_remaining,omitempty"`
	SessionToken      string              `json:"session_token,omitempty"`
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.messagesHandler: processing message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// First contact may arrive without an ID; assign one so the client can
	// thread the conversation.
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = util.GenerateUserID()
		slog.Debug("Server.messagesHandler: assigned user ID", "userID", req.UserID)
	}

	turn, err := s.engine.Process(r.Context(), req.UserID, req.Message)
	switch {
	case errors.Is(err, models.ErrEmptyMessage):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message cannot be empty"))
		return
	case errors.Is(err, models.ErrConcurrentConflict):
		// The turn still carries a renderable conflict context; the envelope
		// stays an error to agree with the 409.
		writeJSONResponse(w, http.StatusConflict,
			models.ErrorWithResult("concurrent messages, please resend", turnToResponse(req.UserID, turn)))
		return
	case err != nil:
		slog.Error("Server.messagesHandler: processing failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(turnToResponse(req.UserID, turn)))
}

// resendRequest is the body of POST /api/v1/otp/resend.
type resendRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) resendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.resendHandler: processing resend", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	turn, err := s.engine.Resend(r.Context(), req.UserID)
	switch {
	case errors.Is(err, models.ErrEmptyUserID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	case errors.Is(err, models.ErrWrongStep):
		writeJSONResponse(w, http.StatusConflict, models.Error("resend is only available while awaiting the verification code"))
		return
	case errors.Is(err, models.ErrConcurrentConflict):
		writeJSONResponse(w, http.StatusConflict, models.Error("please retry the resend"))
		return
	case err != nil:
		slog.Error("Server.resendHandler: resend failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resend code"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(turnToResponse(req.UserID, turn)))
}

// stateResponse is the observable slice of a user's workflow state. Collected
// values stay server-side.
type stateResponse struct {
	UserID      string              `json:"user_id"`
	CurrentStep models.WorkflowStep `json:"current_step"`
	Version     int64               `json:"version"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.stateHandler: processing state lookup", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id query parameter is required"))
		return
	}

	state, err := s.engine.State(userID)
	if err != nil {
		slog.Error("Server.stateHandler: lookup failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No state for this user"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(stateResponse{
		UserID:      state.UserID,
		CurrentStep: state.CurrentStep,
		Version:     state.Version,
		UpdatedAt:   state.UpdatedAt,
	}))
}

// toolRequest is the body of POST /api/v1/tools.
type toolRequest struct {
	UserID    string          `json:"user_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) toolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.toolsHandler: processing tool call", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req toolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// With a token issuer configured, the bearer token must belong to the
	// user the call claims to act for.
	if s.tokens != nil {
		subject, err := s.bearerSubject(r)
		if err != nil {
			slog.Warn("Server.toolsHandler: authentication failed", "error", err)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid or missing session token"))
			return
		}
		if subject != req.UserID {
			slog.Warn("Server.toolsHandler: token subject mismatch", "userID", req.UserID)
			writeJSONResponse(w, http.StatusForbidden, models.Error("Session token does not match user"))
			return
		}
	}

	result, err := s.engine.ProcessToolCall(req.UserID, models.ToolCall{Name: req.Name, Arguments: req.Arguments})
	switch {
	case errors.Is(err, models.ErrEmptyUserID):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	case errors.Is(err, models.ErrWrongStep):
		writeJSONResponse(w, http.StatusForbidden, models.Error("Tools are available only after verification"))
		return
	case errors.Is(err, models.ErrUnknownTool):
		writeJSONResponse(w, http.StatusNotFound, models.Error("No tools are registered"))
		return
	case err != nil:
		slog.Error("Server.toolsHandler: tool call failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to execute tool"))
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSONResponse(w, status, models.Success(result))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// bearerSubject extracts and verifies the Authorization bearer token.
func (s *Server) bearerSubject(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing bearer token")
	}
	return s.tokens.Verify(token)
}

// turnToResponse projects a workflow turn onto the wire shape.
func turnToResponse(userID string, turn *workflow.Turn) messageResponse {
	if turn == nil {
		return messageResponse{UserID: userID}
	}
	return messageResponse{
		UserID:            userID,
		Reply:             turn.Reply,
		Step:              turn.Context.Step,
		ErrorKind:         turn.Context.ErrorKind,
		AttemptsRemaining: turn.Context.AttemptsRemaining,
		SessionToken:      turn.Context.SessionToken,
	}
}
