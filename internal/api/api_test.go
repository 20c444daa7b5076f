package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/security"
	"github.com/mlground/onboard/internal/workflow"
)

// stubEngine scripts engine outcomes for handler tests.
type stubEngine struct {
	turn       *workflow.Turn
	processErr error
	resendErr  error
	toolResult models.ToolResult
	toolErr    error
	state      *models.UserState
	stateErr   error

	lastUserID  string
	lastMessage string
	lastCall    models.ToolCall
}

func (s *stubEngine) Process(ctx context.Context, userID, message string) (*workflow.Turn, error) {
	s.lastUserID, s.lastMessage = userID, message
	return s.turn, s.processErr
}

func (s *stubEngine) Resend(ctx context.Context, userID string) (*workflow.Turn, error) {
	s.lastUserID = userID
	return s.turn, s.resendErr
}

func (s *stubEngine) ProcessToolCall(userID string, call models.ToolCall) (models.ToolResult, error) {
	s.lastUserID, s.lastCall = userID, call
	return s.toolResult, s.toolErr
}

func (s *stubEngine) State(userID string) (*models.UserState, error) {
	s.lastUserID = userID
	return s.state, s.stateErr
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMessagesEndpoint(t *testing.T) {
	engine := &stubEngine{turn: &workflow.Turn{
		Reply:   "Thanks! What's your full name?",
		Context: models.ResponseContext{UserID: "u_1", Step: models.StepAwaitingName},
	}}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/messages", messageRequest{UserID: "u_1", Message: "I agree"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if engine.lastUserID != "u_1" || engine.lastMessage != "I agree" {
		t.Errorf("engine received (%q, %q)", engine.lastUserID, engine.lastMessage)
	}

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("status = %s", resp.Status)
	}
	result := resp.Result.(map[string]interface{})
	if result["step"] != string(models.StepAwaitingName) {
		t.Errorf("step = %v", result["step"])
	}
	if !strings.Contains(result["reply"].(string), "full name") {
		t.Errorf("reply = %v", result["reply"])
	}
}

func TestMessagesAssignsUserIDWhenMissing(t *testing.T) {
	engine := &stubEngine{turn: &workflow.Turn{Context: models.ResponseContext{Step: models.StepAwaitingTerms}}}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/messages", messageRequest{Message: "hello"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(engine.lastUserID, "u_") {
		t.Errorf("assigned user ID = %q", engine.lastUserID)
	}
}

func TestMessagesRejectsBadInput(t *testing.T) {
	engine := &stubEngine{processErr: models.ErrEmptyMessage}
	server := NewServer(engine)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, server.Handler(), "/api/v1/messages", messageRequest{UserID: "u_1", Message: " "}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", rec.Code)
	}
}

func TestMessagesConflictCarriesRenderableTurn(t *testing.T) {
	engine := &stubEngine{
		turn: &workflow.Turn{
			Reply:   "Please resend your last message.",
			Context: models.ResponseContext{Step: models.StepAwaitingName, ErrorKind: models.ErrorKindConcurrentConflict},
		},
		processErr: models.ErrConcurrentConflict,
	}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/messages", messageRequest{UserID: "u_1", Message: "hi"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// The envelope agrees with the 409 but still carries the rendered turn.
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("status = %s, want error", resp.Status)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("conflict response missing result: %s", rec.Body.String())
	}
	if result["error_kind"] != string(models.ErrorKindConcurrentConflict) {
		t.Errorf("error_kind = %v", result["error_kind"])
	}
	if !strings.Contains(result["reply"].(string), "resend") {
		t.Errorf("reply = %v", result["reply"])
	}
}

func TestResendEndpointWrongStep(t *testing.T) {
	engine := &stubEngine{resendErr: models.ErrWrongStep}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/otp/resend", resendRequest{UserID: "u_1"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	state := models.NewUserState("u_1")
	state.CurrentStep = models.StepAwaitingEmail
	state.Version = 2
	state.UpdatedAt = time.Now().UTC()
	state.Set(models.FieldFirstName, "Sarah")

	engine := &stubEngine{state: state}
	server := NewServer(engine)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state?user_id=u_1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Sarah") {
		t.Error("state endpoint leaked collected values")
	}
	if !strings.Contains(rec.Body.String(), string(models.StepAwaitingEmail)) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStateEndpointNotFound(t *testing.T) {
	server := NewServer(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/state?user_id=u_missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestToolsEndpointRequiresVerification(t *testing.T) {
	engine := &stubEngine{toolErr: models.ErrWrongStep}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/tools", toolRequest{UserID: "u_1", Name: "get_available_slots"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestToolsEndpointAuthentication(t *testing.T) {
	issuer, err := security.NewTokenIssuer("test-signing-secret")
	if err != nil {
		t.Fatalf("NewTokenIssuer error = %v", err)
	}
	engine := &stubEngine{toolResult: models.ToolResult{Success: true}}
	server := NewServer(engine, WithTokenIssuer(issuer))

	body := toolRequest{UserID: "u_1", Name: "get_available_slots", Arguments: json.RawMessage(`{"date":"2026-09-01"}`)}

	rec := postJSON(t, server.Handler(), "/api/v1/tools", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	otherToken, _ := issuer.Issue("u_2")
	rec = postJSON(t, server.Handler(), "/api/v1/tools", body, map[string]string{"Authorization": "Bearer " + otherToken})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("mismatched subject status = %d, want 403", rec.Code)
	}

	token, _ := issuer.Issue("u_1")
	rec = postJSON(t, server.Handler(), "/api/v1/tools", body, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if engine.lastCall.Name != "get_available_slots" {
		t.Errorf("engine received call %+v", engine.lastCall)
	}
}

func TestToolsEndpointSchemaFailure(t *testing.T) {
	engine := &stubEngine{toolResult: models.ToolResult{Success: false, Error: "missing required parameter: date"}}
	server := NewServer(engine)

	rec := postJSON(t, server.Handler(), "/api/v1/tools", toolRequest{UserID: "u_1", Name: "get_available_slots"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := NewServer(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
