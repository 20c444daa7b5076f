package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mlground/onboard/internal/delivery"
	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/otp"
	"github.com/mlground/onboard/internal/security"
	"github.com/mlground/onboard/internal/store"
	"github.com/mlground/onboard/internal/toolgate"
	"github.com/mlground/onboard/internal/validators"
)

// captureSender records every delivery so tests can read the issued code.
type captureSender struct {
	codes []string
	dests []delivery.Destination
	err   error
}

func (s *captureSender) SendOTP(ctx context.Context, dest delivery.Destination, code string, ttl time.Duration) error {
	s.codes = append(s.codes, code)
	s.dests = append(s.dests, dest)
	return s.err
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	if len(s.codes) == 0 {
		t.Fatal("no OTP was delivered")
	}
	return s.codes[len(s.codes)-1]
}

func newTestEngine(t *testing.T, st store.Store, sender delivery.Sender, opts ...Option) *Engine {
	t.Helper()
	otpEngine, err := otp.NewEngine("test-hashing-key")
	if err != nil {
		t.Fatalf("otp.NewEngine error = %v", err)
	}
	issuer, err := security.NewTokenIssuer("test-signing-secret")
	if err != nil {
		t.Fatalf("security.NewTokenIssuer error = %v", err)
	}
	opts = append([]Option{
		WithTokenIssuer(issuer),
		WithToolRegistry(toolgate.NewRegistry()),
	}, opts...)
	return NewEngine(st, otpEngine, sender, nil, &validators.RuleBasedNameParser{}, opts...)
}

// advance walks a user through messages, failing the test on any turn error.
func advance(t *testing.T, e *Engine, userID string, messages ...string) *Turn {
	t.Helper()
	var turn *Turn
	var err error
	for _, msg := range messages {
		turn, err = e.Process(context.Background(), userID, msg)
		if err != nil {
			t.Fatalf("Process(%q) error = %v", msg, err)
		}
	}
	return turn
}

// toOTPStep is the canonical path from nothing to AWAITING_OTP.
func toOTPStep(t *testing.T, e *Engine, userID string) *Turn {
	t.Helper()
	return advance(t, e, userID,
		"I accept the terms",
		"My name is Sarah Johnson",
		"my email is sarah.johnson@example.com",
		"+1 555-123-4567",
	)
}

func TestTermsAcceptanceAdvances(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	turn := advance(t, e, "u_1", "I accept the terms")
	if turn.State.CurrentStep != models.StepAwaitingName {
		t.Fatalf("step = %s, want AWAITING_NAME", turn.State.CurrentStep)
	}
	if turn.State.Get(models.FieldTermsAt) == "" {
		t.Error("terms acceptance timestamp not recorded")
	}
	if turn.State.Version != 1 {
		t.Errorf("version = %d, want 1", turn.State.Version)
	}
}

func TestBareAffirmativeAcceptsTerms(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	turn := advance(t, e, "u_1", "yes")
	if turn.State.CurrentStep != models.StepAwaitingName {
		t.Fatalf("step = %s, want AWAITING_NAME", turn.State.CurrentStep)
	}
}

func TestTermsNotAcceptedStays(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	turn := advance(t, e, "u_1", "what are these terms about?")
	if turn.State.CurrentStep != models.StepAwaitingTerms {
		t.Fatalf("step = %s, want AWAITING_TERMS", turn.State.CurrentStep)
	}
	if turn.Context.ErrorKind != models.ErrorKindMalformed {
		t.Errorf("error kind = %s, want MALFORMED", turn.Context.ErrorKind)
	}
}

func TestMessageContentCannotSkipSteps(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	// An email sent at AWAITING_TERMS is judged by the terms rules only.
	turn := advance(t, e, "u_1", "my email is sneak@example.com")
	if turn.State.CurrentStep != models.StepAwaitingTerms {
		t.Fatalf("step = %s, email content must not advance past terms", turn.State.CurrentStep)
	}
	if turn.State.Get(models.FieldEmail) != "" {
		t.Error("email must not be captured at the terms step")
	}
}

func TestSingleTokenNameIsIncomplete(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	turn := advance(t, e, "u_1", "I agree", "John")
	if turn.State.CurrentStep != models.StepAwaitingName {
		t.Fatalf("step = %s, want AWAITING_NAME", turn.State.CurrentStep)
	}
	if turn.Context.ErrorKind != models.ErrorKindIncomplete {
		t.Errorf("error kind = %s, want INCOMPLETE", turn.Context.ErrorKind)
	}
}

func TestEmbeddedEmailExtractedAndStored(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	turn := advance(t, e, "u_1", "I agree", "Nikhil Rao", "my email is nikhil@gmail.com")
	if turn.State.CurrentStep != models.StepAwaitingPhone {
		t.Fatalf("step = %s, want AWAITING_PHONE", turn.State.CurrentStep)
	}
	if got := turn.State.Get(models.FieldEmail); got != "nikhil@gmail.com" {
		t.Errorf("email = %q, want nikhil@gmail.com", got)
	}
}

func TestPhoneNormalizedAndOTPIssued(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	turn := toOTPStep(t, e, "u_1")
	if turn.State.CurrentStep != models.StepAwaitingOTP {
		t.Fatalf("step = %s, want AWAITING_OTP", turn.State.CurrentStep)
	}
	if got := turn.State.Get(models.FieldPhone); got != "+15551234567" {
		t.Errorf("phone = %q, want +15551234567", got)
	}
	if turn.State.OTP == nil {
		t.Fatal("no OTP record on state")
	}
	if turn.State.OTP.CodeHash == "" || turn.State.OTP.Salt == "" {
		t.Error("OTP record missing hash or salt")
	}

	code := sender.lastCode(t)
	if len(code) != 6 {
		t.Errorf("delivered code length = %d, want 6", len(code))
	}
	if turn.State.OTP.CodeHash == code {
		t.Error("plaintext code persisted as hash")
	}
	if sender.dests[len(sender.dests)-1].Phone != "+15551234567" {
		t.Errorf("delivery destination = %+v", sender.dests[len(sender.dests)-1])
	}
}

func TestCorrectCodeActivatesAndRegisters(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &captureSender{}
	e := newTestEngine(t, st, sender)

	toOTPStep(t, e, "u_1")
	turn := advance(t, e, "u_1", sender.lastCode(t))

	if turn.State.CurrentStep != models.StepActive {
		t.Fatalf("step = %s, want ACTIVE", turn.State.CurrentStep)
	}
	if turn.State.OTP != nil {
		t.Error("OTP record not cleared after verification")
	}
	if turn.Context.SessionToken == "" {
		t.Error("no session token issued at ACTIVE")
	}

	record, err := st.GetDirectoryRecord("sarah.johnson@example.com", "Johnson")
	if err != nil || record == nil {
		t.Fatalf("directory record not persisted: (%+v, %v)", record, err)
	}
	if record.FirstName != "Sarah" || record.LastName != "Johnson" || record.Phone != "+15551234567" {
		t.Errorf("directory record = %+v", record)
	}
}

func TestWrongCodesLockAndStayLocked(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	toOTPStep(t, e, "u_1")
	code := sender.lastCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	var turn *Turn
	for i := 0; i < 4; i++ {
		turn = advance(t, e, "u_1", wrong)
		if turn.Context.ErrorKind != models.ErrorKindOTPMismatch {
			t.Fatalf("attempt %d kind = %s, want OTP_MISMATCH", i+1, turn.Context.ErrorKind)
		}
	}
	if turn.Context.AttemptsRemaining == nil || *turn.Context.AttemptsRemaining != 1 {
		t.Errorf("attempts remaining = %v, want 1", turn.Context.AttemptsRemaining)
	}

	turn = advance(t, e, "u_1", wrong)
	if turn.Context.ErrorKind != models.ErrorKindOTPLocked {
		t.Fatalf("fifth attempt kind = %s, want OTP_LOCKED", turn.Context.ErrorKind)
	}

	// The correct code is useless once locked.
	turn = advance(t, e, "u_1", code)
	if turn.Context.ErrorKind != models.ErrorKindOTPLocked {
		t.Errorf("post-lock correct code kind = %s, want OTP_LOCKED", turn.Context.ErrorKind)
	}
	if turn.State.CurrentStep != models.StepAwaitingOTP {
		t.Errorf("step = %s, locked user must not advance", turn.State.CurrentStep)
	}
}

func TestResendKeywordIssuesFreshCode(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	toOTPStep(t, e, "u_1")
	oldCode := sender.lastCode(t)

	turn := advance(t, e, "u_1", "resend")
	if turn.Context.ErrorKind != "" {
		t.Fatalf("resend kind = %s, want none", turn.Context.ErrorKind)
	}
	newCode := sender.lastCode(t)
	if len(sender.codes) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(sender.codes))
	}

	// The old code is invalidated even if it has not expired.
	if oldCode != newCode {
		turn = advance(t, e, "u_1", oldCode)
		if turn.Context.ErrorKind != models.ErrorKindOTPMismatch {
			t.Errorf("stale code kind = %s, want OTP_MISMATCH", turn.Context.ErrorKind)
		}
	}

	turn = advance(t, e, "u_1", newCode)
	if turn.State.CurrentStep != models.StepActive {
		t.Errorf("fresh code did not activate: step = %s", turn.State.CurrentStep)
	}
}

func TestNewCodeKeywordAlsoResends(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	toOTPStep(t, e, "u_1")
	turn := advance(t, e, "u_1", "new code")
	if turn.Context.ErrorKind != "" {
		t.Fatalf("resend kind = %s, want none", turn.Context.ErrorKind)
	}
	if len(sender.codes) != 2 {
		t.Errorf("deliveries = %d, want 2", len(sender.codes))
	}
}

func TestResendUnlocksLockedRecord(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	toOTPStep(t, e, "u_1")
	code := sender.lastCode(t)
	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		advance(t, e, "u_1", wrong)
	}

	advance(t, e, "u_1", "resend")
	turn := advance(t, e, "u_1", sender.lastCode(t))
	if turn.State.CurrentStep != models.StepActive {
		t.Errorf("step after unlock + correct code = %s, want ACTIVE", turn.State.CurrentStep)
	}
}

func TestResendThrottled(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender, WithResendLimit(time.Hour, 1))

	toOTPStep(t, e, "u_1")
	advance(t, e, "u_1", "resend")
	turn := advance(t, e, "u_1", "resend")
	if turn.Context.ErrorKind != models.ErrorKindResendThrottled {
		t.Errorf("second resend kind = %s, want RESEND_THROTTLED", turn.Context.ErrorKind)
	}
	if len(sender.codes) != 2 {
		t.Errorf("deliveries = %d, throttled resend must not deliver", len(sender.codes))
	}
}

func TestExplicitResendAction(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	// Not valid before the OTP step.
	if _, err := e.Resend(context.Background(), "u_1"); !errors.Is(err, models.ErrWrongStep) {
		t.Fatalf("Resend before OTP step error = %v, want ErrWrongStep", err)
	}

	toOTPStep(t, e, "u_1")
	turn, err := e.Resend(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("Resend error = %v", err)
	}
	if turn.State.CurrentStep != models.StepAwaitingOTP {
		t.Errorf("step = %s, want AWAITING_OTP", turn.State.CurrentStep)
	}
	if len(sender.codes) != 2 {
		t.Errorf("deliveries = %d, want 2", len(sender.codes))
	}
}

func TestDeliveryFailureDoesNotBlockProgression(t *testing.T) {
	sender := &captureSender{err: errors.New("provider down")}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	turn := toOTPStep(t, e, "u_1")
	if turn.State.CurrentStep != models.StepAwaitingOTP {
		t.Fatalf("step = %s, want AWAITING_OTP despite delivery failure", turn.State.CurrentStep)
	}
	if turn.Context.ErrorKind != models.ErrorKindDeliveryFailed {
		t.Errorf("error kind = %s, want DELIVERY_FAILED", turn.Context.ErrorKind)
	}

	// The record was still issued; the code works.
	sender.err = nil
	turn = advance(t, e, "u_1", sender.lastCode(t))
	if turn.State.CurrentStep != models.StepActive {
		t.Errorf("step = %s, want ACTIVE", turn.State.CurrentStep)
	}
}

func TestReturningUserPersonalizedNotSkipped(t *testing.T) {
	st := store.NewInMemoryStore()
	seeded := &models.DirectoryRecord{
		ID: "d_1", Email: "sarah.johnson@example.com", FirstName: "Sarah", LastName: "Johnson",
		Phone: "+15551234567", CountryCode: "+1",
		VerifiedAt: time.Now().UTC().Add(-48 * time.Hour), LastLogin: time.Now().UTC().Add(-48 * time.Hour),
	}
	if err := st.UpsertDirectoryRecord(seeded); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sender := &captureSender{}
	e := newTestEngine(t, st, sender)

	turn := advance(t, e, "u_2", "I agree", "Sarah Johnson", "sarah.johnson@example.com")
	if !turn.Context.ReturningUser {
		t.Error("returning user not recognized at the email step")
	}
	if turn.Context.MaskedPhone != "+1 555-***-4567" {
		t.Errorf("masked phone = %q", turn.Context.MaskedPhone)
	}
	// Personalization never shortens the sequence.
	if turn.State.CurrentStep != models.StepAwaitingPhone {
		t.Fatalf("step = %s, want AWAITING_PHONE", turn.State.CurrentStep)
	}

	advance(t, e, "u_2", "+1 555-123-4567")
	turn = advance(t, e, "u_2", sender.lastCode(t))
	if turn.State.CurrentStep != models.StepActive {
		t.Fatalf("step = %s, want ACTIVE", turn.State.CurrentStep)
	}

	record, _ := st.GetDirectoryRecord("sarah.johnson@example.com", "Johnson")
	if record.ID != "d_1" {
		t.Errorf("returning user got a new directory record: %s", record.ID)
	}
	if !record.LastLogin.After(seeded.LastLogin) {
		t.Error("last login not touched on return visit")
	}
}

func TestStepNeverDecreasesNorDoubleJumps(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	messages := []string{
		"hello?", "I agree",
		"John", "John Smith",
		"not an email", "john.smith@example.com",
		"what?", "+1 555-123-4567",
	}
	prev := models.StepAwaitingTerms.Index()
	for _, msg := range messages {
		turn := advance(t, e, "u_1", msg)
		idx := turn.State.CurrentStep.Index()
		if idx < prev {
			t.Fatalf("step decreased after %q: %s", msg, turn.State.CurrentStep)
		}
		if idx > prev+1 {
			t.Fatalf("step double-jumped after %q: %s", msg, turn.State.CurrentStep)
		}
		prev = idx
	}
}

// conflictStore makes the first n saves lose the version check.
type conflictStore struct {
	store.Store
	remaining int
}

func (s *conflictStore) SaveUserState(state *models.UserState, expectedVersion int64) (bool, error) {
	if s.remaining > 0 {
		s.remaining--
		return false, nil
	}
	return s.Store.SaveUserState(state, expectedVersion)
}

func TestSaveRetriesAfterVersionLoss(t *testing.T) {
	st := &conflictStore{Store: store.NewInMemoryStore(), remaining: 2}
	e := newTestEngine(t, st, &captureSender{})

	turn, err := e.Process(context.Background(), "u_1", "I agree")
	if err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if turn.State.CurrentStep != models.StepAwaitingName {
		t.Errorf("step = %s, want AWAITING_NAME after retries", turn.State.CurrentStep)
	}
}

func TestExhaustedRetriesSurfaceConflict(t *testing.T) {
	st := &conflictStore{Store: store.NewInMemoryStore(), remaining: 100}
	e := newTestEngine(t, st, &captureSender{})

	turn, err := e.Process(context.Background(), "u_1", "I agree")
	if !errors.Is(err, models.ErrConcurrentConflict) {
		t.Fatalf("error = %v, want ErrConcurrentConflict", err)
	}
	if turn == nil || turn.Context.ErrorKind != models.ErrorKindConcurrentConflict {
		t.Errorf("turn = %+v, want CONCURRENT_CONFLICT context", turn)
	}
}

func TestProcessRejectsEmptyInput(t *testing.T) {
	e := newTestEngine(t, store.NewInMemoryStore(), &captureSender{})

	if _, err := e.Process(context.Background(), "", "hi"); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("empty user error = %v", err)
	}
	if _, err := e.Process(context.Background(), "u_1", "  "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("empty message error = %v", err)
	}
}

func TestToolCallGatedUntilActive(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	args, _ := json.Marshal(map[string]interface{}{"date": "2026-09-01"})
	call := models.ToolCall{Name: "get_available_slots", Arguments: args}

	if _, err := e.ProcessToolCall("u_1", call); !errors.Is(err, models.ErrWrongStep) {
		t.Fatalf("unverified tool call error = %v, want ErrWrongStep", err)
	}

	toOTPStep(t, e, "u_1")
	if _, err := e.ProcessToolCall("u_1", call); !errors.Is(err, models.ErrWrongStep) {
		t.Fatalf("mid-flow tool call error = %v, want ErrWrongStep", err)
	}

	advance(t, e, "u_1", sender.lastCode(t))
	result, err := e.ProcessToolCall("u_1", call)
	if err != nil {
		t.Fatalf("verified tool call error = %v", err)
	}
	if !result.Success {
		t.Errorf("tool result = %+v", result)
	}
}

func TestActiveConversationPassesUserMessage(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	toOTPStep(t, e, "u_1")
	advance(t, e, "u_1", sender.lastCode(t))

	turn := advance(t, e, "u_1", "can I book something for Friday?")
	if turn.State.CurrentStep != models.StepActive {
		t.Fatalf("step = %s, want ACTIVE", turn.State.CurrentStep)
	}
	if turn.Context.UserMessage != "can I book something for Friday?" {
		t.Errorf("user message = %q", turn.Context.UserMessage)
	}
}

func TestRendererNeverSeesUnmaskedContactDetails(t *testing.T) {
	sender := &captureSender{}
	e := newTestEngine(t, store.NewInMemoryStore(), sender)

	turn := toOTPStep(t, e, "u_1")
	if got := turn.Context.Fields["phone"]; got != "+1 555-***-4567" {
		t.Errorf("context phone = %q, must be masked", got)
	}
	if got := turn.Context.Fields["email"]; got == "sarah.johnson@example.com" {
		t.Error("context email is unmasked")
	}
}
