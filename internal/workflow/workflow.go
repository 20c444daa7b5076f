// Package workflow implements the step-locked onboarding state machine.
//
// One Engine.Process call is one conversational turn: load the user's state,
// dispatch to the handler for the current step, persist the outcome with an
// optimistic version check, and hand a masked response context to the
// renderer. A message is only ever validated against the rules of the step
// the user is at; nothing in the message content can skip a step.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlground/onboard/internal/delivery"
	"github.com/mlground/onboard/internal/directory"
	"github.com/mlground/onboard/internal/genai"
	"github.com/mlground/onboard/internal/models"
	"github.com/mlground/onboard/internal/otp"
	"github.com/mlground/onboard/internal/security"
	"github.com/mlground/onboard/internal/store"
	"github.com/mlground/onboard/internal/toolgate"
	"github.com/mlground/onboard/internal/validators"
)

// DefaultMaxSaveRetries bounds how many times a turn is replayed after losing
// the version check before giving up with CONCURRENT_CONFLICT.
const DefaultMaxSaveRetries = 3

// resendKeywords are the chat shortcuts for requesting a fresh code at the
// AWAITING_OTP step.
var resendKeywords = []string{"resend", "new code"}

// affirmatives are bare replies accepted as terms agreement in addition to
// any message containing "accept" or "agree".
var affirmatives = map[string]bool{"yes": true, "ok": true, "okay": true, "sure": true}

// Renderer turns a response context into user-facing text. The context it
// receives is already masked; implementations never see a plaintext code or
// an unmasked phone number.
type Renderer interface {
	RenderResponse(ctx context.Context, rc models.ResponseContext) (string, error)
}

// Turn is the outcome of one processed message.
type Turn struct {
	Reply   string
	Context models.ResponseContext
	State   *models.UserState
}

// Opts holds configuration options for the workflow engine.
type Opts struct {
	TokenIssuer *security.TokenIssuer
	Tools       *toolgate.Registry
	ResendEvery time.Duration
	ResendBurst int
	MaxRetries  int
}

// Option defines a configuration option for the workflow engine.
type Option func(*Opts)

// WithTokenIssuer enables session tokens at the ACTIVE transition.
func WithTokenIssuer(issuer *security.TokenIssuer) Option {
	return func(o *Opts) { o.TokenIssuer = issuer }
}

// WithToolRegistry sets the registry consulted for gated tool calls.
func WithToolRegistry(registry *toolgate.Registry) Option {
	return func(o *Opts) { o.Tools = registry }
}

// WithResendLimit overrides the per-user resend rate (one resend per interval,
// with the given burst).
func WithResendLimit(every time.Duration, burst int) Option {
	return func(o *Opts) { o.ResendEvery = every; o.ResendBurst = burst }
}

// Engine is the workflow state machine.
type Engine struct {
	store     store.Store
	directory *directory.Directory
	otp       *otp.Engine
	sender    delivery.Sender
	renderer  Renderer
	fallback  Renderer

	nameValidator  *validators.NameValidator
	emailValidator *validators.EmailValidator
	phoneValidator *validators.PhoneValidator

	tokens *security.TokenIssuer
	tools  *toolgate.Registry

	maxRetries  int
	resendEvery time.Duration
	resendBurst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine creates a workflow engine. The name parser is pluggable so the
// rule-based fallback can stand in for the language model.
func NewEngine(st store.Store, otpEngine *otp.Engine, sender delivery.Sender, renderer Renderer, parser validators.NameParser, opts ...Option) *Engine {
	cfg := Opts{ResendEvery: time.Minute, ResendBurst: 1, MaxRetries: DefaultMaxSaveRetries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if renderer == nil {
		renderer = genai.NewTemplateRenderer()
	}
	slog.Debug("workflow.NewEngine: engine created",
		"tokensEnabled", cfg.TokenIssuer != nil,
		"toolsEnabled", cfg.Tools != nil,
		"maxRetries", cfg.MaxRetries)

	return &Engine{
		store:          st,
		directory:      directory.New(st),
		otp:            otpEngine,
		sender:         sender,
		renderer:       renderer,
		fallback:       genai.NewTemplateRenderer(),
		nameValidator:  validators.NewNameValidator(parser),
		emailValidator: validators.NewEmailValidator(),
		phoneValidator: validators.NewPhoneValidator(""),
		tokens:         cfg.TokenIssuer,
		tools:          cfg.Tools,
		maxRetries:     cfg.MaxRetries,
		resendEvery:    cfg.ResendEvery,
		resendBurst:    cfg.ResendBurst,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// outcome carries what a step handler decided for the current turn.
type outcome struct {
	mutated           bool
	errorKind         models.ErrorKind
	returningUser     bool
	maskedPhone       string
	attemptsRemaining *int
	sessionToken      string
	userMessage       string

	// deliverCode is set when an OTP must be dispatched after the state is
	// persisted; it never outlives the turn.
	deliverCode string
	deliverDest delivery.Destination
}

// Process handles one inbound message for a user. The returned Turn is always
// renderable; the error is non-nil only for input errors, storage failures,
// and exhausted version retries (models.ErrConcurrentConflict, with the Turn
// still describing the condition).
func (e *Engine) Process(ctx context.Context, userID, message string) (*Turn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}
	if strings.TrimSpace(message) == "" {
		return nil, models.ErrEmptyMessage
	}

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		state, err := e.store.GetUserState(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user state: %w", err)
		}
		if state == nil {
			state = models.NewUserState(userID)
		}
		expectedVersion := state.Version

		out := e.dispatch(ctx, state, message)

		if out.mutated {
			saved, err := e.store.SaveUserState(state, expectedVersion)
			if err != nil {
				return nil, fmt.Errorf("failed to save user state: %w", err)
			}
			if !saved {
				slog.Warn("Engine.Process: version check lost, replaying turn", "userID", userID, "attempt", attempt+1)
				continue
			}
		}

		// Delivery runs only after the state is durably committed, so a crash
		// between the two leaves a valid, resendable record rather than a
		// phantom step.
		if out.deliverCode != "" {
			if err := e.sender.SendOTP(ctx, out.deliverDest, out.deliverCode, e.otp.TTL()); err != nil {
				slog.Error("Engine.Process: OTP delivery failed", "userID", userID, "error", err)
				out.errorKind = models.ErrorKindDeliveryFailed
			}
		}

		return e.render(ctx, state, out), nil
	}

	slog.Error("Engine.Process: retries exhausted", "userID", userID)
	state, err := e.store.GetUserState(userID)
	if err != nil || state == nil {
		state = models.NewUserState(userID)
	}
	turn := e.render(ctx, state, outcome{errorKind: models.ErrorKindConcurrentConflict})
	return turn, models.ErrConcurrentConflict
}

// dispatch routes the message to the handler for the state's current step.
func (e *Engine) dispatch(ctx context.Context, state *models.UserState, message string) outcome {
	switch state.CurrentStep {
	case models.StepAwaitingTerms:
		return e.handleTerms(state, message)
	case models.StepAwaitingName:
		return e.handleName(ctx, state, message)
	case models.StepAwaitingEmail:
		return e.handleEmail(state, message)
	case models.StepAwaitingPhone:
		return e.handlePhone(state, message)
	case models.StepAwaitingOTP:
		return e.handleOTP(state, message)
	case models.StepActive:
		return outcome{userMessage: message}
	default:
		slog.Error("Engine.dispatch: unknown step", "userID", state.UserID, "step", state.CurrentStep)
		return outcome{errorKind: models.ErrorKindMalformed}
	}
}

// handleTerms accepts any explicit affirmative signal, including the
// TERMS_ACCEPTED token sent by client-side accept buttons.
func (e *Engine) handleTerms(state *models.UserState, message string) outcome {
	lower := strings.ToLower(strings.TrimSpace(message))
	accepted := message == "TERMS_ACCEPTED" ||
		strings.Contains(lower, "accept") ||
		strings.Contains(lower, "agree") ||
		affirmatives[strings.Trim(lower, ".!")]
	if !accepted {
		return outcome{errorKind: models.ErrorKindMalformed}
	}

	state.Set(models.FieldTermsAt, time.Now().UTC().Format(time.RFC3339))
	state.CurrentStep = models.StepAwaitingName
	slog.Info("Engine.handleTerms: terms accepted", "userID", state.UserID)
	return outcome{mutated: true}
}

func (e *Engine) handleName(ctx context.Context, state *models.UserState, message string) outcome {
	result := e.nameValidator.Validate(ctx, message)
	if !result.Success {
		return outcome{errorKind: result.ErrorKind}
	}

	state.Set(models.FieldFirstName, result.Data[models.FieldFirstName])
	state.Set(models.FieldLastName, result.Data[models.FieldLastName])
	state.CurrentStep = models.StepAwaitingEmail
	slog.Info("Engine.handleName: name captured", "userID", state.UserID)
	return outcome{mutated: true}
}

// handleEmail stores the validated address and consults the directory. A hit
// only personalizes the response; the remaining steps, OTP included, stay
// mandatory.
func (e *Engine) handleEmail(state *models.UserState, message string) outcome {
	result := e.emailValidator.Validate(message)
	if !result.Success {
		return outcome{errorKind: result.ErrorKind}
	}
	email := result.Data[models.FieldEmail]

	out := outcome{mutated: true}
	record, err := e.directory.Lookup(email, state.Get(models.FieldLastName))
	if err != nil {
		// Lookup is a personalization concern; a store error must not stall
		// onboarding.
		slog.Error("Engine.handleEmail: directory lookup failed", "userID", state.UserID, "error", err)
	} else if record != nil {
		out.returningUser = true
		out.maskedPhone = security.MaskPhone(record.Phone)
		slog.Info("Engine.handleEmail: returning user recognized", "userID", state.UserID)
	}

	state.Set(models.FieldEmail, email)
	state.CurrentStep = models.StepAwaitingPhone
	return out
}

func (e *Engine) handlePhone(state *models.UserState, message string) outcome {
	result := e.phoneValidator.Validate(message)
	if !result.Success {
		return outcome{errorKind: result.ErrorKind}
	}

	code, record, err := e.otp.Issue()
	if err != nil {
		slog.Error("Engine.handlePhone: OTP issue failed", "userID", state.UserID, "error", err)
		return outcome{errorKind: models.ErrorKindDeliveryFailed}
	}

	state.Set(models.FieldPhone, result.Data[models.FieldPhone])
	state.Set(models.FieldCountryCode, result.Data[models.FieldCountryCode])
	state.OTP = record
	state.CurrentStep = models.StepAwaitingOTP
	slog.Info("Engine.handlePhone: phone captured, OTP issued", "userID", state.UserID)

	return outcome{
		mutated:     true,
		deliverCode: code,
		deliverDest: e.destinationFor(state),
	}
}

// handleOTP verifies the candidate code, honoring the resend keyword. Failed
// attempts still mutate state: the attempt counter and lock flag must survive
// the turn.
func (e *Engine) handleOTP(state *models.UserState, message string) outcome {
	trimmed := strings.TrimSpace(message)
	for _, kw := range resendKeywords {
		if strings.EqualFold(trimmed, kw) {
			return e.reissue(state)
		}
	}

	if state.OTP == nil {
		slog.Error("Engine.handleOTP: no OTP record at AWAITING_OTP", "userID", state.UserID)
		return outcome{errorKind: models.ErrorKindOTPExpired}
	}

	before := *state.OTP
	result := e.otp.Verify(state.OTP, message)
	if !result.Success {
		out := outcome{errorKind: result.ErrorKind, mutated: before != *state.OTP}
		if remaining, ok := result.Meta["attempts_remaining"]; ok {
			if n, err := strconv.Atoi(remaining); err == nil {
				out.attemptsRemaining = &n
			}
		}
		return out
	}

	state.OTP = nil
	state.CurrentStep = models.StepActive
	out := outcome{mutated: true}

	record, returning, err := e.directory.RecordVerified(state)
	if err != nil {
		slog.Error("Engine.handleOTP: directory registration failed", "userID", state.UserID, "error", err)
	} else {
		out.returningUser = returning
		out.maskedPhone = security.MaskPhone(record.Phone)
	}

	if e.tokens != nil {
		token, err := e.tokens.Issue(state.UserID)
		if err != nil {
			slog.Error("Engine.handleOTP: session token issue failed", "userID", state.UserID, "error", err)
		} else {
			out.sessionToken = token
		}
	}

	slog.Info("Engine.handleOTP: user verified", "userID", state.UserID)
	return out
}

// reissue invalidates the current OTP record and issues a fresh one, subject
// to the per-user resend rate.
func (e *Engine) reissue(state *models.UserState) outcome {
	if !e.limiterFor(state.UserID).Allow() {
		slog.Warn("Engine.reissue: resend throttled", "userID", state.UserID)
		return outcome{errorKind: models.ErrorKindResendThrottled}
	}

	code, record, err := e.otp.Issue()
	if err != nil {
		slog.Error("Engine.reissue: OTP issue failed", "userID", state.UserID, "error", err)
		return outcome{errorKind: models.ErrorKindDeliveryFailed}
	}

	state.OTP = record
	slog.Info("Engine.reissue: fresh OTP issued", "userID", state.UserID)
	return outcome{
		mutated:     true,
		deliverCode: code,
		deliverDest: e.destinationFor(state),
	}
}

// Resend is the explicit resend action exposed to the API, distinct from any
// chat message. Valid only at the AWAITING_OTP step.
func (e *Engine) Resend(ctx context.Context, userID string) (*Turn, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		state, err := e.store.GetUserState(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user state: %w", err)
		}
		if state == nil || state.CurrentStep != models.StepAwaitingOTP {
			return nil, models.ErrWrongStep
		}
		expectedVersion := state.Version

		out := e.reissue(state)
		if out.mutated {
			saved, err := e.store.SaveUserState(state, expectedVersion)
			if err != nil {
				return nil, fmt.Errorf("failed to save user state: %w", err)
			}
			if !saved {
				continue
			}
		}

		if out.deliverCode != "" {
			if err := e.sender.SendOTP(ctx, out.deliverDest, out.deliverCode, e.otp.TTL()); err != nil {
				slog.Error("Engine.Resend: OTP delivery failed", "userID", userID, "error", err)
				out.errorKind = models.ErrorKindDeliveryFailed
			}
		}
		return e.render(ctx, state, out), nil
	}
	return nil, models.ErrConcurrentConflict
}

// ProcessToolCall gates a structured function call. Only users at ACTIVE reach
// the registry; everyone else gets ErrWrongStep without any invocation.
func (e *Engine) ProcessToolCall(userID string, call models.ToolCall) (models.ToolResult, error) {
	if strings.TrimSpace(userID) == "" {
		return models.ToolResult{}, models.ErrEmptyUserID
	}
	if e.tools == nil {
		return models.ToolResult{}, models.ErrUnknownTool
	}

	state, err := e.store.GetUserState(userID)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("failed to load user state: %w", err)
	}
	if state == nil || state.CurrentStep != models.StepActive {
		slog.Warn("Engine.ProcessToolCall: rejected before verification", "userID", userID, "tool", call.Name)
		return models.ToolResult{}, models.ErrWrongStep
	}

	return e.tools.Invoke(userID, call), nil
}

// State returns the persisted state for a user, or nil when none exists.
func (e *Engine) State(userID string) (*models.UserState, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.ErrEmptyUserID
	}
	return e.store.GetUserState(userID)
}

// render builds the masked response context and asks the renderer for text.
// A renderer failure falls back to the deterministic templates so a turn
// always produces a reply.
func (e *Engine) render(ctx context.Context, state *models.UserState, out outcome) *Turn {
	rc := models.ResponseContext{
		UserID:            state.UserID,
		Step:              state.CurrentStep,
		ErrorKind:         out.errorKind,
		Fields:            maskedFields(state),
		ReturningUser:     out.returningUser,
		MaskedPhone:       out.maskedPhone,
		AttemptsRemaining: out.attemptsRemaining,
		SessionToken:      out.sessionToken,
		UserMessage:       out.userMessage,
	}

	reply, err := e.renderer.RenderResponse(ctx, rc)
	if err != nil {
		slog.Error("Engine.render: renderer failed, using templates", "userID", state.UserID, "error", err)
		reply, _ = e.fallback.RenderResponse(ctx, rc)
	}
	return &Turn{Reply: reply, Context: rc, State: state}
}

// maskedFields exposes collected values to the renderer with contact details
// masked. The plaintext phone number never leaves the engine.
func maskedFields(state *models.UserState) map[string]string {
	fields := make(map[string]string)
	if v := state.Get(models.FieldFirstName); v != "" {
		fields["first_name"] = v
	}
	if v := state.Get(models.FieldLastName); v != "" {
		fields["last_name"] = v
	}
	if v := state.Get(models.FieldEmail); v != "" {
		fields["email"] = security.MaskEmail(v)
	}
	if v := state.Get(models.FieldPhone); v != "" {
		fields["phone"] = security.MaskPhone(v)
	}
	return fields
}

// destinationFor addresses OTP delivery from collected state.
func (e *Engine) destinationFor(state *models.UserState) delivery.Destination {
	return delivery.Destination{
		Email:     state.Get(models.FieldEmail),
		Phone:     state.Get(models.FieldPhone),
		FirstName: state.Get(models.FieldFirstName),
	}
}

// limiterFor returns the per-user resend limiter, creating it on first use.
func (e *Engine) limiterFor(userID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	limiter, ok := e.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(e.resendEvery), e.resendBurst)
		e.limiters[userID] = limiter
	}
	return limiter
}
