// Package models defines the core data structures for the onboarding gate.
//
// It includes the workflow step enum, validation results, and the response
// context handed to the response generator, which are shared across modules.
package models

import "errors"

// WorkflowStep identifies a stage in the identity-capture sequence.
// Steps are totally ordered; a user's step never decreases and never
// advances more than one position per accepted message.
type WorkflowStep string

const (
	// StepAwaitingTerms waits for explicit terms acceptance.
	StepAwaitingTerms WorkflowStep = "AWAITING_TERMS"
	// StepAwaitingName waits for a full name (first + last).
	StepAwaitingName WorkflowStep = "AWAITING_NAME"
	// StepAwaitingEmail waits for a well-formed email address.
	StepAwaitingEmail WorkflowStep = "AWAITING_EMAIL"
	// StepAwaitingPhone waits for a phone number normalizable to E.164.
	StepAwaitingPhone WorkflowStep = "AWAITING_PHONE"
	// StepAwaitingOTP waits for the 6-digit verification code.
	StepAwaitingOTP WorkflowStep = "AWAITING_OTP"
	// StepActive grants access to tool calling and open conversation.
	StepActive WorkflowStep = "ACTIVE"
)

// stepOrder maps each step to its position in the sequence.
var stepOrder = map[WorkflowStep]int{
	StepAwaitingTerms: 0,
	StepAwaitingName:  1,
	StepAwaitingEmail: 2,
	StepAwaitingPhone: 3,
	StepAwaitingOTP:   4,
	StepActive:        5,
}

// IsValidStep checks if the given workflow step is supported.
func IsValidStep(s WorkflowStep) bool {
	_, ok := stepOrder[s]
	return ok
}

// Index returns the position of the step in the ordered sequence, or -1 for
// an unknown step.
func (s WorkflowStep) Index() int {
	idx, ok := stepOrder[s]
	if !ok {
		return -1
	}
	return idx
}

// Next returns the immediate successor step. The second return value is false
// when the step is terminal (ACTIVE) or unknown.
func (s WorkflowStep) Next() (WorkflowStep, bool) {
	switch s {
	case StepAwaitingTerms:
		return StepAwaitingName, true
	case StepAwaitingName:
		return StepAwaitingEmail, true
	case StepAwaitingEmail:
		return StepAwaitingPhone, true
	case StepAwaitingPhone:
		return StepAwaitingOTP, true
	case StepAwaitingOTP:
		return StepActive, true
	default:
		return s, false
	}
}

// Field names a validated value collected during onboarding.
type Field string

// Collected field constants.
const (
	FieldFirstName   Field = "first_name"
	FieldLastName    Field = "last_name"
	FieldEmail       Field = "email"
	FieldPhone       Field = "phone"
	FieldCountryCode Field = "country_code"
	FieldTermsAt     Field = "terms_accepted_at"
)

// ErrorKind classifies why a validation or turn failed. The raw detail is a
// diagnostic for logs; only the kind is handed to the response generator.
type ErrorKind string

const (
	// ErrorKindMalformed indicates structurally invalid input for the step.
	ErrorKindMalformed ErrorKind = "MALFORMED"
	// ErrorKindExtractionFailed indicates no candidate token was found in free text.
	ErrorKindExtractionFailed ErrorKind = "EXTRACTION_FAILED"
	// ErrorKindIncomplete indicates a name missing a required component.
	ErrorKindIncomplete ErrorKind = "INCOMPLETE"
	// ErrorKindOTPExpired indicates the code was entered after its TTL.
	ErrorKindOTPExpired ErrorKind = "OTP_EXPIRED"
	// ErrorKindOTPMismatch indicates a wrong code with attempts remaining.
	ErrorKindOTPMismatch ErrorKind = "OTP_MISMATCH"
	// ErrorKindOTPLocked indicates the record is locked until an explicit resend.
	ErrorKindOTPLocked ErrorKind = "OTP_LOCKED"
	// ErrorKindConcurrentConflict indicates version CAS retries were exhausted.
	ErrorKindConcurrentConflict ErrorKind = "CONCURRENT_CONFLICT"
	// ErrorKindDeliveryFailed indicates OTP delivery failed; the record stays valid.
	ErrorKindDeliveryFailed ErrorKind = "DELIVERY_FAILED"
	// ErrorKindResendThrottled indicates a resend request exceeded the per-user rate.
	ErrorKindResendThrottled ErrorKind = "RESEND_THROTTLED"
)

// Error variables for better error handling and testability.
var (
	ErrEmptyUserID        = errors.New("user id cannot be empty")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrConcurrentConflict = errors.New("concurrent state modification, retries exhausted")
	ErrWrongStep          = errors.New("operation not valid at current workflow step")
	ErrUnknownTool        = errors.New("tool not found in registry")
)

// ValidationResult is the uniform outcome of every validator.
type ValidationResult struct {
	Success     bool              `json:"success"`
	Data        map[Field]string  `json:"data,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"` // diagnostic, never shown raw to the user
	Meta        map[string]string `json:"meta,omitempty"`
}

// ValidOK builds a successful ValidationResult carrying extracted fields.
func ValidOK(data map[Field]string) ValidationResult {
	return ValidationResult{Success: true, Data: data}
}

// Invalid builds a failed ValidationResult with a kind and diagnostic detail.
func Invalid(kind ErrorKind, detail string) ValidationResult {
	return ValidationResult{ErrorKind: kind, ErrorDetail: detail}
}

// ResponseContext is the contract with the response-generation collaborator.
// Every value in Fields is already validated and masked; it must never carry
// an unmasked phone number or an OTP code.
type ResponseContext struct {
	UserID            string            `json:"user_id"`
	Step              WorkflowStep      `json:"step"`
	ErrorKind         ErrorKind         `json:"error_kind,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	ReturningUser     bool              `json:"returning_user,omitempty"`
	MaskedPhone       string            `json:"masked_phone,omitempty"`
	AttemptsRemaining *int              `json:"attempts_remaining,omitempty"`
	SessionToken      string            `json:"session_token,omitempty"`
	UserMessage       string            `json:"user_message,omitempty"` // only populated at ACTIVE
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ErrorWithResult creates an error API response that still carries result
// data, for failures that come with a renderable payload.
func ErrorWithResult(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message, Result: result}
}
