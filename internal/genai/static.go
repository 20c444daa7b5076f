// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// This file implements the deterministic template renderer used when no API
// key is configured and in tests.
package genai

import (
	"context"
	"fmt"

	"github.com/mlground/onboard/internal/models"
)

// TemplateRenderer produces fixed responses from the response context. It is
// the substitutable fallback for Client.RenderResponse: same contract, no
// model call.
type TemplateRenderer struct{}

// NewTemplateRenderer creates a template-based renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// RenderResponse generates the user-facing reply from the response context.
func (r *TemplateRenderer) RenderResponse(ctx context.Context, rc models.ResponseContext) (string, error) {
	if rc.ErrorKind != "" {
		return r.renderError(rc), nil
	}
	return r.renderPrompt(rc), nil
}

// renderPrompt asks for the next piece of information for the current step.
func (r *TemplateRenderer) renderPrompt(rc models.ResponseContext) string {
	switch rc.Step {
	case models.StepAwaitingTerms:
		return "Welcome! Before we get started, please review our terms of service and reply \"I agree\" to accept."
	case models.StepAwaitingName:
		return "Thanks! What's your full name?"
	case models.StepAwaitingEmail:
		first := rc.Fields["first_name"]
		if first != "" {
			return fmt.Sprintf("Nice to meet you, %s! What's your email address?", first)
		}
		return "Great, what's your email address?"
	case models.StepAwaitingPhone:
		if rc.ReturningUser && rc.MaskedPhone != "" {
			return fmt.Sprintf("Welcome back! Is %s still the best number for you? Please send your phone number to continue.", rc.MaskedPhone)
		}
		return "Almost there. What's the best phone number to reach you at?"
	case models.StepAwaitingOTP:
		return "We've sent a 6-digit verification code to your phone. Please enter it here. Reply \"resend\" if it doesn't arrive."
	case models.StepActive:
		if rc.SessionToken != "" {
			return "You're all set and verified! You can now schedule, view, or cancel appointments. How can I help?"
		}
		return "How can I help you today?"
	default:
		return "Sorry, something went wrong on our side. Please try again."
	}
}

// renderError explains what went wrong and what to do, never echoing raw
// input or internal detail.
func (r *TemplateRenderer) renderError(rc models.ResponseContext) string {
	switch rc.ErrorKind {
	case models.ErrorKindIncomplete:
		first := rc.Fields["first_name"]
		if first != "" {
			return fmt.Sprintf("Thanks, %s! Could you also share your last name?", first)
		}
		return "Could you share both your first and last name?"
	case models.ErrorKindExtractionFailed, models.ErrorKindMalformed:
		switch rc.Step {
		case models.StepAwaitingTerms:
			return "No problem, take your time. Whenever you're ready, reply \"I agree\" to accept the terms and continue."
		case models.StepAwaitingName:
			return "I didn't catch a name there. Could you tell me your first and last name?"
		case models.StepAwaitingEmail:
			return "That doesn't look like a valid email address. Could you double-check it?"
		case models.StepAwaitingPhone:
			return "I couldn't recognize that as a phone number. Please send it with your area code, like +1 555-123-4567."
		case models.StepAwaitingOTP:
			return "The code should be 6 digits. Please check the message we sent you and try again."
		}
		return "Sorry, I couldn't process that. Could you try again?"
	case models.ErrorKindOTPMismatch:
		if rc.AttemptsRemaining != nil {
			return fmt.Sprintf("That code doesn't match. You have %d attempts left.", *rc.AttemptsRemaining)
		}
		return "That code doesn't match. Please try again."
	case models.ErrorKindOTPExpired:
		return "That code has expired. Reply \"resend\" and we'll send you a fresh one."
	case models.ErrorKindOTPLocked:
		return "Too many incorrect attempts. Reply \"resend\" to get a new code and try again."
	case models.ErrorKindDeliveryFailed:
		return "We had trouble sending your verification code. Reply \"resend\" to try again."
	case models.ErrorKindResendThrottled:
		return "We've sent a code very recently. Please wait a minute before requesting another."
	case models.ErrorKindConcurrentConflict:
		return "We received several messages at once and couldn't keep up. Please resend your last message."
	default:
		return "Sorry, something went wrong. Please try again."
	}
}
