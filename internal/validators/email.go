package validators

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/mlground/onboard/internal/extract"
	"github.com/mlground/onboard/internal/models"
)

// MaxEmailLength is the RFC 5321 limit on a full address.
const MaxEmailLength = 320

// emailFormatPattern is the anchored counterpart of the extraction pattern:
// the extracted candidate must be a well-formed address in its entirety.
var emailFormatPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// EmailValidator validates email addresses in two phases: unanchored
// extraction from free text, then anchored format validation of the
// candidate. Returning-user lookup is the workflow's concern, not the
// validator's.
type EmailValidator struct{}

// NewEmailValidator creates a new email validator.
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// Validate extracts an email from the message and checks its format.
func (v *EmailValidator) Validate(message string) models.ValidationResult {
	candidate, found := extract.Email(message)
	if !found {
		// Fall back to the whole message, which handles bare addresses the
		// extraction pattern partially matched (e.g. stray trailing dots).
		candidate = strings.ToLower(strings.TrimSpace(message))
		if candidate == "" {
			return models.Invalid(models.ErrorKindExtractionFailed, "no email found in message")
		}
	}

	if !isValidEmailFormat(candidate) {
		slog.Debug("EmailValidator.Validate: candidate failed format check")
		if !found {
			return models.Invalid(models.ErrorKindExtractionFailed, "no email found in message")
		}
		return models.Invalid(models.ErrorKindMalformed, "extracted candidate is not a well-formed address")
	}

	return models.ValidOK(map[models.Field]string{models.FieldEmail: candidate})
}

// isValidEmailFormat confirms the candidate is a well-formed address:
// single '@', present domain label, allowed characters, bounded length.
func isValidEmailFormat(email string) bool {
	if email == "" || len(email) > MaxEmailLength {
		return false
	}
	if strings.Count(email, "@") != 1 {
		return false
	}
	return emailFormatPattern.MatchString(email)
}
