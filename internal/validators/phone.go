package validators

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/mlground/onboard/internal/models"
)

// DefaultRegion is the assumed numbering-plan region when input carries no
// leading '+'.
const DefaultRegion = "US"

// PhoneValidator extracts a phone-like substring and normalizes it to E.164
// using the libphonenumber numbering-plan rules. The raw input is discarded;
// only the normalized form is returned.
type PhoneValidator struct {
	defaultRegion string
}

// NewPhoneValidator creates a phone validator with the given default region
// (ISO 3166-1 alpha-2); empty falls back to DefaultRegion.
func NewPhoneValidator(defaultRegion string) *PhoneValidator {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}
	return &PhoneValidator{defaultRegion: defaultRegion}
}

// Validate parses the message for a phone number and returns it in E.164 form
// with the resolved country calling code. Numbers failing length or
// numbering-plan checks for the resolved region are rejected.
func (v *PhoneValidator) Validate(message string) models.ValidationResult {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return models.Invalid(models.ErrorKindExtractionFailed, "empty phone input")
	}

	parsed, err := phonenumbers.Parse(trimmed, v.defaultRegion)
	if err != nil {
		// Not a bare number; scan the message for an embedded candidate.
		parsed = v.findEmbedded(trimmed)
		if parsed == nil {
			return models.Invalid(models.ErrorKindExtractionFailed, fmt.Sprintf("no phone number found: %v", err))
		}
	}

	if !phonenumbers.IsPossibleNumber(parsed) {
		reason := phonenumbers.IsPossibleNumberWithReason(parsed)
		slog.Debug("PhoneValidator.Validate: number not possible", "reason", reason)
		return models.Invalid(models.ErrorKindMalformed, fmt.Sprintf("number fails numbering-plan check: %v", reason))
	}

	e164 := phonenumbers.Format(parsed, phonenumbers.E164)
	countryCode := fmt.Sprintf("+%d", parsed.GetCountryCode())

	return models.ValidOK(map[models.Field]string{
		models.FieldPhone:       e164,
		models.FieldCountryCode: countryCode,
	})
}

// findEmbedded scans free text for the first parseable phone candidate.
func (v *PhoneValidator) findEmbedded(text string) *phonenumbers.PhoneNumber {
	for _, candidate := range phoneCandidates(text) {
		parsed, err := phonenumbers.Parse(candidate, v.defaultRegion)
		if err != nil {
			continue
		}
		if phonenumbers.IsPossibleNumber(parsed) {
			return parsed
		}
	}
	return nil
}

// phoneCandidates splits text into runs that look like phone numbers.
func phoneCandidates(text string) []string {
	var candidates []string
	var current strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9', r == '+', r == '-', r == '(', r == ')', r == '.', r == ' ':
			current.WriteRune(r)
		default:
			if s := strings.TrimSpace(current.String()); len(s) >= 7 {
				candidates = append(candidates, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); len(s) >= 7 {
		candidates = append(candidates, s)
	}
	return candidates
}
