// Package validators provides deterministic acceptance/rejection of candidate
// onboarding values, producing a uniform models.ValidationResult.
package validators

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mlground/onboard/internal/models"
)

// ParsedName is the outcome of parsing free text for a person's name.
// An empty Last with a non-empty First means the parse was incomplete.
type ParsedName struct {
	First string `json:"first_name"`
	Last  string `json:"last_name"`
}

// NameParser extracts a name from free text such as "Call me Mike" or
// "I'm Sarah Johnson". The production implementation delegates to a language
// model; RuleBasedNameParser is the substitutable fallback.
type NameParser interface {
	ParseName(ctx context.Context, text string) (ParsedName, error)
}

// NameValidator validates names via a pluggable parser. It owns the
// incomplete/complete boundary and the retry contract, not the parsing itself.
type NameValidator struct {
	parser NameParser
}

// NewNameValidator creates a name validator backed by the given parser.
func NewNameValidator(parser NameParser) *NameValidator {
	slog.Debug("validators.NewNameValidator: creating validator", "hasParser", parser != nil)
	return &NameValidator{parser: parser}
}

// Validate parses the message for a full name. A single detected token yields
// INCOMPLETE (with the partial first name in Data), never a crash; an empty
// message is rejected outright.
func (v *NameValidator) Validate(ctx context.Context, message string) models.ValidationResult {
	message = strings.TrimSpace(message)
	if message == "" {
		return models.Invalid(models.ErrorKindMalformed, "empty name input")
	}
	if v.parser == nil {
		return models.Invalid(models.ErrorKindExtractionFailed, "no name parser configured")
	}

	parsed, err := v.parser.ParseName(ctx, message)
	if err != nil {
		slog.Error("NameValidator.Validate: parser failed", "error", err)
		return models.Invalid(models.ErrorKindExtractionFailed, fmt.Sprintf("name parser error: %v", err))
	}

	first := strings.TrimSpace(parsed.First)
	last := strings.TrimSpace(parsed.Last)

	if first == "" {
		return models.Invalid(models.ErrorKindExtractionFailed, "no name detected in message")
	}
	if last == "" {
		result := models.Invalid(models.ErrorKindIncomplete, "last name missing")
		result.Data = map[models.Field]string{models.FieldFirstName: first}
		return result
	}

	slog.Debug("NameValidator.Validate: full name parsed")
	return models.ValidOK(map[models.Field]string{
		models.FieldFirstName: first,
		models.FieldLastName:  last,
	})
}

// leadIns are conversational prefixes stripped before rule-based tokenizing.
var leadIns = []string{
	"my name is", "my name's", "i am", "i'm", "im", "call me", "this is", "it's", "its", "name is", "hello i am", "hi i am",
}

// titleTokens are honorifics ignored when counting name parts.
var titleTokens = map[string]bool{
	"mr": true, "mr.": true, "mrs": true, "mrs.": true, "ms": true, "ms.": true,
	"dr": true, "dr.": true, "prof": true, "prof.": true, "sir": true,
}

// RuleBasedNameParser is a deterministic NameParser used when no language
// model is configured and in tests. It strips common lead-in phrases and
// honorifics, then treats the first significant token as the first name and
// the remainder as the last name.
type RuleBasedNameParser struct{}

// ParseName implements NameParser.
func (p *RuleBasedNameParser) ParseName(ctx context.Context, text string) (ParsedName, error) {
	cleaned := strings.TrimSpace(text)
	lower := strings.ToLower(cleaned)
	for _, lead := range leadIns {
		if strings.HasPrefix(lower, lead+" ") {
			cleaned = strings.TrimSpace(cleaned[len(lead):])
			break
		}
	}
	cleaned = strings.Trim(cleaned, ".!,")

	var parts []string
	for _, tok := range strings.Fields(cleaned) {
		if titleTokens[strings.ToLower(tok)] {
			continue
		}
		// Ignore stray punctuation and single initials.
		if len(strings.Trim(tok, ".,!?")) < 2 {
			continue
		}
		parts = append(parts, strings.Trim(tok, ",!?"))
	}

	switch len(parts) {
	case 0:
		return ParsedName{}, nil
	case 1:
		return ParsedName{First: parts[0]}, nil
	default:
		return ParsedName{First: parts[0], Last: strings.Join(parts[1:], " ")}, nil
	}
}
