// Package extract pulls candidate tokens (email addresses, phone numbers,
// digit codes) out of free-form text. Extraction is unanchored: users write
// "my email is X", not bare tokens.
package extract

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// emailPattern matches an RFC-5322-compatible local@domain substring anywhere
// in the text. Deliberately unanchored; format validation happens separately.
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// phoneCandidatePattern matches runs of digits with common phone punctuation,
// optionally led by '+'. Candidates still have to parse under the numbering
// plan before they count.
var phoneCandidatePattern = regexp.MustCompile(`\+?[0-9][0-9()\s\-.]{5,}[0-9]`)

// nonDigitPattern strips everything that is not a decimal digit.
var nonDigitPattern = regexp.MustCompile(`[^0-9]`)

// Email returns the first email-like substring in text, lowercased.
func Email(text string) (string, bool) {
	match := emailPattern.FindString(text)
	if match == "" {
		return "", false
	}
	return strings.ToLower(match), true
}

// Phone returns the first substring of text that parses as a possible phone
// number for the given default region, formatted as E.164. Region is an ISO
// 3166-1 alpha-2 code used when the candidate carries no leading '+'.
func Phone(text, region string) (string, bool) {
	for _, candidate := range phoneCandidatePattern.FindAllString(text, -1) {
		parsed, err := phonenumbers.Parse(candidate, region)
		if err != nil {
			slog.Debug("extract.Phone: candidate failed to parse", "error", err)
			continue
		}
		if phonenumbers.IsPossibleNumber(parsed) {
			return phonenumbers.Format(parsed, phonenumbers.E164), true
		}
	}
	return "", false
}

// Digits returns only the decimal digits of text, for OTP candidate matching.
func Digits(text string) string {
	return nonDigitPattern.ReplaceAllString(text, "")
}
