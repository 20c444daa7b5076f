// Package security provides PII masking and session token handling.
//
// Masked forms are the only representation of phone numbers and email
// addresses allowed to reach log lines or the response generator.
package security

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nyaruka/phonenumbers"
)

// MaskPhone renders an E.164 number with its interior digit groups hidden,
// keeping the country code, the leading group, and the last group visible,
// e.g. "+15551234567" becomes "+1 555-***-4567". Unparseable input falls back
// to masking everything but the last four digits.
func MaskPhone(e164 string) string {
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return maskTrailing(e164)
	}
	formatted := phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL)
	groups := splitGroups(formatted)
	if len(groups) < 4 {
		return maskTrailing(e164)
	}
	for i := 2; i < len(groups)-1; i++ {
		groups[i].text = strings.Repeat("*", len(groups[i].text))
	}
	return joinGroups(groups)
}

// MaskEmail hides the local part except its first character, keeping the
// domain, e.g. "nikhil@gmail.com" becomes "n*****@gmail.com".
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return strings.Repeat("*", len(email))
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}

// maskTrailing hides all digits but the last four.
func maskTrailing(s string) string {
	digitsSeen := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digitsSeen++
		}
	}
	keepFrom := digitsSeen - 4
	out := make([]rune, 0, len(s))
	seen := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			if seen < keepFrom {
				out = append(out, '*')
			} else {
				out = append(out, r)
			}
			seen++
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// group is a run of non-separator characters with its trailing separator.
type group struct {
	text string
	sep  string
}

func splitGroups(formatted string) []group {
	var groups []group
	var current strings.Builder
	for _, r := range formatted {
		if r == ' ' || r == '-' {
			groups = append(groups, group{text: current.String(), sep: string(r)})
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		groups = append(groups, group{text: current.String()})
	}
	return groups
}

func joinGroups(groups []group) string {
	var out strings.Builder
	for _, g := range groups {
		out.WriteString(g.text)
		out.WriteString(g.sep)
	}
	return out.String()
}

// DefaultTokenLifetime is how long an issued session token stays valid.
const DefaultTokenLifetime = 60 * time.Minute

// TokenIssuer issues and verifies HMAC-signed session tokens handed to users
// at the ACTIVE transition.
type TokenIssuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer with the given signing secret.
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("token signing secret not set")
	}
	return &TokenIssuer{
		secret:   []byte(secret),
		lifetime: DefaultTokenLifetime,
		now:      time.Now,
	}, nil
}

// Issue signs a session token for the given user.
func (t *TokenIssuer) Issue(userID string) (string, error) {
	now := t.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		slog.Error("TokenIssuer.Issue: signing failed", "error", err)
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	slog.Debug("TokenIssuer.Issue: token issued", "userID", userID)
	return signed, nil
}

// Verify parses a session token and returns the user it was issued for.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid session token")
	}
	return claims.Subject, nil
}
