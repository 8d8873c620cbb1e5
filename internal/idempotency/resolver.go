// Package idempotency resolves and validates the idempotency keys clients
// send on mutating job-intake requests, and stores the first response seen
// for each key so retried requests replay it instead of re-running the
// operation.
package idempotency

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"validahub-core/internal/core/apperror"
	"validahub-core/internal/core/tenant"
)

// CompatMode controls how a client-supplied key that doesn't match the
// secure key pattern is handled.
type CompatMode int

const (
	// CompatCanonicalize rewrites a legacy-formatted key into a derived
	// secure key, so older integrations keep working.
	CompatCanonicalize CompatMode = iota
	// CompatReject refuses any key that isn't already in the secure format.
	CompatReject
)

// secureKeyPattern is the key format accepted without canonicalization.
var secureKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// legacyIndicators are characters that never appear in a secure key, used
// as a fast pre-check before running the regexp.
var legacyIndicators = ".: <>[]{}|\\"

// csvFormulaChars are leading characters that a spreadsheet (Excel, Sheets)
// would interpret as the start of a formula if the key is ever exported to
// CSV. A canonicalized key is prefixed with a safe letter if it starts with
// one of these.
var csvFormulaChars = "=+-@"

// Resolve derives the stored idempotency key for a request. If rawKey is
// empty, a fresh random key is generated and scoped to the tenant and route.
// If rawKey is supplied and, once trimmed, already secure, it is returned
// unchanged (fast path, no tenant or route scoping). If rawKey is
// legacy-formatted, it is canonicalized with tenant and route scoping (or
// rejected, depending on mode).
func Resolve(rawKey string, tenantID tenant.TenantID, method, routeTemplate string, mode CompatMode) (string, error) {
	scopeHash := scopeHash(method, routeTemplate)

	if rawKey == "" {
		generated := generateKSUIDLike()
		hashInput := fmt.Sprintf("%s:%s:%s", tenantID, scopeHash, generated)
		return ensureSafeFirstChar(canonicalize(hashInput)), nil
	}

	rawKey = strings.TrimSpace(rawKey)
	if isSecure(rawKey) {
		return rawKey, nil
	}

	if mode == CompatReject {
		// The message deliberately never includes the rejected key.
		return "", apperror.NewValidation("Invalid idempotency key format")
	}

	canonicalInput := fmt.Sprintf("%s:%s:%s", tenantID, scopeHash, rawKey)
	return ensureSafeFirstChar(canonicalize(canonicalInput)), nil
}

// Validate checks that a resolved key (already through Resolve) still meets
// the secure key contract. Defense-in-depth for keys read back from storage.
func Validate(key string) error {
	if len(key) < 16 || len(key) > 128 {
		return apperror.NewSecurityViolation("idempotency key length out of bounds")
	}
	if strings.ContainsAny(key[:1], csvFormulaChars) {
		return apperror.NewSecurityViolation("idempotency key starts with an unsafe character")
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(key) {
		return apperror.NewSecurityViolation("idempotency key contains disallowed characters")
	}
	return nil
}

func isSecure(key string) bool {
	if len(key) < 16 {
		return false
	}
	if strings.ContainsAny(key, legacyIndicators) {
		return false
	}
	if !secureKeyPattern.MatchString(key) {
		return false
	}
	return !strings.ContainsAny(key[:1], csvFormulaChars)
}

// canonicalize hashes input with SHA-256, takes the first 16 bytes, and
// base64url-encodes them without padding, producing a ~22 character key.
func canonicalize(input string) string {
	sum := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

func ensureSafeFirstChar(key string) string {
	if key == "" {
		return key
	}
	if strings.ContainsAny(key[:1], csvFormulaChars) {
		return "k" + key
	}
	return key
}

// scopeHash binds a canonicalized key to the specific method+route it was
// issued for, so the same raw key reused against a different endpoint
// resolves to a different stored key.
func scopeHash(method, routeTemplate string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(method) + ":" + routeTemplate))
	return fmt.Sprintf("%x", sum)[:8]
}

// generateKSUIDLike produces a 20-byte random token, base32-encoded without
// padding and lowercased, used when the client supplies no idempotency key.
func generateKSUIDLike() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic("idempotency: failed to read random bytes: " + err.Error())
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToLower(encoded)
}
