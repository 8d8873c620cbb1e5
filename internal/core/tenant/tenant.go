// Package tenant provides the TenantID value object for the shared-schema,
// multi-tenant deployment model. Every row in every table carries a tenant_id
// column; there is no per-tenant database or meta-registry to resolve.
package tenant

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidTenantID is returned when a raw tenant identifier fails validation.
var ErrInvalidTenantID = errors.New("invalid tenant id")

// idPattern matches the normalized tenant identifier: a "t_" prefix followed
// by 1-47 lowercase ascii letters, digits or underscores (49 chars at most).
var idPattern = regexp.MustCompile(`^t_[a-z0-9_]{1,47}$`)

// TenantID is a validated, normalized tenant identifier.
type TenantID string

// String returns the underlying string value.
func (t TenantID) String() string { return string(t) }

// Parse normalizes and validates a raw tenant identifier.
//
// Normalization mirrors the resolver used upstream of this service: NFKC
// normalize, trim surrounding whitespace, lowercase, then reject anything
// containing control or format characters before matching idPattern. This
// closes the same homoglyph/control-character spoofing gap CSV-injection
// guards close for idempotency keys.
func Parse(raw string) (TenantID, error) {
	normalized := norm.NFKC.String(raw)
	normalized = strings.TrimSpace(normalized)
	normalized = strings.ToLower(normalized)

	for _, r := range normalized {
		if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) {
			return "", ErrInvalidTenantID
		}
	}

	if !idPattern.MatchString(normalized) {
		return "", ErrInvalidTenantID
	}
	return TenantID(normalized), nil
}

// MustParse panics if raw fails validation. Use only for constants in tests.
func MustParse(raw string) TenantID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

type ctxKey struct{}

// WithTenantID stores the header-resolved tenant id in ctx, ahead of
// authentication, so Auth middleware can cross-check it against the token's
// tenant claim.
func WithTenantID(ctx context.Context, id TenantID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the header-resolved tenant id, or "" if absent.
func FromContext(ctx context.Context) TenantID {
	if v, ok := ctx.Value(ctxKey{}).(TenantID); ok {
		return v
	}
	return ""
}
