// Package job holds the job aggregate submitted by sellers against
// marketplace channels: its value objects, state machine and domain events.
// Construction functions are the only way to obtain instances; anything that
// passed them is valid.
package job

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"validahub-core/internal/core/apperror"
)

// Type is the kind of processing a job requests.
type Type string

const (
	TypeValidation Type = "validation"
	TypeCorrection Type = "correction"
	TypeEnrichment Type = "enrichment"
)

// ParseType validates a raw job type.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeValidation:
		return TypeValidation, nil
	case TypeCorrection:
		return TypeCorrection, nil
	case TypeEnrichment:
		return TypeEnrichment, nil
	}
	return "", apperror.NewValidation("unknown job type").
		WithDetail("allowed", []string{"validation", "correction", "enrichment"})
}

var sellerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// SellerID identifies the seller account a job belongs to within a tenant.
type SellerID string

// ParseSellerID validates a raw seller identifier.
func ParseSellerID(raw string) (SellerID, error) {
	raw = strings.TrimSpace(raw)
	if !sellerIDPattern.MatchString(raw) {
		return "", apperror.NewValidation("invalid seller id").
			WithDetail("field", "seller_id")
	}
	return SellerID(raw), nil
}

func (s SellerID) String() string { return string(s) }

var channelPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,49}$`)

// Channel is the normalized marketplace channel name ("meli", "amazon", ...).
type Channel string

// ParseChannel lowercases and validates a raw channel name.
func ParseChannel(raw string) (Channel, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !channelPattern.MatchString(normalized) {
		return "", apperror.NewValidation("invalid channel").
			WithDetail("field", "channel")
	}
	return Channel(normalized), nil
}

func (c Channel) String() string { return string(c) }

var rulesProfilePattern = regexp.MustCompile(`^[a-z_]+@\d+\.\d+\.\d+$`)

// RulesProfileID pins the rule-pack version a job is processed with, in the
// form channel@MAJOR.MINOR.PATCH.
type RulesProfileID string

// ParseRulesProfileID validates a raw rules profile reference.
func ParseRulesProfileID(raw string) (RulesProfileID, error) {
	raw = strings.TrimSpace(raw)
	if !rulesProfilePattern.MatchString(raw) {
		return "", apperror.NewValidation("invalid rules profile id").
			WithDetail("field", "rules_profile_id").
			WithDetail("expected_format", "channel@MAJOR.MINOR.PATCH")
	}
	return RulesProfileID(raw), nil
}

func (r RulesProfileID) String() string { return string(r) }

// Channel returns the channel part before the '@'.
func (r RulesProfileID) Channel() string {
	if i := strings.IndexByte(string(r), '@'); i > 0 {
		return string(r)[:i]
	}
	return string(r)
}

// allowedFileSchemes are the URL schemes a file reference may use.
var allowedFileSchemes = map[string]bool{
	"s3": true, "gs": true, "https": true, "http": true,
}

// blockedFileExtensions are executable or archive extensions that are never
// accepted as job input, regardless of where the file lives.
var blockedFileExtensions = map[string]bool{
	".exe": true, ".zip": true, ".bat": true, ".cmd": true,
	".sh": true, ".dll": true, ".com": true, ".scr": true,
}

// FileReference is a validated URL pointing at the input file for a job.
type FileReference struct {
	raw    string
	parsed *url.URL
}

// ParseFileReference validates scheme, rejects path traversal and dangerous
// extensions. The error never echoes the raw value; a hostile reference must
// not propagate into logs or responses.
func ParseFileReference(raw string) (FileReference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 2048 {
		return FileReference{}, apperror.NewValidation("invalid file reference").
			WithDetail("field", "file_ref")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return FileReference{}, apperror.NewValidation("invalid file reference").
			WithDetail("field", "file_ref")
	}
	if !allowedFileSchemes[u.Scheme] {
		return FileReference{}, apperror.NewValidation("unsupported file reference scheme").
			WithDetail("field", "file_ref")
	}
	if strings.Contains(u.Path, "..") || strings.Contains(raw, "\\") {
		return FileReference{}, apperror.NewSecurityViolation("path traversal in file reference")
	}
	if ext := strings.ToLower(path.Ext(u.Path)); blockedFileExtensions[ext] {
		return FileReference{}, apperror.NewSecurityViolation("dangerous file extension")
	}

	return FileReference{raw: raw, parsed: u}, nil
}

func (f FileReference) String() string { return f.raw }

// IsZero reports whether f was never parsed.
func (f FileReference) IsZero() bool { return f.raw == "" }

// Scheme returns the URL scheme ("s3", "https", ...).
func (f FileReference) Scheme() string {
	if f.parsed == nil {
		return ""
	}
	return f.parsed.Scheme
}

// Host returns the URL host.
func (f FileReference) Host() string {
	if f.parsed == nil {
		return ""
	}
	return f.parsed.Host
}

// Bucket returns the bucket name for object-store URLs: the host for
// s3://bucket/key, the first path segment for https virtual-path style.
func (f FileReference) Bucket() string {
	if f.parsed == nil {
		return ""
	}
	if f.parsed.Scheme == "s3" || f.parsed.Scheme == "gs" {
		return f.parsed.Host
	}
	trimmed := strings.TrimPrefix(f.parsed.Path, "/")
	if i := strings.IndexByte(trimmed, '/'); i > 0 {
		return trimmed[:i]
	}
	return trimmed
}

// Key returns the object key (path without leading slash).
func (f FileReference) Key() string {
	if f.parsed == nil {
		return ""
	}
	return strings.TrimPrefix(f.parsed.Path, "/")
}

// Counters tracks processing progress for a job.
type Counters struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Warnings  int `json:"warnings"`
}

// Validate enforces the counter invariants: non-negative, processed within
// total, errors+warnings within processed.
func (c Counters) Validate() error {
	if c.Total < 0 || c.Processed < 0 || c.Errors < 0 || c.Warnings < 0 {
		return apperror.NewValidation("counters must be non-negative")
	}
	if c.Processed > c.Total {
		return apperror.NewValidation("processed exceeds total").
			WithDetail("processed", c.Processed).
			WithDetail("total", c.Total)
	}
	if c.Errors+c.Warnings > c.Processed {
		return apperror.NewValidation("errors and warnings exceed processed").
			WithDetail("errors", c.Errors).
			WithDetail("warnings", c.Warnings).
			WithDetail("processed", c.Processed)
	}
	return nil
}
