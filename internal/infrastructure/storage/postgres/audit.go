package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"validahub-core/internal/core/id"
	"validahub-core/internal/core/tenant"
	"validahub-core/pkg/logger"
)

// SecurityEventKind classifies a recorded security event.
type SecurityEventKind string

const (
	SecurityEventTenantIsolation SecurityEventKind = "tenant_isolation"
	SecurityEventInjection       SecurityEventKind = "injection_attempt"
)

// CompressionAlgo specifies the compression applied to stored details.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// SecurityAuditEntry is one row in the security audit trail: a rejected
// cross-tenant access or a blocked injection attempt, with enough request
// context to investigate later. Detail payloads above the threshold are
// zstd-compressed at rest.
type SecurityAuditEntry struct {
	ID                id.ID             `db:"id"`
	TenantID          string            `db:"tenant_id"`
	Kind              SecurityEventKind `db:"kind"`
	Code              string            `db:"code"`
	UserID            string            `db:"user_id"`
	RequestID         string            `db:"request_id"`
	Details           json.RawMessage   `db:"details"`
	DetailsCompressed []byte            `db:"details_compressed"`
	CompressionAlgo   CompressionAlgo   `db:"compression_algo"`
	CreatedAt         time.Time         `db:"created_at"`
}

// SecurityAuditService writes security audit records. Writes are best-effort
// and never run inside the request's transaction: a rolled-back submission
// must still leave its audit trail.
type SecurityAuditService struct {
	pool              *Pool
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewSecurityAuditService creates a new security audit service.
func NewSecurityAuditService(pool *Pool) (*SecurityAuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &SecurityAuditService{
		pool:              pool,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 10 * 1024,
	}, nil
}

// Record persists one security event. Failures are logged, not propagated;
// audit must never turn a rejected request into a 500.
func (s *SecurityAuditService) Record(ctx context.Context, tenantID tenant.TenantID, kind SecurityEventKind, code, userID, requestID string, details map[string]any) {
	entry := SecurityAuditEntry{
		ID:              id.New(),
		TenantID:        tenantID.String(),
		Kind:            kind,
		Code:            code,
		UserID:          userID,
		RequestID:       requestID,
		CompressionAlgo: CompressionNone,
		CreatedAt:       time.Now().UTC(),
	}

	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			logger.Error(ctx, "marshal security audit details failed", "error", err)
			return
		}
		if len(raw) >= s.compressThreshold {
			entry.DetailsCompressed = s.encoder.EncodeAll(raw, nil)
			entry.CompressionAlgo = CompressionZstd
		} else {
			entry.Details = raw
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO security_audit
			(id, tenant_id, kind, code, user_id, request_id, details, details_compressed, compression_algo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.TenantID, string(entry.Kind), entry.Code, entry.UserID,
		entry.RequestID, entry.Details, entry.DetailsCompressed, string(entry.CompressionAlgo), entry.CreatedAt)
	if err != nil {
		logger.Error(ctx, "write security audit record failed",
			"kind", kind, "code", code, "error", err)
		return
	}

	logger.Warn(ctx, "security event recorded",
		"kind", kind, "code", code, "tenant_id", tenantID, "request_id", requestID)
}

// RecordSecurityEvent implements the middleware's auditor port, classifying
// the event kind from the error code.
func (s *SecurityAuditService) RecordSecurityEvent(ctx context.Context, tenantID tenant.TenantID, code, userID, requestID string, details map[string]any) {
	kind := SecurityEventInjection
	if code == "TENANT_ISOLATION_ERROR" {
		kind = SecurityEventTenantIsolation
	}
	s.Record(ctx, tenantID, kind, code, userID, requestID, details)
}

// Decompress restores a compressed details payload, for the investigation
// tooling that reads the trail back.
func (s *SecurityAuditService) Decompress(entry SecurityAuditEntry) (json.RawMessage, error) {
	switch entry.CompressionAlgo {
	case CompressionNone:
		return entry.Details, nil
	case CompressionZstd:
		raw, err := s.decoder.DecodeAll(entry.DetailsCompressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress audit details: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression algo %q", entry.CompressionAlgo)
	}
}
