package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for free-text fields supplied by operators.
const (
	MaxBarcodeLen = 128
	MaxNameLen    = 255
	MaxNotesLen   = 4 * 1024
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeQuarantined   = "QUARANTINED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateToolRequest is the request body for POST /v1/tools.
type CreateToolRequest struct {
	Barcode  string `json:"barcode"`
	Name     string `json:"name"`
	IsP2Tool bool   `json:"is_p2_tool"`
}

// Validate checks required fields and length limits.
func (r CreateToolRequest) Validate() error {
	if strings.TrimSpace(r.Barcode) == "" {
		return fmt.Errorf("barcode is required")
	}
	if len(r.Barcode) > MaxBarcodeLen {
		return fmt.Errorf("barcode must be at most %d characters", MaxBarcodeLen)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(r.Name) > MaxNameLen {
		return fmt.Errorf("name must be at most %d characters", MaxNameLen)
	}
	return nil
}

// StartCycleRequest is the request body for POST /v1/cycles.
type StartCycleRequest struct {
	ToolIDs []uuid.UUID `json:"tool_ids"`
}

// ScanToolRequest is the request body for POST /v1/cycles/active/tools.
type ScanToolRequest struct {
	ToolID uuid.UUID `json:"tool_id"`
}

// FailPhaseRequest is the request body for POST /v1/phases/{phase}/fail.
type FailPhaseRequest struct {
	Reason string `json:"reason"`
}

// MoveToolsRequest is the request body for POST /v1/phases/{phase}/move.
// Override skips the CI confirmation when the facility allows overrides.
type MoveToolsRequest struct {
	Override bool   `json:"override"`
	Reason   string `json:"reason,omitempty"`
}

// CreateBatchRequest is the request body for POST /v1/batches.
type CreateBatchRequest struct {
	NewLoad bool `json:"new_load"`
}

// BatchToolRequest is the request body for POST /v1/batches/{id}/tools.
type BatchToolRequest struct {
	ToolID uuid.UUID `json:"tool_id"`
}

// UpdateBatchStatusRequest is the request body for POST /v1/batches/{id}/status.
type UpdateBatchStatusRequest struct {
	Status BatchStatus `json:"status"`
	Notes  string      `json:"notes,omitempty"`
}

// Validate checks that the package fields fit the storage limits.
func (p PackageInfo) Validate() error {
	if len(p.PackageType) > MaxNameLen || len(p.PackageSize) > MaxNameLen {
		return fmt.Errorf("package_type and package_size must be at most %d characters", MaxNameLen)
	}
	if len(p.Notes) > MaxNotesLen {
		return fmt.Errorf("notes must be at most %d bytes", MaxNotesLen)
	}
	return nil
}

// UpdateSettingsRequest is the request body for PUT /v1/compliance/settings.
// Nil fields are left unchanged.
type UpdateSettingsRequest struct {
	EnforceCI       *bool   `json:"enforce_ci,omitempty"`
	EnforceBI       *bool   `json:"enforce_bi,omitempty"`
	AllowOverrides  *bool   `json:"allow_overrides,omitempty"`
	BatchCodePrefix *string `json:"batch_code_prefix,omitempty"`
}

// Apply merges the non-nil fields into s.
func (r UpdateSettingsRequest) Apply(s ComplianceSettings) (ComplianceSettings, error) {
	if r.EnforceCI != nil {
		s.EnforceCI = *r.EnforceCI
	}
	if r.EnforceBI != nil {
		s.EnforceBI = *r.EnforceBI
	}
	if r.AllowOverrides != nil {
		s.AllowOverrides = *r.AllowOverrides
	}
	if r.BatchCodePrefix != nil {
		p := strings.ToUpper(strings.TrimSpace(*r.BatchCodePrefix))
		if err := ValidateBatchCodePrefix(p); err != nil {
			return s, err
		}
		s.BatchCodePrefix = p
	}
	return s, nil
}

// ValidateBatchCodePrefix accepts 1-8 uppercase letters or digits.
func ValidateBatchCodePrefix(p string) error {
	if len(p) == 0 || len(p) > 8 {
		return fmt.Errorf("batch_code_prefix must be 1-8 characters")
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("batch_code_prefix contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ActivateIncidentRequest is the request body for POST /v1/incidents.
type ActivateIncidentRequest struct {
	AffectedToolsCount int         `json:"affected_tools_count"`
	AffectedBatchIDs   []uuid.UUID `json:"affected_batch_ids"`
}

// ResolveIncidentRequest is the request body for POST /v1/incidents/active/resolve.
type ResolveIncidentRequest struct {
	QuarantineHandled   bool   `json:"quarantine_handled"`
	ResterilizationDone bool   `json:"resterilization_done"`
	BIRetestPassed      bool   `json:"bi_retest_passed"`
	Notes               string `json:"notes,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	OperatorID string `json:"operator_id"`
	APIKey     string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOperatorRequest is the request body for POST /v1/operators.
type CreateOperatorRequest struct {
	OperatorID string       `json:"operator_id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
}

// CreateOperatorResponse carries the raw API key, shown only once.
type CreateOperatorResponse struct {
	Operator Operator `json:"operator"`
	APIKey   string   `json:"api_key"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Storage   string `json:"storage"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
