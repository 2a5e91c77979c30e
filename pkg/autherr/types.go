// Package autherr normalizes heterogeneous authentication failures into a
// closed error taxonomy, keeps a bounded in-memory error history for
// statistics, and offers scripted recovery actions with human-readable
// suggestions. HandleError and AttemptRecovery are total: they always
// return a result and never panic outward.
package autherr

import (
	"fmt"
	"time"
)

// Code classifies an authentication failure.
type Code string

const (
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeEmailNotVerified     Code = "EMAIL_NOT_VERIFIED"
	CodeAccountLocked        Code = "ACCOUNT_LOCKED"
	CodeTwoFactorRequired    Code = "TWO_FACTOR_REQUIRED"
	CodeInvalidTwoFactorCode Code = "INVALID_TWO_FACTOR_CODE"
	CodeEmailAlreadyExists   Code = "EMAIL_ALREADY_EXISTS"
	CodeWeakPassword         Code = "WEAK_PASSWORD"
	CodeSessionExpired       Code = "SESSION_EXPIRED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeVerificationExpired  Code = "VERIFICATION_EXPIRED"
	CodeVerificationFailed   Code = "VERIFICATION_FAILED"
	CodeNetworkError         Code = "NETWORK_ERROR"
	CodeServiceUnavailable   Code = "SERVICE_UNAVAILABLE"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
)

// unknownErrorMessage is the fixed message for inputs that carry no usable
// error information.
const unknownErrorMessage = "An unknown authentication error occurred"

// Context carries request-scoped details attached to a classified error.
type Context struct {
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// merge overlays non-empty fields of other onto a copy of c.
func (c Context) merge(other Context) Context {
	out := c
	if other.UserID != "" {
		out.UserID = other.UserID
	}
	if other.Email != "" {
		out.Email = other.Email
	}
	if other.SessionID != "" {
		out.SessionID = other.SessionID
	}
	if other.IPAddress != "" {
		out.IPAddress = other.IPAddress
	}
	if other.UserAgent != "" {
		out.UserAgent = other.UserAgent
	}
	if len(other.Metadata) > 0 {
		merged := make(map[string]interface{}, len(c.Metadata)+len(other.Metadata))
		for k, v := range c.Metadata {
			merged[k] = v
		}
		for k, v := range other.Metadata {
			merged[k] = v
		}
		out.Metadata = merged
	}
	return out
}

// AuthError is a classified authentication failure.
type AuthError struct {
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	Context   Context   `json:"context"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// ProviderError is the error shape returned by the identity provider API.
type ProviderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// providerCodeMap translates identity-provider error codes into the local
// taxonomy.
var providerCodeMap = map[string]Code{
	"form_identifier_not_found":      CodeInvalidCredentials,
	"form_password_incorrect":        CodeInvalidCredentials,
	"form_identifier_exists":         CodeEmailAlreadyExists,
	"identification_claimed":         CodeEmailAlreadyExists,
	"form_password_pwned":            CodeWeakPassword,
	"form_password_length_too_short": CodeWeakPassword,
	"verification_expired":           CodeVerificationExpired,
	"verification_failed":            CodeVerificationFailed,
	"form_code_incorrect":            CodeInvalidTwoFactorCode,
	"user_locked":                    CodeAccountLocked,
	"session_token_expired":          CodeSessionExpired,
	"too_many_requests":              CodeRateLimited,
}

// Action is a scripted remediation step offered after a failure.
type Action string

const (
	ActionRetry              Action = "retry"
	ActionResendVerification Action = "resend-verification"
	ActionResendCode         Action = "resend-code"
	ActionResetPassword      Action = "reset-password"
	ActionContactSupport     Action = "contact-support"
)

// Result is the outcome of a recovery attempt. AttemptRecovery always
// returns one, even when the recovery routine itself fails.
type Result struct {
	Success  bool   `json:"success"`
	Action   Action `json:"recovery_action"`
	Message  string `json:"message"`
	NextStep string `json:"next_step,omitempty"`
	Err      error  `json:"-"`
}

// TopError is one row of the error leaderboard in Stats.
type TopError struct {
	Code       Code    `json:"code"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Stats summarizes the error history over a trailing window.
type Stats struct {
	TotalErrors         int          `json:"total_errors"`
	ErrorsByType        map[Code]int `json:"errors_by_type"`
	TopErrors           []TopError   `json:"top_errors"`
	RecoverySuccessRate float64      `json:"recovery_success_rate"`
}
