package autherr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/greyhaven/tenon/pkg/observability"
)

// Options adjust a single HandleError call. The zero value logs the error
// and includes context, matching the common path.
type Options struct {
	SkipLog bool
}

// Service classifies authentication failures and drives recovery. One
// instance is wired at startup; tests create their own.
type Service struct {
	history *History
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHistory sets a custom history store.
func WithHistory(h *History) Option {
	return func(s *Service) { s.history = h }
}

// NewService creates the auth error service.
func NewService(opts ...Option) *Service {
	s := &Service{
		history: NewHistory(defaultHistoryCap),
		logger:  observability.NewLogger(observability.InfoLevel, nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleError classifies any input into an AuthError. It never panics and
// never returns nil.
func (s *Service) HandleError(input interface{}, extra Context, opts Options) (result *AuthError) {
	defer func() {
		if r := recover(); r != nil {
			result = &AuthError{
				Code:      CodeAuthenticationFailed,
				Message:   unknownErrorMessage,
				Context:   extra,
				Timestamp: s.now().UTC(),
			}
			s.record(result, opts)
		}
	}()

	result = s.classify(input, extra)
	s.record(result, opts)
	return result
}

// classify maps an arbitrary input to a typed error.
func (s *Service) classify(input interface{}, extra Context) *AuthError {
	now := s.now().UTC()

	switch v := input.(type) {
	case nil:
		return &AuthError{Code: CodeAuthenticationFailed, Message: unknownErrorMessage, Context: extra, Timestamp: now}

	case *AuthError:
		if v == nil {
			return &AuthError{Code: CodeAuthenticationFailed, Message: unknownErrorMessage, Context: extra, Timestamp: now}
		}
		// Already classified: preserve code and message, enrich context.
		return &AuthError{
			Code:      v.Code,
			Message:   v.Message,
			Context:   v.Context.merge(extra),
			Timestamp: now,
			Cause:     v.Cause,
		}

	case *ProviderError:
		if v == nil {
			return &AuthError{Code: CodeAuthenticationFailed, Message: unknownErrorMessage, Context: extra, Timestamp: now}
		}
		return s.classifyProvider(v, extra, now)

	case error:
		var authErr *AuthError
		if errors.As(v, &authErr) {
			return s.classify(authErr, extra)
		}
		var provErr *ProviderError
		if errors.As(v, &provErr) {
			return s.classifyProvider(provErr, extra, now)
		}
		return &AuthError{
			Code:      classifyMessage(v.Error()),
			Message:   v.Error(),
			Context:   extra,
			Timestamp: now,
			Cause:     v,
		}

	case string:
		if v == "" {
			return &AuthError{Code: CodeAuthenticationFailed, Message: unknownErrorMessage, Context: extra, Timestamp: now}
		}
		return &AuthError{Code: CodeAuthenticationFailed, Message: v, Context: extra, Timestamp: now}

	default:
		return &AuthError{Code: CodeAuthenticationFailed, Message: unknownErrorMessage, Context: extra, Timestamp: now}
	}
}

func (s *Service) classifyProvider(provErr *ProviderError, extra Context, now time.Time) *AuthError {
	code, ok := providerCodeMap[provErr.Code]
	if !ok {
		code = CodeAuthenticationFailed
	}
	message := provErr.Message
	if message == "" {
		message = unknownErrorMessage
	}
	return &AuthError{
		Code:      code,
		Message:   message,
		Context:   extra,
		Timestamp: now,
		Cause:     provErr,
	}
}

// classifyMessage applies the substring rules for generic errors.
func classifyMessage(message string) Code {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "network"):
		return CodeNetworkError
	case strings.Contains(lower, "timeout"):
		return CodeServiceUnavailable
	case strings.Contains(lower, "password"), strings.Contains(lower, "credential"):
		return CodeInvalidCredentials
	default:
		return CodeAuthenticationFailed
	}
}

func (s *Service) record(err *AuthError, opts Options) {
	s.history.Record(err)

	if s.metrics != nil {
		s.metrics.AuthErrorsTotal.WithLabelValues(string(err.Code)).Inc()
	}
	if !opts.SkipLog {
		s.logger.WithFields(map[string]interface{}{
			"code":    string(err.Code),
			"user_id": err.Context.UserID,
			"ip":      err.Context.IPAddress,
		}).Warn(err.Message)
	}
}

// HandleSignInError classifies a sign-in failure.
func (s *Service) HandleSignInError(input interface{}, email, ipAddress, userAgent string) *AuthError {
	return s.handleFlowError(input, "sign_in", Context{
		Email:     email,
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
}

// HandleSignUpError classifies a sign-up failure.
func (s *Service) HandleSignUpError(input interface{}, email, ipAddress string) *AuthError {
	return s.handleFlowError(input, "sign_up", Context{
		Email:     email,
		IPAddress: ipAddress,
	})
}

// HandleVerificationError classifies an email or code verification failure.
func (s *Service) HandleVerificationError(input interface{}, verificationType, userID string) *AuthError {
	return s.handleFlowError(input, "verification", Context{
		UserID: userID,
		Metadata: map[string]interface{}{
			"verification_type": verificationType,
		},
	})
}

// HandleSocialAuthError classifies a social sign-in failure.
func (s *Service) HandleSocialAuthError(input interface{}, provider, ipAddress string) *AuthError {
	return s.handleFlowError(input, "social_auth", Context{
		IPAddress: ipAddress,
		Metadata: map[string]interface{}{
			"provider": provider,
		},
	})
}

func (s *Service) handleFlowError(input interface{}, action string, extra Context) *AuthError {
	if extra.Metadata == nil {
		extra.Metadata = map[string]interface{}{}
	}
	extra.Metadata["action"] = action
	authErr := s.HandleError(input, extra, Options{SkipLog: true})

	s.logger.WithFields(map[string]interface{}{
		"code":   string(authErr.Code),
		"action": action,
	}).Warnf("%s failed", action)
	return authErr
}

// AttemptRecovery runs a scripted recovery action. It never panics outward;
// any failure inside a routine becomes a failure result.
func (s *Service) AttemptRecovery(authErr *AuthError, action Action) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Success: false,
				Action:  action,
				Message: "Recovery attempt failed",
				Err:     fmt.Errorf("recovery routine panicked: %v", r),
			}
			s.finishRecovery(result)
		}
	}()

	if authErr == nil {
		result = Result{Success: false, Action: action, Message: "No error to recover from"}
		s.finishRecovery(result)
		return result
	}

	switch action {
	case ActionRetry:
		result = s.recoverRetry(authErr)
	case ActionResendVerification:
		result = s.recoverResendVerification(authErr)
	case ActionResendCode:
		result = s.recoverResendCode(authErr)
	default:
		result = Result{
			Success: false,
			Action:  action,
			Message: fmt.Sprintf("Recovery action %q is not implemented", action),
		}
	}

	s.finishRecovery(result)
	return result
}

func (s *Service) finishRecovery(result Result) {
	s.history.RecordRecovery(result.Action, result.Success, s.now().UTC())
	if s.metrics != nil {
		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		s.metrics.RecoveryAttemptsTotal.WithLabelValues(string(result.Action), outcome).Inc()
	}
}

func (s *Service) recoverRetry(authErr *AuthError) Result {
	switch authErr.Code {
	case CodeNetworkError, CodeServiceUnavailable, CodeRateLimited:
		return Result{
			Success:  true,
			Action:   ActionRetry,
			Message:  "The operation can be retried",
			NextStep: "retry_operation",
		}
	}
	return Result{
		Success: false,
		Action:  ActionRetry,
		Message: "Retrying will not resolve this error",
	}
}

func (s *Service) recoverResendVerification(authErr *AuthError) Result {
	if authErr.Code != CodeEmailNotVerified && authErr.Code != CodeVerificationExpired {
		return Result{
			Success: false,
			Action:  ActionResendVerification,
			Message: "Verification resend does not apply to this error",
		}
	}
	return Result{
		Success:  true,
		Action:   ActionResendVerification,
		Message:  "A new verification email has been requested",
		NextStep: "check_email",
	}
}

func (s *Service) recoverResendCode(authErr *AuthError) Result {
	if authErr.Code != CodeTwoFactorRequired && authErr.Code != CodeInvalidTwoFactorCode {
		return Result{
			Success: false,
			Action:  ActionResendCode,
			Message: "Code resend does not apply to this error",
		}
	}
	return Result{
		Success:  true,
		Action:   ActionResendCode,
		Message:  "A new code has been requested",
		NextStep: "enter_code",
	}
}

// recoverySuggestions holds per-code suggestion lists.
var recoverySuggestions = map[Code][]string{
	CodeInvalidCredentials: {
		"Double-check your email address and password",
		"Use the password reset link if you forgot your password",
		"Make sure caps lock is off",
	},
	CodeEmailNotVerified: {
		"Check your inbox for the verification email",
		"Look in your spam folder",
		"Request a new verification email",
	},
	CodeAccountLocked: {
		"Wait a few minutes before trying again",
		"Reset your password to unlock the account",
		"Contact support if the account remains locked",
	},
	CodeTwoFactorRequired: {
		"Enter the code from your authenticator app",
		"Request a new code if yours expired",
		"Use a backup code if you lost your device",
	},
	CodeNetworkError: {
		"Check your internet connection",
		"Try again in a few moments",
	},
	CodeServiceUnavailable: {
		"The service is temporarily unavailable",
		"Try again in a few minutes",
	},
}

// genericSuggestions is the fallback for codes without a dedicated list.
var genericSuggestions = []string{
	"Try again in a few moments",
	"Check your internet connection",
	"Clear your browser cache and cookies",
	"Contact support if the problem persists",
}

// RecoverySuggestions returns user-facing remediation steps for an error.
func (s *Service) RecoverySuggestions(authErr *AuthError) []string {
	if authErr == nil {
		return genericSuggestions
	}
	if suggestions, ok := recoverySuggestions[authErr.Code]; ok {
		return suggestions
	}
	return genericSuggestions
}

// ErrorStats summarizes the error history over the trailing window.
// hoursBack <= 0 covers all recorded history.
func (s *Service) ErrorStats(hoursBack int) Stats {
	var cutoff time.Time
	if hoursBack > 0 {
		cutoff = s.now().UTC().Add(-time.Duration(hoursBack) * time.Hour)
	}

	errs := s.history.ErrorsSince(cutoff)
	stats := Stats{
		TotalErrors:         len(errs),
		ErrorsByType:        make(map[Code]int),
		TopErrors:           []TopError{},
		RecoverySuccessRate: s.history.RecoveryRateSince(cutoff),
	}
	for _, e := range errs {
		stats.ErrorsByType[e.Code]++
	}

	for code, count := range stats.ErrorsByType {
		percentage := 0.0
		if stats.TotalErrors > 0 {
			percentage = float64(count) / float64(stats.TotalErrors) * 100
		}
		stats.TopErrors = append(stats.TopErrors, TopError{Code: code, Count: count, Percentage: percentage})
	}
	sort.Slice(stats.TopErrors, func(i, j int) bool {
		if stats.TopErrors[i].Count != stats.TopErrors[j].Count {
			return stats.TopErrors[i].Count > stats.TopErrors[j].Count
		}
		return stats.TopErrors[i].Code < stats.TopErrors[j].Code
	})

	return stats
}

// ClearErrorHistory evicts history older than the window. hoursBack <= 0
// clears everything.
func (s *Service) ClearErrorHistory(hoursBack int) {
	var cutoff time.Time
	if hoursBack > 0 {
		cutoff = s.now().UTC().Add(-time.Duration(hoursBack) * time.Hour)
	}
	s.history.Clear(cutoff)
}
