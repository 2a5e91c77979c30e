package autherr

import (
	"sync"
	"time"
)

const defaultHistoryCap = 100

// History is a bounded in-memory record of classified errors and recovery
// outcomes. Errors are keyed by (code, user-or-ip); each key holds at most
// capacity entries, oldest evicted first. Nothing survives process restart.
type History struct {
	mu       sync.Mutex
	capacity int
	errors   map[string][]*AuthError
	attempts []recoveryAttempt
}

type recoveryAttempt struct {
	action  Action
	success bool
	at      time.Time
}

// NewHistory creates a history store. capacity <= 0 uses the default of
// 100 entries per key.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{
		capacity: capacity,
		errors:   map[string][]*AuthError{},
	}
}

func historyKey(err *AuthError) string {
	subject := err.Context.UserID
	if subject == "" {
		subject = err.Context.IPAddress
	}
	if subject == "" {
		subject = "unknown"
	}
	return string(err.Code) + ":" + subject
}

// Record appends an error to its key's list, evicting the oldest entry when
// the cap is reached.
func (h *History) Record(err *AuthError) {
	key := historyKey(err)
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.errors[key], err)
	if len(entries) > h.capacity {
		entries = entries[len(entries)-h.capacity:]
	}
	h.errors[key] = entries
}

// RecordRecovery tracks a recovery attempt outcome.
func (h *History) RecordRecovery(action Action, success bool, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, recoveryAttempt{action: action, success: success, at: at})
}

// ErrorsSince returns all recorded errors at or after the cutoff. A zero
// cutoff returns everything.
func (h *History) ErrorsSince(cutoff time.Time) []*AuthError {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*AuthError, 0)
	for _, entries := range h.errors {
		for _, e := range entries {
			if cutoff.IsZero() || !e.Timestamp.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out
}

// RecoveryRateSince computes the fraction of successful recovery attempts
// at or after the cutoff. No attempts yields 0.
func (h *History) RecoveryRateSince(cutoff time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	total, succeeded := 0, 0
	for _, a := range h.attempts {
		if !cutoff.IsZero() && a.at.Before(cutoff) {
			continue
		}
		total++
		if a.success {
			succeeded++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(succeeded) / float64(total)
}

// Clear evicts errors and recovery attempts older than the cutoff. A zero
// cutoff clears everything.
func (h *History) Clear(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cutoff.IsZero() {
		h.errors = map[string][]*AuthError{}
		h.attempts = nil
		return
	}

	for key, entries := range h.errors {
		kept := entries[:0]
		for _, e := range entries {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(h.errors, key)
		} else {
			h.errors[key] = kept
		}
	}

	keptAttempts := h.attempts[:0]
	for _, a := range h.attempts {
		if !a.at.Before(cutoff) {
			keptAttempts = append(keptAttempts, a)
		}
	}
	h.attempts = keptAttempts
}

// Len reports how many errors are currently held for a key. Used by tests.
func (h *History) Len(code Code, subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errors[string(code)+":"+subject])
}
