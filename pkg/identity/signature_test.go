package identity

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_dGVzdC1zaWduaW5nLWtleQ=="

func newTestVerifier(t *testing.T, at time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	v.now = func() time.Time { return at }
	return v
}

func signedHeaders(v *Verifier, id, timestamp string, payload []byte) http.Header {
	headers := http.Header{}
	headers.Set(HeaderID, id)
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, v.Sign(id, timestamp, payload))
	return headers
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	payload := []byte(`{"type":"user.created","data":{"id":"user-1"}}`)

	headers := signedHeaders(v, "msg-1", intToString(now.Unix()), payload)
	assert.NoError(t, v.Verify(payload, headers))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	payload := []byte(`{"type":"user.created"}`)

	headers := signedHeaders(v, "msg-1", intToString(now.Unix()), payload)
	err := v.Verify([]byte(`{"type":"user.deleted"}`), headers)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	err := v.Verify([]byte("{}"), http.Header{})
	assert.ErrorIs(t, err, ErrMissingHeaders)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	payload := []byte("{}")

	stale := now.Add(-6 * time.Minute).Unix()
	headers := signedHeaders(v, "msg-1", intToString(stale), payload)
	assert.ErrorIs(t, v.Verify(payload, headers), ErrTimestampOutside)

	future := now.Add(6 * time.Minute).Unix()
	headers = signedHeaders(v, "msg-1", intToString(future), payload)
	assert.ErrorIs(t, v.Verify(payload, headers), ErrTimestampOutside)
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	v := newTestVerifier(t, time.Now())
	headers := http.Header{}
	headers.Set(HeaderID, "msg-1")
	headers.Set(HeaderTimestamp, "not-a-number")
	headers.Set(HeaderSignature, "v1,abc")
	assert.ErrorIs(t, v.Verify([]byte("{}"), headers), ErrInvalidTimestamp)
}

func TestVerifyAcceptsAnyMatchingCandidate(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)
	payload := []byte(`{"type":"session.created"}`)
	ts := intToString(now.Unix())

	good := v.Sign("msg-1", ts, payload)
	bogus := "v1," + base64.StdEncoding.EncodeToString([]byte("wrong signature"))
	headers := http.Header{}
	headers.Set(HeaderID, "msg-1")
	headers.Set(HeaderTimestamp, ts)
	headers.Set(HeaderSignature, bogus+" v2,ignored "+good)

	assert.NoError(t, v.Verify(payload, headers))
}

func TestNewVerifierRejectsBadSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.Error(t, err)

	_, err = NewVerifier("whsec_!!!not-base64!!!")
	assert.Error(t, err)
}

func intToString(n int64) string {
	return strconv.FormatInt(n, 10)
}
