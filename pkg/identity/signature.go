// Package identity is the boundary between the identity provider's webhook
// feed and the rest of the system. Payloads are authenticated before any
// core service is invoked; recognized events fan out to audit logging and
// membership mutations, and everything else is recorded as unhandled.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers used by the identity provider.
const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

// secretPrefix marks a base64-encoded signing secret.
const secretPrefix = "whsec_"

// timestampTolerance bounds the accepted clock skew between the provider
// and this service.
const timestampTolerance = 5 * time.Minute

// Verification failures. All of them map to an unauthorized response.
var (
	ErrMissingHeaders    = errors.New("missing webhook signature headers")
	ErrInvalidTimestamp  = errors.New("invalid webhook timestamp")
	ErrTimestampOutside  = errors.New("webhook timestamp outside tolerance")
	ErrSignatureMismatch = errors.New("webhook signature mismatch")
)

// Verifier authenticates webhook payloads with the provider's shared
// signing secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier decodes the signing secret. Secrets are issued with a
// whsec_ prefix followed by the base64 key.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook signing secret is required")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook signing secret: %w", err)
	}
	return &Verifier{secret: key, now: time.Now}, nil
}

// Verify checks the payload against the signature headers. The signed
// content is "id.timestamp.payload"; the signature header carries one or
// more space-separated "v1,<base64>" candidates and any match passes.
func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	id := headers.Get(HeaderID)
	timestamp := headers.Get(HeaderTimestamp)
	signatures := headers.Get(HeaderSignature)
	if id == "" || timestamp == "" || signatures == "" {
		return ErrMissingHeaders
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	sent := time.Unix(unix, 0)
	if d := v.now().Sub(sent); d > timestampTolerance || d < -timestampTolerance {
		return ErrTimestampOutside
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range strings.Fields(signatures) {
		parts := strings.SplitN(candidate, ",", 2)
		if len(parts) != 2 || parts[0] != "v1" {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign produces the v1 signature value for a payload. Used by tests and
// the local event replayer.
func (v *Verifier) Sign(id, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%s.", id, timestamp)
	mac.Write(payload)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
