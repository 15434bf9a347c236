package evidence

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxLinkTTL caps download link lifetime.
const MaxLinkTTL = 15 * time.Minute

var (
	// ErrSignerNotConfigured is returned when no signing key is set. Links
	// fail closed rather than going out unsigned.
	ErrSignerNotConfigured = errors.New("evidence: signing key not configured")

	// ErrLinkExpired is returned for links past their expiry.
	ErrLinkExpired = errors.New("evidence: link expired")

	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("evidence: bad signature")
)

// Signer issues and verifies time-limited download tokens for evidence
// objects. Tokens bind bucket, key and expiry; they carry no object data.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a signer from a shared secret key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key, now: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns the unix expiry and signature for one object. TTLs above
// MaxLinkTTL are clamped, non-positive TTLs are rejected.
func (s *Signer) Sign(bucket, key string, ttl time.Duration) (expires int64, signature string, err error) {
	if len(s.key) == 0 {
		return 0, "", ErrSignerNotConfigured
	}
	if ttl <= 0 {
		return 0, "", fmt.Errorf("evidence: non-positive link ttl %v", ttl)
	}
	if ttl > MaxLinkTTL {
		ttl = MaxLinkTTL
	}
	expires = s.now().Add(ttl).Unix()
	return expires, s.compute(bucket, key, expires), nil
}

// Verify checks a signature against the bucket, key and expiry it claims.
func (s *Signer) Verify(bucket, key string, expires int64, signature string) error {
	if len(s.key) == 0 {
		return ErrSignerNotConfigured
	}
	want := s.compute(bucket, key, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrLinkExpired
	}
	return nil
}

func (s *Signer) compute(bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(bucket))
	mac.Write([]byte{0})
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
