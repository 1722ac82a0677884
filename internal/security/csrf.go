package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenValidity is how long an anti-forgery token stays usable
const DefaultTokenValidity = 12 * time.Hour

// CSRFSigner issues and verifies anti-forgery tokens bound to an admin
// session and a named action
type CSRFSigner struct {
	secret   string
	validity time.Duration
	now      func() time.Time
}

// NewCSRFSigner creates a new token signer
func NewCSRFSigner(secret string, validity time.Duration) *CSRFSigner {
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	return &CSRFSigner{
		secret:   secret,
		validity: validity,
		now:      time.Now,
	}
}

// Issue generates a token for a session and action
// Token format: {expires}.{hex hmac}
func (s *CSRFSigner) Issue(sessionID, action string) string {
	expires := s.now().Add(s.validity).Unix()
	return strconv.FormatInt(expires, 10) + "." + s.sign(sessionID, action, expires)
}

// Verify checks a token for a session and action
// Returns nil if valid, error if invalid
func (s *CSRFSigner) Verify(sessionID, action, token string) error {
	if sessionID == "" {
		return fmt.Errorf("no session")
	}

	expiresStr, sig, ok := strings.Cut(token, ".")
	if !ok || sig == "" {
		return fmt.Errorf("malformed token")
	}

	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires value")
	}

	// Check expiry first
	if s.now().Unix() > expires {
		return fmt.Errorf("token expired")
	}

	expected := s.sign(sessionID, action, expires)

	// Constant-time comparison
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return fmt.Errorf("invalid token")
	}

	return nil
}

func (s *CSRFSigner) sign(sessionID, action string, expires int64) string {
	input := fmt.Sprintf("%s:%s:%d", sessionID, action, expires)
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}
