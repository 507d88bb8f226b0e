// Package signing issues and verifies HMAC-signed, expiring download links for
// split report PDFs.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names carried by a signed link.
const (
	ParamExpires   = "expires"
	ParamSignature = "sig"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer whose links stay valid for ttl.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// Sign returns the hex signature for a resource and expiry.
func (s *Signer) Sign(resource string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(fmt.Sprintf("%s:%d", resource, expiresUnix)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignURL appends expiry and signature query parameters to path. The
// resource is the value the server will verify against, normally the
// report kind and filename.
func (s *Signer) SignURL(path, resource string) (string, time.Time) {
	exp := s.now().Add(s.ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set(ParamExpires, strconv.FormatInt(exp.Unix(), 10))
	q.Set(ParamSignature, s.Sign(resource, exp.Unix()))
	return path + "?" + q.Encode(), exp
}

// Validate checks the signature and that the link has not expired.
func (s *Signer) Validate(resource, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > exp {
		return false
	}
	expected := s.Sign(resource, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
