package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature is an expiring HMAC over a resource identifier, used to
// authenticate WebSocket sessions without a shared session store.
type Signature struct {
	Signature string `json:"signature"`
	Expires   int64  `json:"expires"`
}

// CreateExpiringSignature signs resourceID with the tenant signing key. The
// signature is valid until now+validity.
func CreateExpiringSignature(key, resourceID string, now time.Time, validity time.Duration) Signature {
	expires := now.Add(validity).UnixMilli()
	return Signature{
		Signature: sign(key, resourceID, expires),
		Expires:   expires,
	}
}

// VerifyExpiringSignature checks sig against resourceID and the tenant
// signing key, rejecting expired or forged signatures.
func VerifyExpiringSignature(key, resourceID string, sig Signature, now time.Time) bool {
	if sig.Expires <= now.UnixMilli() {
		return false
	}
	expected := sign(key, resourceID, sig.Expires)
	return hmac.Equal([]byte(expected), []byte(sig.Signature))
}

// Token renders the signature as the opaque `{expires}:{signature}` string
// handed to clients that present it back as a subscription token.
func (s Signature) Token() string {
	return fmt.Sprintf("%d:%s", s.Expires, s.Signature)
}

// ParseToken parses a token produced by Token.
func ParseToken(token string) (Signature, error) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 {
		return Signature{}, fmt.Errorf("malformed signature token")
	}
	expires, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("malformed signature token expiry")
	}
	return Signature{Signature: token[idx+1:], Expires: expires}, nil
}

func sign(key, resourceID string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(key))
	fmt.Fprintf(mac, "%s:%d", resourceID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
