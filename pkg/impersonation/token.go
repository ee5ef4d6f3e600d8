package impersonation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenClaims is the information bound into a session token.
type TokenClaims struct {
	SessionID    string
	ActorUserID  string
	TargetUserID string
	ExpiresAt    time.Time
}

// signer mints and verifies opaque session tokens. The token is a signed
// statement about (session, actor, target, expiry); the stored session
// remains the source of truth, so a stopped session's token is useless
// even before expiry.
type signer struct {
	secret []byte
}

func newSigner(secret string) (*signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("impersonation signing secret is required")
	}
	return &signer{secret: []byte(secret)}, nil
}

func (s *signer) sign(claims TokenClaims) string {
	payload := strings.Join([]string{
		claims.SessionID,
		claims.ActorUserID,
		claims.TargetUserID,
		strconv.FormatInt(claims.ExpiresAt.Unix(), 10),
	}, "|")

	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + s.mac(encoded)
}

func (s *signer) verify(token string) (TokenClaims, error) {
	var claims TokenClaims

	encoded, mac, found := strings.Cut(token, ".")
	if !found {
		return claims, ErrInvalidToken
	}

	if !hmac.Equal([]byte(mac), []byte(s.mac(encoded))) {
		return claims, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return claims, ErrInvalidToken
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 4 {
		return claims, ErrInvalidToken
	}

	expiry, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return claims, ErrInvalidToken
	}

	claims.SessionID = parts[0]
	claims.ActorUserID = parts[1]
	claims.TargetUserID = parts[2]
	claims.ExpiresAt = time.Unix(expiry, 0).UTC()
	return claims, nil
}

func (s *signer) mac(encoded string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
