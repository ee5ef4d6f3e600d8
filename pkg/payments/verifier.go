package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/praxislabs/identity-core/pkg/config"
)

var (
	// ErrUnknownProvider means no secret is configured for the provider.
	ErrUnknownProvider = errors.New("unknown webhook provider")

	// ErrInvalidSignature means the signature header failed verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrStaleTimestamp means the signed timestamp is outside the
	// tolerance window.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// Verifier checks webhook signatures per provider.
//
// The expected header format is "t=<unix>,sha256=<hex>", where the MAC is
// HMAC-SHA256 over "<unix>.<body>" with the provider's shared secret.
type Verifier struct {
	secrets   map[string]string
	tolerance time.Duration

	now func() time.Time
}

// NewVerifier builds a verifier from webhook configuration.
func NewVerifier(cfg config.WebhookConfig) *Verifier {
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secrets: cfg.Secrets, tolerance: tolerance, now: time.Now}
}

// Verify validates the signature header for the raw request body.
func (v *Verifier) Verify(provider string, body []byte, header string) error {
	secret, ok := v.secrets[provider]
	if !ok {
		return ErrUnknownProvider
	}

	timestamp, mac, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(timestamp, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrStaleTimestamp
	}

	expected := Sign(body, secret, timestamp)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature value for a body at a timestamp. Exposed
// for tests and for outbound signing in provider simulators.
func Sign(body []byte, secret string, timestamp int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", timestamp)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureHeader renders the full header value for a signed body.
func SignatureHeader(body []byte, secret string, timestamp int64) string {
	return fmt.Sprintf("t=%d,sha256=%s", timestamp, Sign(body, secret, timestamp))
}

func parseSignatureHeader(header string) (int64, string, error) {
	var timestamp int64
	var mac string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", ErrInvalidSignature
			}
			timestamp = parsed
		case "sha256":
			mac = value
		}
	}

	if timestamp == 0 || mac == "" {
		return 0, "", ErrInvalidSignature
	}
	return timestamp, mac, nil
}
