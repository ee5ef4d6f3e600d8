package keyset

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoverJWKSURL resolves the issuer's signing-key endpoint from its OIDC
// provider metadata. Deployments that configure a JWKS URL directly skip
// discovery entirely.
func DiscoverJWKSURL(ctx context.Context, issuerURL string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return "", fmt.Errorf("failed to discover issuer %s: %w", issuerURL, err)
	}

	var metadata struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&metadata); err != nil {
		return "", fmt.Errorf("failed to read issuer metadata: %w", err)
	}
	if metadata.JWKSURL == "" {
		return "", fmt.Errorf("issuer %s metadata does not advertise jwks_uri", issuerURL)
	}

	return metadata.JWKSURL, nil
}
