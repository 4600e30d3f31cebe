package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

const jwksRefreshInterval = 15 * time.Minute

type (
	// Verifier validates bearer tokens against the identity provider's JWKS
	// and extracts the claim set used by access evaluation. The key set is
	// cached and refreshed in the background to absorb key rotation.
	Verifier struct {
		jwksURL  string
		issuer   string
		audience string
		cache    *jwk.Cache
	}

	// VerifierOptions configures the verifier.
	VerifierOptions struct {
		// JWKSURL is the identity provider's JWKS endpoint. Required.
		JWKSURL string
		// Issuer is matched against the token "iss" claim when non-empty.
		Issuer string
		// Audience is matched against the token "aud" claim when non-empty.
		Audience string
	}
)

// NewVerifier builds a verifier and performs the initial JWKS fetch so
// misconfiguration fails at startup rather than on the first request.
func NewVerifier(ctx context.Context, opts VerifierOptions) (*Verifier, error) {
	if opts.JWKSURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(opts.JWKSURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, opts.JWKSURL); err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", opts.JWKSURL, err)
	}
	return &Verifier{
		jwksURL:  opts.JWKSURL,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		cache:    cache,
	}, nil
}

// Verify validates the raw token (signature, expiry, issuer, audience) and
// returns the full decoded claim set.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return nil, gwerrors.New(gwerrors.KindUnauthorized, "missing bearer token")
	}
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "jwks unavailable", err)
	}
	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.Parse([]byte(raw), parseOpts...)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUnauthorized, "invalid token", err)
	}
	claims := Claims{}
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		if key, ok := pair.Key.(string); ok {
			claims[key] = pair.Value
		}
	}
	if claims.Subject() == "" {
		claims["sub"] = token.Subject()
	}
	return claims, nil
}
