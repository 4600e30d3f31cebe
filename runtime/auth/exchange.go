package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/gwerrors"
)

// RFC 8693 token exchange constants.
const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
)

const (
	exchangeMaxAttempts = 3
	exchangeBaseDelay   = 200 * time.Millisecond
)

type (
	// Exchanger trades a caller's token for one scoped to an upstream audience
	// while preserving subject identity. Exchanged tokens are cached per
	// (subject, audience) with a TTL bounded by the token's own expiry, and
	// concurrent requests for the same key share a single in-flight exchange.
	Exchanger struct {
		endpoint     string
		clientID     string
		clientSecret string
		httpClient   *http.Client
		defaultTTL   time.Duration

		mu       sync.Mutex
		cache    map[string]cachedToken
		inflight map[string]*exchangeCall
	}

	// ExchangerOptions configures the token exchange client.
	ExchangerOptions struct {
		// Endpoint is the identity provider token endpoint. Required.
		Endpoint string
		// ClientID authenticates the gateway to the token endpoint.
		ClientID string
		// ClientSecret authenticates the gateway to the token endpoint.
		ClientSecret string
		// HTTPClient overrides the default HTTP client.
		HTTPClient *http.Client
		// DefaultTTL caps cache entries when the exchanged token carries no
		// usable expiry. Defaults to 5 minutes.
		DefaultTTL time.Duration
	}

	cachedToken struct {
		token     string
		expiresAt time.Time
	}

	exchangeCall struct {
		done  chan struct{}
		token string
		err   error
	}

	exchangeResponse struct {
		AccessToken     string `json:"access_token"`
		IssuedTokenType string `json:"issued_token_type"`
		TokenType       string `json:"token_type"`
		ExpiresIn       int64  `json:"expires_in"`
		Scope           string `json:"scope"`
	}
)

// NewExchanger builds a token exchange client.
func NewExchanger(opts ExchangerOptions) (*Exchanger, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Exchanger{
		endpoint:     opts.Endpoint,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   httpClient,
		defaultTTL:   ttl,
		cache:        make(map[string]cachedToken),
		inflight:     make(map[string]*exchangeCall),
	}, nil
}

// Exchange returns a token scoped to audience on behalf of the caller. The
// subject is used only as the cache key; the provider derives identity from
// subjectToken itself.
func (e *Exchanger) Exchange(ctx context.Context, subject, subjectToken, audience string, requestedScopes []string) (string, error) {
	if subjectToken == "" {
		return "", gwerrors.New(gwerrors.KindUnauthorized, "subject token is required")
	}
	if audience == "" {
		return "", gwerrors.New(gwerrors.KindValidation, "audience is required")
	}
	key := subject + "|" + audience

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.token, nil
	}
	if call, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &exchangeCall{done: make(chan struct{})}
	e.inflight[key] = call
	e.mu.Unlock()

	token, ttl, err := e.exchangeWithRetry(ctx, subjectToken, audience, requestedScopes)

	e.mu.Lock()
	delete(e.inflight, key)
	if err == nil {
		e.cache[key] = cachedToken{token: token, expiresAt: time.Now().Add(ttl)}
	}
	e.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

// Invalidate drops the cached token for (subject, audience). Callers use this
// after an upstream 401 so the next dispatch re-exchanges.
func (e *Exchanger) Invalidate(subject, audience string) {
	e.mu.Lock()
	delete(e.cache, subject+"|"+audience)
	e.mu.Unlock()
}

func (e *Exchanger) exchangeWithRetry(ctx context.Context, subjectToken, audience string, scopes []string) (string, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt < exchangeMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := exchangeBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", 0, ctx.Err()
			}
		}
		token, ttl, retryable, err := e.exchangeOnce(ctx, subjectToken, audience, scopes)
		if err == nil {
			return token, ttl, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", 0, lastErr
}

func (e *Exchanger) exchangeOnce(ctx context.Context, subjectToken, audience string, scopes []string) (token string, ttl time.Duration, retryable bool, err error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("requested_token_type", tokenTypeAccessToken)
	form.Set("audience", audience)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	if e.clientID != "" {
		form.Set("client_id", e.clientID)
	}
	if e.clientSecret != "" {
		form.Set("client_secret", e.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, false, gwerrors.Wrap(gwerrors.KindInternal, "build exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", 0, true, gwerrors.Wrap(gwerrors.KindTokenExchange, "token endpoint unreachable", err).WithRetryable()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, true, gwerrors.Wrap(gwerrors.KindTokenExchange, "read exchange response", err).WithRetryable()
	}
	if resp.StatusCode >= 500 {
		return "", 0, true,
			gwerrors.Newf(gwerrors.KindTokenExchange, "token endpoint returned %d", resp.StatusCode).WithRetryable()
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, false,
			gwerrors.Newf(gwerrors.KindTokenExchange, "token endpoint rejected exchange: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out exchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, false, gwerrors.Wrap(gwerrors.KindTokenExchange, "decode exchange response", err)
	}
	if out.AccessToken == "" {
		return "", 0, false, gwerrors.New(gwerrors.KindTokenExchange, "exchange response missing access token")
	}
	// A provider may issue a token with narrower scope than requested. The
	// token is still usable for its audience, so accept it and log the
	// narrowing for operators.
	if len(scopes) > 0 && out.Scope != "" && out.Scope != strings.Join(scopes, " ") {
		log.Warn(ctx,
			log.KV{K: "msg", V: "exchanged token has narrower scope than requested"},
			log.KV{K: "audience", V: audience},
			log.KV{K: "requested_scope", V: strings.Join(scopes, " ")},
			log.KV{K: "granted_scope", V: out.Scope},
		)
	}

	ttl = e.defaultTTL
	if out.ExpiresIn > 0 {
		// Renew slightly before expiry so cached tokens never arrive upstream
		// already expired.
		ttl = time.Duration(out.ExpiresIn)*time.Second - 30*time.Second
		if ttl <= 0 {
			ttl = time.Duration(out.ExpiresIn) * time.Second / 2
		}
	} else if exp, ok := tokenExpiry(out.AccessToken); ok {
		ttl = time.Until(exp) - 30*time.Second
		if ttl <= 0 {
			ttl = time.Minute
		}
	}
	if ttl > e.defaultTTL {
		ttl = e.defaultTTL
	}
	return out.AccessToken, ttl, false, nil
}

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying it. The gateway does not trust the exchanged token's contents; it
// only bounds how long to cache it.
func tokenExpiry(raw string) (time.Time, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}
