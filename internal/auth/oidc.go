package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// minRefetch bounds how often an unknown kid may trigger a JWKS download.
	minRefetch = time.Minute
	// failBackoff spaces out JWKS downloads while the provider is failing.
	failBackoff = 5 * time.Second
)

type oidcDiscovery struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// OIDCVerifier validates RS256 tokens against the signing keys published by
// an OpenID Connect provider. Discovery and the key set are fetched lazily on
// first use and cached for the life of the process.
type OIDCVerifier struct {
	httpClient   *http.Client
	discoveryURL string
	issuer       string // empty means take it from discovery
	audience     string

	mu        sync.Mutex
	jwksURL   string
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	failedAt  time.Time
	fetchErr  error
	now       func() time.Time
}

func NewOIDCVerifier(httpClient *http.Client, discoveryURL, issuer, audience string) (*OIDCVerifier, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(discoveryURL) == "" {
		return nil, fmt.Errorf("OIDC discovery URL is required")
	}
	if strings.TrimSpace(audience) == "" {
		return nil, fmt.Errorf("OIDC audience is required")
	}
	return &OIDCVerifier{
		httpClient:   httpClient,
		discoveryURL: discoveryURL,
		issuer:       issuer,
		audience:     audience,
		keys:         map[string]*rsa.PublicKey{},
		now:          time.Now,
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrUnauthorized
	}
	issuer, err := v.ensureDiscovery(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: oidc discovery: %w", ErrKeysUnavailable, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(opts...).ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, fmt.Errorf("missing kid")
		}
		return v.key(ctx, kid)
	})
	if errors.Is(err, ErrKeysUnavailable) {
		return nil, err
	}
	if err != nil {
		return nil, classify(err)
	}
	return claimsFrom(claims)
}

func (v *OIDCVerifier) ensureDiscovery(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.jwksURL != "" {
		return v.issuer, nil
	}

	var d oidcDiscovery
	if err := v.getJSON(ctx, v.discoveryURL, &d); err != nil {
		return "", err
	}
	if strings.TrimSpace(d.JWKSURI) == "" {
		return "", fmt.Errorf("discovery missing jwks_uri")
	}
	v.jwksURL = d.JWKSURI
	if v.issuer == "" {
		v.issuer = d.Issuer
	}
	return v.issuer, nil
}

// key returns the signing key for kid, downloading the key set on first use
// and again for an unknown kid at most once per minRefetch. Only a successful
// download starts the minRefetch window; a failed one is retried after
// failBackoff.
func (v *OIDCVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	now := v.now()
	if !v.failedAt.IsZero() && now.Sub(v.failedAt) < failBackoff {
		return nil, fmt.Errorf("%w: %w", ErrKeysUnavailable, v.fetchErr)
	}
	if !v.fetchedAt.IsZero() && now.Sub(v.fetchedAt) < minRefetch {
		return nil, fmt.Errorf("kid not found in jwks: %s", kid)
	}

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		v.failedAt, v.fetchErr = now, err
		return nil, fmt.Errorf("%w: %w", ErrKeysUnavailable, err)
	}
	v.failedAt, v.fetchErr = time.Time{}, nil
	v.fetchedAt = now
	v.keys = keys
	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("kid not found in jwks: %s", kid)
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *OIDCVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	var set jwkSet
	if err := v.getJSON(ctx, v.jwksURL, &set); err != nil {
		return nil, fmt.Errorf("jwks fetch failed: %w", err)
	}

	next := map[string]*rsa.PublicKey{}
	for _, k := range set.Keys {
		if k.Kty != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromModExp(k.N, k.E)
		if err == nil {
			next[k.Kid] = pub
		}
	}
	if len(next) == 0 {
		return nil, errors.New("jwks contained no usable keys")
	}
	return next, nil
}

func (v *OIDCVerifier) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("GET %s: %s", url, res.Status)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func rsaFromModExp(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}

	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
