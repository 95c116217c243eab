// Package auth validates inbound bearer tokens against the identity
// provider's published signing keys.
package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Key set cache windows. Past softTTL a background refresh is kicked off on
// the next successful validation; past graceTTL validation fails closed until
// the key set can be fetched again.
const (
	softTTL  = 30 * time.Minute
	graceTTL = 6 * time.Hour
)

// Principal is the verified identity of an inbound request.
type Principal struct {
	AppID    string
	TenantID string
	// ServiceURL is the serviceurl claim, when present.
	ServiceURL string
}

// Validator verifies RS256 bearer tokens issued by the channel's identity
// provider. The signing-key set is discovered through the provider's OpenID
// configuration document and cached under a single-writer mutex; stale reads
// are tolerated within the grace window.
type Validator struct {
	client   *http.Client
	cfgURL   string
	appID    string
	tenantID string

	mu         sync.Mutex
	issuer     string
	jwksURI    string
	keysByKid  map[string]*rsa.PublicKey
	fetchedAt  time.Time
	refreshing bool
}

// NewValidator creates a Validator for the given OpenID configuration URL and
// expected app/tenant ids.
func NewValidator(client *http.Client, cfgURL, appID, tenantID string) *Validator {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Validator{
		client:    client,
		cfgURL:    strings.TrimSpace(cfgURL),
		appID:     strings.TrimSpace(appID),
		tenantID:  strings.TrimSpace(tenantID),
		keysByKid: map[string]*rsa.PublicKey{},
	}
}

// Validate verifies the raw bearer token and returns the authenticated
// Principal. Any failure means the request must be rejected with an
// unauthorized status; no envelope processing may begin without a Principal.
func (v *Validator) Validate(ctx context.Context, rawToken string) (Principal, error) {
	now := time.Now()
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rawToken), "Bearer "))
	if token == "" {
		return Principal{}, errors.New("missing bearer token")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, errors.New("invalid jwt format")
	}

	headerBytes, err := decodeB64URL(parts[0])
	if err != nil {
		return Principal{}, fmt.Errorf("decode jwt header: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Principal{}, fmt.Errorf("parse jwt header: %w", err)
	}
	if strings.TrimSpace(header.Alg) != "RS256" {
		return Principal{}, fmt.Errorf("unsupported jwt alg: %s", header.Alg)
	}
	kid := strings.TrimSpace(header.Kid)
	if kid == "" {
		return Principal{}, errors.New("jwt missing kid")
	}

	claimsBytes, err := decodeB64URL(parts[1])
	if err != nil {
		return Principal{}, fmt.Errorf("decode jwt claims: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsBytes, &claims); err != nil {
		return Principal{}, fmt.Errorf("parse jwt claims: %w", err)
	}
	if err := v.validateClaims(ctx, claims, now); err != nil {
		return Principal{}, err
	}

	key, err := v.resolveKey(ctx, kid, now)
	if err != nil {
		return Principal{}, err
	}
	sig, err := decodeB64URL(parts[2])
	if err != nil {
		return Principal{}, fmt.Errorf("decode jwt signature: %w", err)
	}
	signingInput := parts[0] + "." + parts[1]
	sum := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig); err != nil {
		return Principal{}, fmt.Errorf("verify jwt signature: %w", err)
	}

	v.maybeRefreshAsync(now)

	return Principal{
		AppID:      v.appID,
		TenantID:   strings.TrimSpace(anyToString(claims["tid"])),
		ServiceURL: firstNonEmpty(anyToString(claims["serviceurl"]), anyToString(claims["serviceUrl"])),
	}, nil
}

func (v *Validator) validateClaims(ctx context.Context, claims map[string]any, now time.Time) error {
	if !matchesAudience(claims["aud"], v.appID) {
		return errors.New("jwt audience mismatch")
	}
	iss := strings.TrimSpace(anyToString(claims["iss"]))
	if iss == "" {
		return errors.New("jwt missing issuer")
	}
	exp := anyToUnix(claims["exp"])
	if exp <= 0 || now.Unix() >= exp {
		return errors.New("jwt expired")
	}
	nbf := anyToUnix(claims["nbf"])
	if nbf > 0 && now.Unix()+60 < nbf {
		return errors.New("jwt not yet valid")
	}
	issuer := v.currentIssuer(ctx, now)
	if issuer != "" && !sameIssuer(iss, issuer) {
		return errors.New("jwt issuer mismatch")
	}
	return nil
}

func matchesAudience(aud any, appID string) bool {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return true
	}
	switch t := aud.(type) {
	case string:
		return strings.TrimSpace(t) == appID
	case []any:
		for _, v := range t {
			if strings.TrimSpace(anyToString(v)) == appID {
				return true
			}
		}
	}
	return false
}

func sameIssuer(a, b string) bool {
	trim := func(s string) string {
		return strings.TrimRight(strings.TrimSpace(s), "/")
	}
	return strings.EqualFold(trim(a), trim(b))
}

func (v *Validator) resolveKey(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if key := v.keysByKid[kid]; key != nil && now.Before(v.fetchedAt.Add(graceTTL)) {
		return key, nil
	}
	if err := v.refreshLocked(ctx, now); err != nil {
		// Fail closed: an unknown kid past the grace window means the key
		// set must be refetched before any request can be accepted.
		return nil, fmt.Errorf("refresh signing keys: %w", err)
	}
	if key := v.keysByKid[kid]; key != nil {
		return key, nil
	}
	return nil, errors.New("jwt kid not found in jwks")
}

func (v *Validator) currentIssuer(ctx context.Context, now time.Time) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if strings.TrimSpace(v.issuer) == "" || !now.Before(v.fetchedAt.Add(graceTTL)) {
		if err := v.refreshLocked(ctx, now); err != nil {
			slog.Warn("signing key set refresh failed", "error", err)
		}
	}
	return v.issuer
}

// maybeRefreshAsync refreshes the key set in the background once the soft TTL
// has passed, so validation latency stays decoupled from key freshness except
// on cold start.
func (v *Validator) maybeRefreshAsync(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refreshing || now.Before(v.fetchedAt.Add(softTTL)) {
		return
	}
	v.refreshing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		issuer, jwksURI, keys, err := v.fetchKeySet(ctx)
		v.mu.Lock()
		defer v.mu.Unlock()
		v.refreshing = false
		if err != nil {
			slog.Warn("background key set refresh failed", "error", err)
			return
		}
		v.issuer = issuer
		v.jwksURI = jwksURI
		v.keysByKid = keys
		v.fetchedAt = time.Now()
	}()
}

// refreshLocked fetches the key set while holding v.mu. Only the cold-start
// and past-grace paths pay this synchronous cost.
func (v *Validator) refreshLocked(ctx context.Context, now time.Time) error {
	issuer, jwksURI, keys, err := v.fetchKeySet(ctx)
	if err != nil {
		return err
	}
	v.issuer = issuer
	v.jwksURI = jwksURI
	v.keysByKid = keys
	v.fetchedAt = now
	return nil
}

func (v *Validator) fetchKeySet(ctx context.Context) (issuer, jwksURI string, keys map[string]*rsa.PublicKey, err error) {
	cfgURL := strings.TrimSpace(v.cfgURL)
	if cfgURL == "" {
		return "", "", nil, errors.New("missing openid config url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfgURL, nil)
	if err != nil {
		return "", "", nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return "", "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", "", nil, fmt.Errorf("openid config status %d", resp.StatusCode)
	}
	var oc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&oc); err != nil {
		return "", "", nil, err
	}
	if strings.TrimSpace(oc.JWKSURI) == "" {
		return "", "", nil, errors.New("openid config missing jwks_uri")
	}
	keys, err = fetchJWKS(ctx, v.client, oc.JWKSURI)
	if err != nil {
		return "", "", nil, err
	}
	return strings.TrimSpace(oc.Issuer), strings.TrimSpace(oc.JWKSURI), keys, nil
}

func fetchJWKS(ctx context.Context, client *http.Client, uri string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(uri), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks status %d", resp.StatusCode)
	}
	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	out := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if strings.TrimSpace(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := jwkToRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(k.Kid)] = pub
	}
	if len(out) == 0 {
		return nil, errors.New("no usable jwks rsa keys")
	}
	return out, nil
}

func jwkToRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := decodeB64URL(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := decodeB64URL(eB64)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || eBig.Sign() <= 0 || !eBig.IsInt64() {
		return nil, errors.New("invalid rsa jwk components")
	}
	return &rsa.PublicKey{N: n, E: int(eBig.Int64())}, nil
}

func decodeB64URL(v string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimSpace(v))
}

func anyToString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

func anyToUnix(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
