package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func buildTestJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}
	hb, _ := json.Marshal(header)
	cb, _ := json.Marshal(claims)
	p1 := base64.RawURLEncoding.EncodeToString(hb)
	p2 := base64.RawURLEncoding.EncodeToString(cb)
	signingInput := p1 + "." + p2
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return fmt.Sprintf("%s.%s.%s", p1, p2, base64.RawURLEncoding.EncodeToString(sig))
}

func newOpenIDServer(t *testing.T, key *rsa.PrivateKey, kid, issuer string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"issuer":   issuer,
				"jwks_uri": srv.URL + "/keys",
			})
		case "/keys":
			n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
			e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
			_ = json.NewEncoder(w).Encode(map[string]any{
				"keys": []map[string]any{
					{"kid": kid, "kty": "RSA", "n": n, "e": e},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	return srv
}

func TestValidateAcceptsSignedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	kid := "kid-1"
	issuer := "https://api.botframework.com"
	appID := "app-123"

	openid := newOpenIDServer(t, key, kid, issuer)
	defer openid.Close()

	v := NewValidator(openid.Client(), openid.URL+"/.well-known/openid", appID, "botframework.com")

	token := buildTestJWT(t, key, kid, map[string]any{
		"iss":        issuer,
		"aud":        appID,
		"serviceurl": "https://smba.trafficmanager.net/emea",
		"exp":        time.Now().Add(5 * time.Minute).Unix(),
		"nbf":        time.Now().Add(-1 * time.Minute).Unix(),
	})
	p, err := v.Validate(context.Background(), "Bearer "+token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.ServiceURL != "https://smba.trafficmanager.net/emea" {
		t.Fatalf("unexpected principal service url: %q", p.ServiceURL)
	}
}

func TestValidateRejectsBadTokens(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	kid := "kid-1"
	issuer := "https://api.botframework.com"
	appID := "app-123"

	openid := newOpenIDServer(t, key, kid, issuer)
	defer openid.Close()

	v := NewValidator(openid.Client(), openid.URL+"/.well-known/openid", appID, "botframework.com")

	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	goodClaims := func() map[string]any {
		return map[string]any{
			"iss": issuer,
			"aud": appID,
			"exp": time.Now().Add(5 * time.Minute).Unix(),
			"nbf": time.Now().Add(-1 * time.Minute).Unix(),
		}
	}

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not a jwt", "Bearer garbage"},
		{"wrong audience", buildTestJWT(t, key, kid, func() map[string]any {
			c := goodClaims()
			c["aud"] = "wrong-app"
			return c
		}())},
		{"expired", buildTestJWT(t, key, kid, func() map[string]any {
			c := goodClaims()
			c["exp"] = time.Now().Add(-5 * time.Minute).Unix()
			return c
		}())},
		{"wrong issuer", buildTestJWT(t, key, kid, func() map[string]any {
			c := goodClaims()
			c["iss"] = "https://evil.example.com"
			return c
		}())},
		{"unknown kid", buildTestJWT(t, key, "kid-unknown", goodClaims())},
		{"wrong signing key", buildTestJWT(t, otherKey, kid, goodClaims())},
	}
	for _, tc := range cases {
		if _, err := v.Validate(context.Background(), tc.token); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateRejectsNonRS256(t *testing.T) {
	v := NewValidator(nil, "http://example.invalid/.well-known/openid", "app-123", "botframework.com")
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","kid":"kid-1"}`))
	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"aud":"app-123"}`))
	token := header + "." + claims + "."
	if _, err := v.Validate(context.Background(), token); err == nil {
		t.Fatal("expected alg rejection")
	}
}

func TestMatchesAudience(t *testing.T) {
	if !matchesAudience("app-1", "app-1") {
		t.Fatal("exact aud should match")
	}
	if !matchesAudience([]any{"other", "app-1"}, "app-1") {
		t.Fatal("aud list should match")
	}
	if matchesAudience("other", "app-1") {
		t.Fatal("wrong aud should not match")
	}
}

func TestSameIssuer(t *testing.T) {
	if !sameIssuer("https://api.botframework.com/", "https://api.botframework.com") {
		t.Fatal("trailing slash should not matter")
	}
	if sameIssuer("https://a.example.com", "https://b.example.com") {
		t.Fatal("different issuers should not match")
	}
}
