package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func captureHandler(subject *string, scopes *[]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*subject = Subject(r.Context())
		*scopes = Scopes(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticatorAcceptsValidToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "gemfi", Audience: "lending"}, nil)
	var subject string
	var scopes []string
	handler := auth.Middleware(ScopeLender)(captureHandler(&subject, &scopes))

	token := signToken(t, jwt.MapClaims{
		"sub":   "lender-1",
		"iss":   "gemfi",
		"aud":   []interface{}{"lending"},
		"scope": "lender borrower",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/loans/1/fund", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected success, got %d: %s", res.Code, res.Body.String())
	}
	if subject != "lender-1" || len(scopes) != 2 {
		t.Fatalf("unexpected identity %q %v", subject, scopes)
	}
}

func TestAuthenticatorRejections(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "gemfi"}, nil)
	var subject string
	var scopes []string
	handler := auth.Middleware(ScopeAdmin)(captureHandler(&subject, &scopes))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "malformed", header: "Token abc", want: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + func() string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "iss": "gemfi"})
			signed, _ := token.SignedString([]byte("other"))
			return signed
		}(), want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{
			"sub": "x", "iss": "gemfi", "scope": "admin", "exp": time.Now().Add(-time.Hour).Unix(),
		}), want: http.StatusUnauthorized},
		{name: "wrong issuer", header: "Bearer " + signToken(t, jwt.MapClaims{
			"sub": "x", "iss": "other", "scope": "admin",
		}), want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + signToken(t, jwt.MapClaims{
			"iss": "gemfi", "scope": "admin",
		}), want: http.StatusUnauthorized},
		{name: "missing scope", header: "Bearer " + signToken(t, jwt.MapClaims{
			"sub": "x", "iss": "gemfi", "scope": "borrower",
		}), want: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/admin/lenders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
		})
	}
}

func TestAuthenticatorAdminImpliesEveryScope(t *testing.T) {
	if !hasScopes([]string{ScopeAdmin}, []string{ScopeBorrower, ScopeLender}) {
		t.Fatalf("expected admin to satisfy all scopes")
	}
	if hasScopes([]string{ScopeBorrower}, []string{ScopeLender}) {
		t.Fatalf("expected borrower to lack lender scope")
	}
}

func TestAuthenticatorDevMode(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	var subject string
	var scopes []string
	handler := auth.Middleware(ScopeBorrower)(captureHandler(&subject, &scopes))

	req := httptest.NewRequest(http.MethodPost, "/v1/loans", strings.NewReader("{}"))
	req.Header.Set(HeaderDevSubject, "alice")
	req.Header.Set(HeaderDevScopes, "borrower, lender")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent || subject != "alice" {
		t.Fatalf("unexpected dev-mode result %d %q", res.Code, subject)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/loans", nil)
	req.Header.Set(HeaderDevSubject, "alice")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected scopes to be enforced in dev mode, got %d", res.Code)
	}
}

func TestAuthenticateWithoutHTTP(t *testing.T) {
	ctx := context.Background()
	strict := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	if _, err := strict.Authenticate(ctx, Credentials{DevSubject: "alice", DevScopes: ScopeAdmin}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected dev headers to be ignored, got %v", err)
	}
	if _, err := strict.Authenticate(ctx, Credentials{Authorization: "Bearer nope"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	token := signToken(t, jwt.MapClaims{"sub": "bob", "scope": "lender", "exp": time.Now().Add(time.Hour).Unix()})
	authed, err := strict.Authenticate(ctx, Credentials{Authorization: "Bearer " + token})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if Subject(authed) != "bob" || !HasScopes(authed, ScopeLender) || HasScopes(authed, ScopeLender, ScopeBorrower) {
		t.Fatalf("unexpected identity %q %v", Subject(authed), Scopes(authed))
	}

	dev := NewAuthenticator(AuthConfig{}, nil)
	authed, err = dev.Authenticate(ctx, Credentials{DevSubject: " alice ", DevScopes: "borrower,lender"})
	if err != nil {
		t.Fatalf("dev authenticate: %v", err)
	}
	if Subject(authed) != "alice" || !HasScopes(authed, ScopeBorrower, ScopeLender) {
		t.Fatalf("unexpected dev identity %q %v", Subject(authed), Scopes(authed))
	}
}
