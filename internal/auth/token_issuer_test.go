package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, cfg TokenIssuerConfig) *TokenIssuer {
	t.Helper()
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = []byte("super-secret")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "blacklist-sync"
	}
	if cfg.Audience == "" {
		cfg.Audience = "blacklist-sync-clients"
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesClientTokens(t *testing.T) {
	issuer := newTestIssuer(t, TokenIssuerConfig{})

	tokenString, expiresIn, err := issuer.IssueClientToken(context.Background(), "bot-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "bot-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "blacklist-sync" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "blacklist-sync-clients" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, TokenIssuerConfig{SigningSecret: []byte("another-secret"), TokenTTL: 15 * time.Minute})

	tokenString, _, err := issuer.IssueClientToken(context.Background(), "bot-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "bot-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}

	other := newTestIssuer(t, TokenIssuerConfig{SigningSecret: []byte("different")})
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for a foreign signing secret")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, TokenIssuerConfig{
		TokenTTL: time.Minute,
		Clock:    func() time.Time { return now },
	})

	tokenString, _, err := issuer.IssueClientToken(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = issuedAt.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerVerifiesClientSecret(t *testing.T) {
	issuer := newTestIssuer(t, TokenIssuerConfig{ClientSecret: []byte("shared")})

	if err := issuer.VerifyClientSecret("shared"); err != nil {
		t.Fatalf("expected secret to verify: %v", err)
	}
	if err := issuer.VerifyClientSecret("wrong"); !errors.Is(err, ErrInvalidClientCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}

	closed := newTestIssuer(t, TokenIssuerConfig{})
	if err := closed.VerifyClientSecret(""); !errors.Is(err, ErrInvalidClientCredentials) {
		t.Fatalf("expected issuer without a client secret to reject, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing-secret", cfg: TokenIssuerConfig{Issuer: "i", Audience: "a", TokenTTL: time.Minute}},
		{name: "missing-issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a", TokenTTL: time.Minute}},
		{name: "blank-audience", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " ", TokenTTL: time.Minute}},
		{name: "zero-ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tt.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
