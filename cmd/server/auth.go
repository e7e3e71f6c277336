package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the automation API reads. Subject is the
// principal that triggered an event; Workspace optionally scopes it.
type Claims struct {
	Workspace string `json:"workspace,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	Subject   string
	Workspace string
}

// PrincipalFrom returns the caller stored by Authenticator.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var errMissingToken = errors.New("missing bearer token")

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken parses and verifies a token string.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			respondProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), nil)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			respondProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, Principal{
			Subject:   claims.Subject,
			Workspace: claims.Workspace,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}
