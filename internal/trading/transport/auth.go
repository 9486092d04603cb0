package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
	"github.com/Aidin1998/pincex_execution/internal/trading/session"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for missing, invalid or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// AccountFinder resolves account names.
type AccountFinder interface {
	FindAccount(ctx context.Context, name string) (model.DirectoryEntry, error)
}

// Claims are the claims of an account token.
type Claims struct {
	Account string `json:"account"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates HS256 account tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	accounts AccountFinder
}

// NewAuthenticator creates an Authenticator signing with secret.
func NewAuthenticator(secret, issuer string, ttl time.Duration, accounts AccountFinder) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		ttl:      ttl,
		accounts: accounts,
	}
}

// IssueToken signs a token for the named account.
func (a *Authenticator) IssueToken(account string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Account: account,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   account,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticate validates a token and opens a session for its account.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (*session.Session, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Account == "" {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	account, err := a.accounts.FindAccount(ctx, claims.Account)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown account %s", ErrUnauthorized, claims.Account)
	}
	return session.New(account), nil
}
