// Package auth guards the admin endpoints: a bcrypt-checked admin password
// is exchanged for a short-lived HS256 bearer token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/moraltorture/internal/config"
)

const (
	RoleAdmin = "admin"
	issuer    = "moraltorture"
)

var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrDisabled       = errors.New("admin login disabled")
)

type Auth struct {
	secret       []byte
	expiry       time.Duration
	passwordHash string
}

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// New returns an Auth. An empty passwordHash disables Login; tokens minted
// with GenerateToken are still accepted.
func New(secret string, expiryMinutes int, passwordHash string) *Auth {
	return &Auth{
		secret:       []byte(secret),
		expiry:       time.Duration(expiryMinutes) * time.Minute,
		passwordHash: passwordHash,
	}
}

// FromConfig returns nil, meaning no admin endpoints, unless a JWT secret is
// configured.
func FromConfig(cfg config.AuthConfig) *Auth {
	if cfg.JWTSecret == "" {
		return nil
	}
	return New(cfg.JWTSecret, cfg.TokenExpiryMin, cfg.AdminPasswordHash)
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Login checks the admin password and returns a signed admin token.
func (a *Auth) Login(password string) (string, error) {
	if a.passwordHash == "" {
		return "", ErrDisabled
	}
	if !CheckPassword(a.passwordHash, password) {
		return "", ErrBadCredentials
	}
	return a.GenerateToken("admin")
}

func (a *Auth) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ExtractClaims reads the JWT from the Authorization header (Bearer token).
// Returns nil if no valid token is present.
func (a *Auth) ExtractClaims(r *http.Request) *Claims {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil
	}
	claims, err := a.ValidateToken(parts[1])
	if err != nil {
		return nil
	}
	return claims
}

// RequireAdmin rejects requests without a valid admin token.
func (a *Auth) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := a.ExtractClaims(r)
		if claims == nil || claims.Role != RoleAdmin {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next(w, r)
	}
}
