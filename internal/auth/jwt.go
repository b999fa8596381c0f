package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token uses.
const (
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// RoleDevice is the role of reader bridges.
const RoleDevice = "device"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongUse     = errors.New("token used for the wrong purpose")
)

// Signer issues and verifies HS256 device tokens.
type Signer struct {
	Issuer     string
	Key        []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

// NewSigner returns a signer with the given key and lifetimes.
func NewSigner(issuer, key string, accessTTL, refreshTTL time.Duration) *Signer {
	return &Signer{Issuer: issuer, Key: []byte(key), AccessTTL: accessTTL, RefreshTTL: refreshTTL, Now: time.Now}
}

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"-"`
	RefreshExp   time.Time `json:"-"`
}

// Claims represents the JWT payload.
type Claims struct {
	Role string `json:"role"`
	Use  string `json:"use"`
	jwt.RegisteredClaims
}

// Issue signs a fresh access and refresh token for subject. Every token
// carries a unique id, so two pairs issued in the same second differ.
func (s *Signer) Issue(subject, role string) (TokenPair, error) {
	now := s.Now()
	pair := TokenPair{
		AccessExp:  now.Add(s.AccessTTL),
		RefreshExp: now.Add(s.RefreshTTL),
	}
	var err error
	if pair.AccessToken, err = s.sign(subject, role, UseAccess, now, pair.AccessExp); err != nil {
		return TokenPair{}, err
	}
	if pair.RefreshToken, err = s.sign(subject, role, UseRefresh, now, pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (s *Signer) sign(subject, role, use string, now, exp time.Time) (string, error) {
	claims := Claims{
		Role: role,
		Use:  use,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Key)
}

// Parse validates a token of the given use and returns its claims.
func (s *Signer) Parse(tokenStr, use string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Now),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return s.Key, nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Use != use {
		return Claims{}, ErrWrongUse
	}
	return claims, nil
}
