package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Service validates tokens minted by the identity provider and serves
// profile lookups. It never issues tokens for end users.
type Service struct {
	repo      *Repository
	jwtSecret []byte
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
	}
}

func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ID <= 0 {
		return 0, "", ErrInvalidToken
	}

	return claims.ID, claims.Username, nil
}

// SignToken mints a token the same way the identity provider does. Used by
// the load tester and tests.
func SignToken(secret string, id int64, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       id,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "social-hub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// Profile falls back to a bare profile when the user is unknown.
func (s *Service) Profile(ctx context.Context, id int64) (Profile, error) {
	p, err := s.repo.Profile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Profile{ID: id}, nil
	}
	return p, err
}

func (s *Service) Remember(ctx context.Context, id int64, username string) error {
	return s.repo.Remember(ctx, id, username)
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]Profile, error) {
	return s.repo.SearchUsers(ctx, query)
}
