package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/neighborly/internal/config"
	"github.com/temcen/neighborly/pkg/models"
)

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrSessionNotFound = errors.New("session not found or expired")
)

const tokenIssuer = "neighborly"

// AuthService issues and validates bearer tokens. Sessions are tracked in
// Redis when a client is configured; without one, tokens are validated by
// signature and expiry alone.
type AuthService struct {
	config      config.AuthConfig
	logger      *logrus.Logger
	redisClient *redis.Client
	jwtSecret   []byte
}

func NewAuthService(cfg config.AuthConfig, logger *logrus.Logger, redisClient *redis.Client) *AuthService {
	return &AuthService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		jwtSecret:   []byte(cfg.JWTSecret),
	}
}

func sessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}

// GenerateToken signs a token for userID and records its session.
func (s *AuthService) GenerateToken(ctx context.Context, userID, apiKey, userTier string) (*models.AuthResponse, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenTTL)

	claims := &models.JWTClaims{
		UserID:   userID,
		APIKey:   apiKey,
		UserTier: userTier,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	if s.redisClient != nil {
		if err := s.redisClient.Set(ctx, sessionKey(userID), claims.ID, s.config.TokenTTL).Err(); err != nil {
			// token stays usable; validation tolerates a missing Redis
			s.logger.WithError(err).Warn("Failed to store session in Redis")
		}
	}

	return &models.AuthResponse{
		Token:     tokenString,
		ExpiresAt: expiresAt,
		UserTier:  userTier,
	}, nil
}

func (s *AuthService) ValidateToken(ctx context.Context, tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if s.redisClient == nil {
		return claims, nil
	}

	sessionID, err := s.redisClient.Get(ctx, sessionKey(claims.UserID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrSessionNotFound
	case err != nil:
		s.logger.WithError(err).Warn("Failed to check session in Redis")
	case sessionID != claims.ID:
		// superseded by a newer token
		return nil, ErrSessionNotFound
	}

	return claims, nil
}

func (s *AuthService) RevokeToken(ctx context.Context, userID string) error {
	if s.redisClient == nil {
		return nil
	}
	if err := s.redisClient.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// ValidateAPIKey returns the tier bound to apiKey.
func (s *AuthService) ValidateAPIKey(apiKey string) (string, error) {
	if tier, ok := s.config.APIKeys[apiKey]; ok {
		return tier, nil
	}
	return "", ErrInvalidAPIKey
}
