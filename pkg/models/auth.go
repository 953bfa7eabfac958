package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWTClaims struct {
	UserID   string `json:"user_id"`
	APIKey   string `json:"api_key,omitempty"`
	UserTier string `json:"user_tier"` // free, premium, enterprise
	jwt.RegisteredClaims
}

type AuthRequest struct {
	APIKey string `json:"api_key" validate:"required"`
	UserID string `json:"user_id" validate:"required,max=255"`
}

type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserTier  string    `json:"user_tier"`
}

type RateLimitInfo struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetTime int64 `json:"reset_time"`
}
