package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims is the access-token payload. ForceStatus marks sessions allowed
// to push items through privileged transitions regardless of rule grants.
type JWTClaims struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	Role        UserRole `json:"role"`
	ForceStatus bool     `json:"forceStatus"`
	jwt.RegisteredClaims
}

// RefreshToken is a stored opaque token allowing access-token renewal.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"userId"`
	TokenHash string     `db:"token_hash" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expiresAt"`
	RevokedAt *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// Revoked reports whether the token has been revoked or expired.
func (t *RefreshToken) Revoked(now time.Time) bool {
	return t.RevokedAt != nil || now.After(t.ExpiresAt)
}
