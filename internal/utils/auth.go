package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may manage an organisation's displays
const RoleAdmin = "admin"

// Identity is the authenticated caller carried by a bearer token
type Identity struct {
	UserID         string
	Role           string
	OrganisationID string
}

// IsAdmin reports whether the identity may use the control plane
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// GenerateToken signs an access token for id valid for ttl
func GenerateToken(id Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   id.UserID,
		"role":  id.Role,
		"orgId": id.OrganisationID,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and validates a token
func ValidateToken(tokenString string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// IdentityFromClaims extracts the caller from validated claims
func IdentityFromClaims(claims jwt.MapClaims) (Identity, error) {
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	org, _ := claims["orgId"].(string)
	if sub == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return Identity{UserID: sub, Role: role, OrganisationID: org}, nil
}
