package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// PartyID is the internal party identifier used by the call orchestrator;
// Role decides whether the party calls (user) or answers (provider).
type Claims struct {
	jwt.RegisteredClaims

	PartyID   string    `json:"party_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
