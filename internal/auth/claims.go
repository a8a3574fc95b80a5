package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess   TokenType = "access"
	TokenTypeRefresh  TokenType = "refresh"
	TokenTypeCallback TokenType = "callback"
)

// Claims are the user-facing JWT claims. UserID is the party identity compared
// against a session's callee on retry requests; Realm is the party's service partition.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Realm     string    `json:"realm"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// CallbackClaims bind a dispatcher callback to exactly one retry queue entry.
type CallbackClaims struct {
	jwt.RegisteredClaims

	QueueID   string    `json:"queue_id"`
	TokenType TokenType `json:"token_type"`
}
