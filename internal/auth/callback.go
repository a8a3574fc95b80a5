package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrCallbackToken = errors.New("invalid callback token")

// SignCallback issues the token carried inside a delayed retry job. The
// executor endpoint accepts a job only when the token names the same queue entry.
func (m *Manager) SignCallback(queueID string, now time.Time) (string, error) {
	if queueID == "" {
		return "", errors.New("queue_id required")
	}
	claims := CallbackClaims{
		RegisteredClaims: m.registered(now, m.callbackTTL),
		QueueID:          queueID,
		TokenType:        TokenTypeCallback,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyCallback checks signature, expiry and that the token is bound to queueID.
func (m *Manager) VerifyCallback(token, queueID string, now time.Time) error {
	var claims CallbackClaims
	if err := m.parse(token, &claims, now); err != nil {
		return errors.Join(ErrCallbackToken, err)
	}
	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return errors.Join(ErrCallbackToken, err)
	}
	if claims.TokenType != TokenTypeCallback || claims.QueueID == "" || claims.QueueID != queueID {
		return ErrCallbackToken
	}
	return nil
}
