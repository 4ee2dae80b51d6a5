package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenIssuer подписывает HS256-токены; jti: id серверной сессии.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func (ti tokenIssuer) issue(userID, sessionID string) (string, time.Time, error) {
	now := ti.now()
	exp := now.Add(ti.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// parse проверяет подпись и срок; возвращает user_id и session_id.
func (ti tokenIssuer) parse(token string) (userID, sessionID string, exp time.Time, err error) {
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(ti.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", "", time.Time{}, errors.Join(ErrInvalidSession, err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return "", "", time.Time{}, ErrInvalidSession
	}
	return claims.Subject, claims.ID, claims.ExpiresAt.Time, nil
}
