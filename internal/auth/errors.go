package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidState = errors.New("auth: invalid login state")
)
