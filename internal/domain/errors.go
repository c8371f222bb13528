package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTokenMissing = errors.New("no token provided")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrTokenInvalid)

	ErrRegistryClosed = errors.New("connection registry closed")
)
