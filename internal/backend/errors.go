package backend

import (
	"errors"

	"github.com/friendchat/internal/repository"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidSession     = errors.New("invalid or expired session")
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = repository.ErrNotFound
)

// permanent: ошибки, которые не исправит повтор запроса.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrInvalidSession) ||
		errors.Is(err, repository.ErrDuplicate)
}
