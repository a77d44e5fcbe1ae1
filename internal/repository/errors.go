package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrForbidden: строка есть, но операция запрещена (например, удаление чужого сообщения).
	ErrForbidden = errors.New("forbidden")
)
