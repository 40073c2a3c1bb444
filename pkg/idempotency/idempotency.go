package idempotency

import (
	"errors"
	"net/http"
	"strings"
)

const (
	Header = "Idempotency-Key"
	MaxLen = 128
)

var ErrKeyTooLong = errors.New("idempotency key too long")

// Key returns the trimmed header value. An absent header yields "".
func Key(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(Header))
	if len(key) > MaxLen {
		return "", ErrKeyTooLong
	}
	return key, nil
}
