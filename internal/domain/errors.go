package domain

import "errors"

var (
	ErrNoCredentials     = errors.New("no API credentials")
	ErrSourceNotFound    = errors.New("source not found")
	ErrPostNotFound      = errors.New("post not found")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrInvalidSourceType = errors.New("invalid source type")
)
