package core

import (
	"errors"

	"gwi.com/ragchat/internal/ingest"
)

var (
	ErrUnsupportedFileType = ingest.ErrUnsupportedFileType
	ErrProvider            = errors.New("upstream provider failed")
	ErrProviderEmpty       = errors.New("provider returned no content")
	ErrPersistence         = errors.New("failed to persist turn")
	ErrUnexpectedResponse  = errors.New("unexpected provider response shape")
	ErrEmptyQuestion       = errors.New("message must not be empty")
	ErrMissingSession      = errors.New("chat id is required")
)
