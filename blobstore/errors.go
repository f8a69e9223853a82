package blobstore

import "errors"

var (
	ErrNotFound    = errors.New("blobstore: not found")
	ErrInvalidCID  = errors.New("blobstore: invalid cid")
	ErrCIDMismatch = errors.New("blobstore: cid mismatch")
	ErrImmutable   = errors.New("blobstore: immutable object mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
