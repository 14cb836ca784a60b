package cache

import "errors"

// ErrClosed is returned by operations on a cache that has been closed.
var ErrClosed = errors.New("cache is closed")

// ErrInvalidTileURL is returned when a URL does not end in /{z}/{x}/{y}.png.
var ErrInvalidTileURL = errors.New("invalid tile url")
