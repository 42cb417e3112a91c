package session

import "errors"

// ErrNotFound is returned by Load when no snapshot exists for the
// requested conversation id.
var ErrNotFound = errors.New("session: snapshot not found")
