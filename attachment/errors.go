package attachment

import "errors"

// ErrNotFound is returned when an attachment does not exist.
var ErrNotFound = errors.New("attachment not found")
