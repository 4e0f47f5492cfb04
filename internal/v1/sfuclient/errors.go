package sfuclient

import "errors"

// ErrUnavailable is returned when the circuit breaker is open.
var ErrUnavailable = errors.New("sfuclient: media server unavailable")
