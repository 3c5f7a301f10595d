package query

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned when the token store cannot be reached or
// a query times out. It is never fatal to the gateway.
var ErrStoreUnavailable = errors.New("token store unavailable")

// BadRequestError rejects a request before it reaches the store, naming the
// offending field.
type BadRequestError struct {
	Field  string
	Reason string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
