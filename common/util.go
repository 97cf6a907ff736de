package common

import (
	"context"
	"errors"
)

// ValOrErr zeroes v when err is set, so callers can't hold half-built
// values off an error path.
func ValOrErr[T any](v T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
