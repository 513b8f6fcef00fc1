//go:build !linux

package routable

import (
	"context"
	"errors"
	"fmt"
)

// Check is only implemented on Linux.
func Check(_ context.Context, host string) (Result, error) {
	return Result{}, fmt.Errorf("check route to %s: %w", host, errors.ErrUnsupported)
}
