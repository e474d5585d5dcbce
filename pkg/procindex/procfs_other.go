//go:build !linux

package procindex

import (
	"context"
	"errors"
)

// procfsStrategy is unavailable outside Linux; autoSelectStrategy never
// picks it there (it falls back to externalListingStrategy), but the type
// must still exist so procindex.go compiles on every platform.
type procfsStrategy struct{}

func (procfsStrategy) Enumerate(ctx context.Context) ([]rawProcess, error) {
	return nil, errors.New("procindex: procfs strategy unavailable on this platform")
}
