// Package storage persists fetched summaries.
package storage

import (
	"context"
	"errors"
)

// Store persists rendered email summaries.
type Store interface {
	Store(ctx context.Context, entries ...string) error
}

// Multi hands every batch to each store in turn. All stores are attempted;
// their errors are joined.
type Multi []Store

func (m Multi) Store(ctx context.Context, entries ...string) error {
	var err error
	for _, s := range m {
		err = errors.Join(err, s.Store(ctx, entries...))
	}
	return err
}
