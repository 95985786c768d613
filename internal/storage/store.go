package storage

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a key is missing from a partition.
var ErrNotFound = errors.New("storage: record not found")

// Partition is a flat key/value region of the settings substrate.
type Partition interface {
	// Get returns the raw value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes every key in values in a single atomic step.
	Set(ctx context.Context, values map[string][]byte) error
}

// Store represents the root storage interface.
// The local partition never leaves the machine; the sync partition is the one
// the substrate may replicate between devices.
type Store interface {
	Local() Partition
	Sync() Partition
	Close() error
}

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

type combined struct {
	local Partition
	sync  Partition
	close []func() error
}

// Combine pairs partitions from different backends into one Store. The closers
// run in order on Close and the first error is returned.
func Combine(local, sync Partition, closers ...func() error) Store {
	return &combined{local: local, sync: sync, close: closers}
}

func (c *combined) Local() Partition { return c.local }
func (c *combined) Sync() Partition  { return c.sync }

func (c *combined) Close() error {
	var first error
	for _, fn := range c.close {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
