// Package storage provides the pluggable durable-storage layer: a driver
// contract over versioned JSON blobs, an in-memory driver, a SQLite driver,
// and the persisted-state actor that the query and mutation caches hydrate
// from.
package storage

import "context"

// Value is one versioned blob as the driver stores it. Data is JSON; Found
// is false when nothing has been written under the resource's key yet.
type Value struct {
	Data    []byte
	Version int
	Found   bool
}

// Resource is an opened (namespace, key) slot. Reads and writes are
// synchronous once opened; Open itself may be slow (first-use lazy load).
// A resource is owned by exactly one persisted-state actor and is not safe
// for concurrent use.
type Resource interface {
	// Get returns the current value.
	Get() (Value, error)

	// Set applies update to the current value and persists the result,
	// bumping the version. Returning an error from update aborts the write.
	Set(update func(prev Value) ([]byte, error)) (Value, error)

	// Flush forces any buffered writes to durable storage.
	Flush() error
}

// Driver opens named resources.
type Driver interface {
	Open(ctx context.Context, namespace, key string) (Resource, error)
}
