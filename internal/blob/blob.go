// Package blob stores encrypted document envelopes in durable object
// storage. The store is content-opaque; it never sees plaintext.
package blob

import (
	"context"
)

// Store is the durable blob layer under the document catalog.
type Store interface {
	// Put writes data under the document id and returns the stored
	// object version.
	Put(ctx context.Context, id string, data []byte) (version string, err error)

	// Get reads a document blob. An empty version reads the latest.
	Get(ctx context.Context, id, version string) ([]byte, error)

	// Delete tombstones a document blob. Deleting a missing blob is a
	// no-op.
	Delete(ctx context.Context, id string) error

	// Verify checks that the backing store is configured for durable
	// encrypted storage. It is called once at startup.
	Verify(ctx context.Context) error

	// Close releases resources.
	Close() error
}
