// Package cache provides content-addressed storage for patch content.
//
// Keys are the SHA-1 hashes that index file records carry for their
// uncompressed content. Values are the content exactly as a patch source
// serves it, which is usually the stored (compressed) form, so a hit is not
// self-verifying: callers that need integrity decode and hash the content.
package cache

import (
	"io"
	"io/fs"
)

// Cache stores content by hash.
//
// Implementations must be safe for concurrent use and handle their own size
// limits and eviction policies.
type Cache interface {
	// Get returns a file for reading cached content.
	// Returns nil, false if the content is not cached.
	Get(hash []byte) (fs.File, bool)

	// Put stores the content read from r under hash. A Put for a hash that
	// is already cached drains nothing and succeeds.
	Put(hash []byte, r io.Reader) error

	// Delete removes the content stored under hash. Deleting a hash that is
	// not cached succeeds.
	Delete(hash []byte) error
}
