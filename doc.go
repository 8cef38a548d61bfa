// Package nexus reads Nexus container files: the index and archive files used
// to ship and incrementally patch game client data.
//
// A container is a header, a block table and a root descriptor. The root
// descriptor decides what the container holds:
//   - Index: a folder tree whose file records carry a SHA-1 content hash
//   - BlockStore: content blocks sorted by hash for binary search
//
// An Archive pairs an Index with its BlockStore, an optional shared core-data
// BlockStore, and loose files on disk, and resolves file content in that order.
//
// Containers are read-only. Folder children are parsed on first access and
// cached; every other structure is immutable once Open returns, so Index,
// BlockStore and Archive values are safe for concurrent use.
package nexus
