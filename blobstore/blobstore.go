// Package blobstore is the content-addressed store for uploaded module
// binaries (C4/C2's blob half of the repository contract).
package blobstore

import "github.com/ipfs/go-cid"

// BlobStore is a minimal content-addressable storage interface.
//
// Contract:
//   - Put MUST be idempotent.
//   - Stored objects MUST be immutable.
//   - CIDs MUST be derived from the bytes written.
//   - Get MUST return ErrNotFound when the CID is absent.
type BlobStore interface {
	Put(data []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}
