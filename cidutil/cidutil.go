// Package cidutil derives content identifiers for uploaded module blobs.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// OfBytes returns a CIDv1 (raw + sha2-256) string digest for data.
//
// This is the module's blob key and the value returned to clients as a
// module's digest.
func OfBytes(data []byte) string {
	id, err := CIDOf(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// CIDOf returns the CIDv1 (raw + sha2-256) for data.
func CIDOf(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Matches reports whether data hashes to the given CID string.
func Matches(data []byte, want string) bool {
	if want == "" {
		return false
	}
	wantCID, err := cid.Decode(want)
	if err != nil {
		return false
	}
	got, err := CIDOf(data)
	if err != nil {
		return false
	}
	return got.Equals(wantCID)
}
