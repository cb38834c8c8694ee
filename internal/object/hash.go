package object

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Hash is the content address of a stored object: a CIDv1 (raw codec,
// SHA2-256) in base32lower multibase form, usable directly as a filename.
type Hash string

// ZeroHash is the absent hash value.
const ZeroHash Hash = ""

// ComputeHash computes the content address for the given bytes.
func ComputeHash(data []byte) (Hash, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return ZeroHash, fmt.Errorf("multihash: %w", err)
	}
	c := gocid.NewCidV1(gocid.Raw, mh)
	encoded, err := multibase.Encode(multibase.Base32, c.Bytes())
	if err != nil {
		return ZeroHash, fmt.Errorf("multibase: %w", err)
	}
	return Hash(encoded), nil
}

// Valid reports whether h parses as a multibase-encoded CID.
func (h Hash) Valid() bool {
	if h == ZeroHash {
		return false
	}
	_, data, err := multibase.Decode(string(h))
	if err != nil {
		return false
	}
	_, err = gocid.Cast(data)
	return err == nil
}

func (h Hash) String() string {
	return string(h)
}

// Short returns an abbreviated form for display.
func (h Hash) Short() string {
	s := string(h)
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
