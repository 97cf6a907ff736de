// Package cdig holds the content digest type blobs are keyed by.
package cdig

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/multiformats/go-multihash"
)

const (
	Bytes = sha256.Size
	Bits  = Bytes << 3
	Algo  = "sha256"
)

type (
	CDig [Bytes]byte
)

var Zero CDig

func Sum(b []byte) CDig {
	return CDig(sha256.Sum256(b))
}

func (dig CDig) String() string {
	return base64.RawURLEncoding.EncodeToString(dig[:])
}

func (dig CDig) Check(b []byte) error {
	if got := Sum(b); got != dig {
		return fmt.Errorf("content digest mismatch %s != %s", got, dig)
	}
	return nil
}

// Multihash returns the digest in algo-tagged multihash form, used as the
// key for metadata records.
func (dig CDig) Multihash() []byte {
	mh, err := multihash.Encode(dig[:], multihash.SHA2_256)
	if err != nil {
		panic(err) // only fails on unknown code
	}
	return mh
}

func FromMultihash(b []byte) (CDig, error) {
	dmh, err := multihash.Decode(b)
	if err != nil {
		return Zero, err
	}
	if dmh.Code != multihash.SHA2_256 || dmh.Length != Bytes {
		return Zero, fmt.Errorf("unexpected multihash %#x/%d", dmh.Code, dmh.Length)
	}
	return FromBytes(dmh.Digest), nil
}

func FromString(s string) (CDig, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Zero, err
	}
	if len(b) != Bytes {
		return Zero, fmt.Errorf("bad digest length %d", len(b))
	}
	return FromBytes(b), nil
}

// Note len(b) must be at least Bytes or this will panic.
func FromBytes(b []byte) (dig CDig) {
	copy(dig[:], b[:Bytes])
	return
}
